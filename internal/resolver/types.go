package resolver

import (
	"fmt"
	"strings"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
)

// ContentType selects the resolution flow.
type ContentType int

const (
	Unknown ContentType = iota
	Task
	Activity
	Additional
)

func (t ContentType) String() string {
	switch t {
	case Task:
		return "task"
	case Activity:
		return "activity"
	case Additional:
		return "additional"
	default:
		return "unknown"
	}
}

// ParseContentType accepts the short tags (task, activity, additional) and
// the HTTP route names (contentForTask, contentForActivity, additionalContent).
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "task", "contentfortask":
		return Task, nil
	case "activity", "contentforactivity":
		return Activity, nil
	case "additional", "additionalcontent":
		return Additional, nil
	default:
		return Unknown, fmt.Errorf("%q: %w", s, ierrors.ErrUnknownContentType)
	}
}

// Request is one resolution request as received over HTTP.
type Request struct {
	ContentType     ContentType
	MeasureID       string
	ElementID       string
	CalledProcessID string
	UserID          string
}

// SubElementID is the id that is appended to the measure: the element for
// task and additional content, the called process for activities.
func (r Request) SubElementID() string {
	if r.ContentType == Activity {
		return r.CalledProcessID
	}
	return r.ElementID
}

// Validate checks the fields the content type requires.
func (r Request) Validate() error {
	switch r.ContentType {
	case Task, Activity:
	case Additional:
		if r.UserID == "" {
			return fmt.Errorf("userId: %w", ierrors.ErrMissingParameter)
		}
	default:
		return ierrors.ErrUnknownContentType
	}
	if r.MeasureID == "" {
		return fmt.Errorf("measureId: %w", ierrors.ErrMissingParameter)
	}
	if r.SubElementID() == "" {
		if r.ContentType == Activity {
			return fmt.Errorf("calledProcess: %w", ierrors.ErrMissingParameter)
		}
		return fmt.Errorf("elementId: %w", ierrors.ErrMissingParameter)
	}
	return nil
}

// Answer is the response body. An empty ContentID encodes as {}.
type Answer struct {
	ContentID string `json:"contentId,omitempty"`
}

func (a Answer) Found() bool { return a.ContentID != "" }
