package sparql

import (
	"fmt"
	"sort"
	"strings"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/json"
)

// Term is one bound value in a result row.
type Term struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Lang     string `json:"xml:lang,omitempty"`
	Datatype string `json:"datatype,omitempty"`
}

// Binding maps variable names to their terms for one result row.
type Binding map[string]Term

// Result is a decoded SPARQL 1.1 JSON results envelope.
type Result struct {
	Vars     []string
	Bindings []Binding
}

type envelope struct {
	Head *struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results *struct {
		Bindings []json.RawMessage `json:"bindings"`
	} `json:"results"`
}

// ParseResult decodes a results envelope. A body that is a JSON string
// holding the envelope is unwrapped first. Rows that are not objects are
// skipped. Any decoding failure wraps ErrMalformedReply.
func ParseResult(body []byte) (*Result, error) {
	body = json.Unquote(body)
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("empty body: %w", ierrors.ErrMalformedReply)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %v: %w", err, ierrors.ErrMalformedReply)
	}
	if env.Results == nil {
		return nil, fmt.Errorf("envelope has no results: %w", ierrors.ErrMalformedReply)
	}

	res := &Result{Bindings: make([]Binding, 0, len(env.Results.Bindings))}
	if env.Head != nil {
		res.Vars = env.Head.Vars
	}
	for _, raw := range env.Results.Bindings {
		var b Binding
		if err := json.Unmarshal(raw, &b); err != nil || b == nil {
			continue
		}
		res.Bindings = append(res.Bindings, b)
	}
	return res, nil
}

// Values returns the values bound to variable in row order. Rows where the
// variable is unbound are skipped. An empty variable selects the first
// projected one.
func (r *Result) Values(variable string) []string {
	if r == nil {
		return nil
	}
	if variable == "" {
		variable = r.firstVar()
	}
	if variable == "" {
		return nil
	}
	out := make([]string, 0, len(r.Bindings))
	for _, b := range r.Bindings {
		if t, ok := b[variable]; ok {
			out = append(out, t.Value)
		}
	}
	return out
}

func (r *Result) firstVar() string {
	if len(r.Vars) > 0 {
		return r.Vars[0]
	}
	if len(r.Bindings) == 0 {
		return ""
	}
	names := make([]string, 0, len(r.Bindings[0]))
	for name := range r.Bindings[0] {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// FirstValue parses body and returns the first value bound to variable.
// ok is false when nothing matched; err is set only for malformed bodies.
func FirstValue(body []byte, variable string) (value string, ok bool, err error) {
	res, err := ParseResult(body)
	if err != nil {
		return "", false, err
	}
	values := res.Values(variable)
	if len(values) == 0 {
		return "", false, nil
	}
	return values[0], true, nil
}

// FirstLocalID is FirstValue reduced to the value's trailing path segment.
func FirstLocalID(body []byte, variable string) (string, bool, error) {
	v, ok, err := FirstValue(body, variable)
	if !ok {
		return "", false, err
	}
	return LocalID(v), true, nil
}

// LocalID returns the part of uri after its last slash.
func LocalID(uri string) string {
	return uri[strings.LastIndex(uri, "/")+1:]
}

// CanonicalStepKey joins the last two path segments of uri. ok is false
// when uri has fewer than two segments.
func CanonicalStepKey(uri string) (string, bool) {
	parts := strings.Split(uri, "/")
	if len(parts) < 2 {
		return "", false
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1], true
}
