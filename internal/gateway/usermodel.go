package gateway

import (
	"context"
	"fmt"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/json"
)

// UserContext is the part of a user profile that takes part in resolution.
type UserContext struct {
	EmployeeType string `json:"employeeType,omitempty"`
}

// UserModel asks the user model service for profile information.
type UserModel struct {
	caller    *caller
	address   string
	sessionID string
	token     string
}

type userInfoRequest struct {
	SID    string `json:"sid"`
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type userInfoReply struct {
	UserInformation *UserContext `json:"userInformation"`
}

func NewUserModel(r Requester, cfg Config, opts ...Option) *UserModel {
	cfg = cfg.withDefaults()
	d := DefaultConfig()
	if cfg.SessionID == "" {
		cfg.SessionID = d.SessionID
	}
	if cfg.Token == "" {
		cfg.Token = d.Token
	}
	return &UserModel{
		caller:    newCaller(r, cfg.RequestTimeout, newSettings(opts)),
		address:   cfg.UserModelAddress(),
		sessionID: cfg.SessionID,
		token:     cfg.Token,
	}
}

// UserInformation fetches the profile of userID. An empty reply object
// yields ErrNoMatch. A reply without a userInformation member yields an
// empty UserContext.
func (u *UserModel) UserInformation(ctx context.Context, userID string) (UserContext, error) {
	body, err := json.Marshal(userInfoRequest{SID: u.sessionID, UserID: userID, Token: u.token})
	if err != nil {
		return UserContext{}, fmt.Errorf("encode user information request: %w", err)
	}
	reply, err := u.caller.request(ctx, u.address, body)
	if err != nil {
		return UserContext{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(json.Unquote(reply), &fields); err != nil {
		return UserContext{}, fmt.Errorf("%w: %w", ierrors.ErrMalformedReply, err)
	}
	if len(fields) == 0 {
		return UserContext{}, fmt.Errorf("user %q: %w", userID, ierrors.ErrNoMatch)
	}
	var out userInfoReply
	if err := json.Unmarshal(json.Unquote(reply), &out); err != nil {
		return UserContext{}, fmt.Errorf("%w: %w", ierrors.ErrMalformedReply, err)
	}
	if out.UserInformation == nil {
		return UserContext{}, nil
	}
	return *out.UserInformation, nil
}
