package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/mrinal-mann/Knugget-new/core"
)

// SignInRequest carries credential login input.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// SignIn exchanges credentials for a fresh auth record. A rejected
// credential surfaces as KindInvalidCredentials.
func (c *Client) SignIn(ctx context.Context, email, password string) (core.AuthRecord, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return core.AuthRecord{}, newError(KindInvalidCredentials, "email and password are required", false, nil)
	}

	var record core.AuthRecord
	err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "/auth/signin",
		Body:      SignInRequest{Email: email, Password: password},
		Out:       &record,
		Operation: "auth.signin",
	})
	if err != nil {
		return core.AuthRecord{}, err
	}
	record.User.Plan = core.ParsePlan(string(record.User.Plan))
	return record, nil
}

// Refresh exchanges a refresh token for a new auth record. The refresh
// token travels in the body, not in an Authorization header.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (core.AuthRecord, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return core.AuthRecord{}, newError(KindInvalidCredentials, "refresh token is empty", false, nil)
	}

	var record core.AuthRecord
	err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "/auth/refresh",
		Body:      refreshRequest{RefreshToken: refreshToken},
		Out:       &record,
		Operation: "auth.refresh",
	})
	if err != nil {
		return core.AuthRecord{}, err
	}
	record.User.Plan = core.ParsePlan(string(record.User.Plan))
	return record, nil
}

// Me fetches the profile for the current session, going through the
// token source and its 401 recovery.
func (c *Client) Me(ctx context.Context) (core.User, error) {
	var user core.User
	err := c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/auth/me",
		Out:          &user,
		Operation:    "auth.me",
		RequiresAuth: true,
	})
	if err != nil {
		return core.User{}, err
	}
	user.Plan = core.ParsePlan(string(user.Plan))
	return user, nil
}

// MeWithToken validates one specific token against the backend and
// returns the profile it belongs to. No session recovery happens here;
// a rejected token surfaces as KindInvalidCredentials.
func (c *Client) MeWithToken(ctx context.Context, token string) (core.User, error) {
	if strings.TrimSpace(token) == "" {
		return core.User{}, newError(KindInvalidCredentials, "token is empty", false, nil)
	}

	var user core.User
	err := c.Do(ctx, Request{
		Method:    http.MethodGet,
		Path:      "/auth/me",
		Out:       &user,
		Operation: "auth.me",
		Token:     token,
	})
	if err != nil {
		return core.User{}, err
	}
	user.Plan = core.ParsePlan(string(user.Plan))
	return user, nil
}

// SignOut invalidates the session server-side. It runs a single attempt
// with the explicit token: the caller clears local state regardless of
// the result, so retrying here only delays that.
func (c *Client) SignOut(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Operation:   "auth.logout",
		Token:       token,
		MaxAttempts: 1,
	})
}

// Health probes backend liveness without authentication.
func (c *Client) Health(ctx context.Context) error {
	return c.Do(ctx, Request{
		Method:    http.MethodGet,
		Path:      "/health",
		Operation: "health",
	})
}

// BaseURL reports the configured backend root.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}
