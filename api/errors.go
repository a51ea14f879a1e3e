package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a request failure into the small stable vocabulary the
// rest of the client programs against.
type Kind string

const (
	// KindAuthRequired is returned when no valid session exists and the
	// request never reached the network.
	KindAuthRequired Kind = "AUTH_REQUIRED"
	// KindSessionExpired is returned when re-authentication failed and the
	// session was ended.
	KindSessionExpired Kind = "SESSION_EXPIRED"
	// KindInvalidCredentials is returned when the server rejects a login.
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	// KindInsufficientCredits is returned on HTTP 402.
	KindInsufficientCredits Kind = "INSUFFICIENT_CREDITS"
	// KindRateLimited is returned when HTTP 429 persists past all retries.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindServerUnavailable is returned when 408/5xx persists past all retries.
	KindServerUnavailable Kind = "SERVER_UNAVAILABLE"
	// KindNetworkUnavailable is returned when transport I/O keeps failing.
	KindNetworkUnavailable Kind = "NETWORK_UNAVAILABLE"
	// KindTimeout is returned when the per-attempt deadline keeps expiring.
	KindTimeout Kind = "TIMEOUT"
	// KindRequestRejected is returned for non-retryable 4xx responses.
	KindRequestRejected Kind = "REQUEST_REJECTED"
	// KindCancelled is returned when the caller's context was cancelled.
	KindCancelled Kind = "CANCELLED"
	// KindStorageFailure is returned when local persistence fails.
	KindStorageFailure Kind = "STORAGE_FAILURE"
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// Error is a structured request failure that can flow across the executor,
// session layer, and presentation surfaces without losing retryability or
// machine-readable classification.
type Error struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Status    int            `json:"status,omitempty"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	kind := strings.TrimSpace(string(e.Kind))
	msg := strings.TrimSpace(e.Message)
	switch {
	case kind == "" && msg == "":
		return string(KindRequestRejected)
	case kind == "":
		return msg
	case msg == "":
		return kind
	default:
		return fmt.Sprintf("%s: %s", kind, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError builds a non-retryable Error for layers above the transport,
// such as the session manager reporting an ended session in the same
// vocabulary the executor uses.
func NewError(kind Kind, message string, cause error) *Error {
	return newError(kind, message, false, cause)
}

func newError(kind Kind, message string, retryable bool, cause error) *Error {
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &Error{
		Kind:      kind,
		Message:   cleanMsg,
		Retryable: retryable,
		Cause:     cause,
	}
}

func withErrorStatus(err *Error, status int) *Error {
	if err == nil {
		return nil
	}
	err.Status = status
	return err
}

func withErrorDetails(err *Error, details map[string]any) *Error {
	if err == nil {
		return nil
	}
	if len(details) == 0 {
		return err
	}
	if err.Details == nil {
		err.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		err.Details[key] = value
	}
	return err
}

func errorFrom(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf extracts the failure kind from an error chain. Errors that did
// not originate in this package report an empty Kind.
func KindOf(err error) Kind {
	if apiErr, ok := errorFrom(err); ok && apiErr != nil {
		return apiErr.Kind
	}
	return ""
}

// IsRetryable reports whether another attempt of the same request could
// plausibly succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := errorFrom(err); ok {
		return apiErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// UserMessage maps a failure kind from an error chain to a short
// actionable message suitable for direct display.
func UserMessage(err error) string {
	return KindMessage(KindOf(err))
}

// KindMessage maps a failure kind to a short actionable message suitable
// for direct display. Raw statuses and transport details stay out of it.
func KindMessage(kind Kind) string {
	switch kind {
	case KindAuthRequired:
		return "Please sign in to continue"
	case KindSessionExpired:
		return "Your session has expired. Please sign in again"
	case KindInvalidCredentials:
		return "Incorrect email or password"
	case KindInsufficientCredits:
		return "You are out of credits. Upgrade your plan to continue"
	case KindRateLimited:
		return "Too many requests. Please wait a moment and try again"
	case KindServerUnavailable:
		return "The service is temporarily unavailable. Please try again"
	case KindNetworkUnavailable:
		return "No connection. Check your network and try again"
	case KindTimeout:
		return "The request took too long. Please try again"
	case KindCancelled:
		return "The request was cancelled"
	case KindStorageFailure:
		return "Could not save your data locally"
	default:
		return "Something went wrong. Please try again"
	}
}
