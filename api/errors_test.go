package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "kind and message",
			err:  &Error{Kind: KindRateLimited, Message: "slow down"},
			want: "RATE_LIMITED: slow down",
		},
		{
			name: "kind only",
			err:  &Error{Kind: KindTimeout},
			want: "TIMEOUT",
		},
		{
			name: "message only",
			err:  &Error{Message: "boom"},
			want: "boom",
		},
		{
			name: "empty",
			err:  &Error{},
			want: "REQUEST_REJECTED",
		},
		{
			name: "nil",
			err:  nil,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := newError(KindNetworkUnavailable, "network unreachable", true, cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() = false, want true for wrapped cause")
	}
}

func TestKindOf(t *testing.T) {
	err := newError(KindInsufficientCredits, "", false, nil)
	wrapped := fmt.Errorf("generate: %w", err)

	if got := KindOf(wrapped); got != KindInsufficientCredits {
		t.Errorf("KindOf() = %q, want %q", got, KindInsufficientCredits)
	}
	if got := KindOf(errors.New("plain")); got != Kind("") {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != Kind("") {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable kind", newError(KindServerUnavailable, "", true, nil), true},
		{"terminal kind", newError(KindRequestRejected, "", false, nil), false},
		{"wrapped retryable", fmt.Errorf("call: %w", newError(KindTimeout, "", true, nil)), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"plain error", errors.New("nope"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserMessageNeverEmpty(t *testing.T) {
	kinds := []Kind{
		KindAuthRequired, KindSessionExpired, KindInvalidCredentials,
		KindInsufficientCredits, KindRateLimited, KindServerUnavailable,
		KindNetworkUnavailable, KindTimeout, KindRequestRejected,
		KindCancelled, KindStorageFailure, Kind("UNKNOWN"),
	}

	for _, kind := range kinds {
		msg := UserMessage(newError(kind, "internal detail", false, nil))
		if msg == "" {
			t.Errorf("UserMessage(%s) is empty", kind)
		}
		if msg == "internal detail" {
			t.Errorf("UserMessage(%s) leaked the internal message", kind)
		}
	}
}
