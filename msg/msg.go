// Package msg provides typed request/reply messaging between Knugget
// execution contexts. The browser extension passes messages between its
// popup, content scripts, and background worker; this package models the
// same traffic for the daemon and its local clients, including the
// origin-gated intake for messages from external web pages.
package msg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mrinal-mann/Knugget-new/core"
)

// Kind identifies a message type on the channel.
type Kind string

// Internal message kinds exchanged between extension contexts.
const (
	KindCheckAuthStatus   Kind = "CHECK_AUTH_STATUS"
	KindAuthStatusChanged Kind = "AUTH_STATUS_CHANGED"
	KindAuthFailure       Kind = "AUTH_FAILURE"
	KindLogout            Kind = "LOGOUT"
	KindRefreshToken      Kind = "REFRESH_TOKEN"
)

// External message kinds accepted from allow-listed web origins.
// KNUGGET_AUTH_SUCCESS carries a core.AuthRecord payload handed over by
// the web app after login; the other two carry no payload.
const (
	KindExternalAuthSuccess Kind = "KNUGGET_AUTH_SUCCESS"
	KindExternalCheckAuth   Kind = "KNUGGET_CHECK_AUTH"
	KindExternalLogout      Kind = "KNUGGET_LOGOUT"
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

var (
	// ErrNoListener reports that no handler is registered for a message kind.
	ErrNoListener = errors.New("msg: no listener for message kind")

	// ErrOriginNotAllowed reports that a sender's origin failed the allow-list.
	ErrOriginNotAllowed = errors.New("msg: origin not allowed")

	// ErrMalformedPayload reports a payload that is missing or does not
	// decode into the shape its kind requires.
	ErrMalformedPayload = errors.New("msg: malformed payload")
)

// Message is the envelope passed over a Channel. Payload is kind-specific
// JSON; Origin is set only on messages arriving from external senders.
type Message struct {
	Kind    Kind            `json:"type"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message of the given kind with a JSON-encoded payload.
// A nil payload produces a message with no payload.
func NewMessage(kind Kind, payload any) (Message, error) {
	if payload == nil {
		return Message{Kind: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("msg: encode %s payload: %w", kind, err)
	}
	return Message{Kind: kind, Payload: raw}, nil
}

// DecodePayload decodes the message payload into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s message has no payload", ErrMalformedPayload, m.Kind)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("%w: decode %s payload: %w", ErrMalformedPayload, m.Kind, err)
	}
	return nil
}

// AuthStatusPayload is the payload of AUTH_STATUS_CHANGED messages and the
// reply to CHECK_AUTH_STATUS and KNUGGET_CHECK_AUTH.
type AuthStatusPayload struct {
	Authenticated bool       `json:"isAuthenticated"`
	User          *core.User `json:"user,omitempty"`
}

// AuthFailurePayload is the payload of AUTH_FAILURE messages.
type AuthFailurePayload struct {
	Reason string `json:"reason"`
}

// AckPayload is the generic success reply for messages with no richer answer.
type AckPayload struct {
	OK bool `json:"ok"`
}

// Handler processes a single message and produces the reply.
type Handler func(ctx context.Context, m Message) (Message, error)

// Channel passes a message to its receiver and returns the reply.
// Implementations decide routing; delivery failures surface as errors
// rather than silent drops because the sender awaits an answer.
type Channel interface {
	Request(ctx context.Context, m Message) (Message, error)
}
