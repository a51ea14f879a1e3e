package bus

import (
	"time"

	"github.com/mrinal-mann/Knugget-new/core"
)

// EventKind identifies the type of event published on the bus.
type EventKind string

const (
	// EventAuthChanged is published when the authentication state flips,
	// in either direction. The payload carries the new state.
	EventAuthChanged EventKind = "auth.changed"

	// EventAuthFailed is published when a login or refresh attempt fails
	// while the session remains unauthenticated.
	EventAuthFailed EventKind = "auth.failed"

	// EventLoggedOut is published when a session ends, whether the user
	// asked for it or the backend rejected the stored credentials.
	EventLoggedOut EventKind = "auth.logout"

	// EventSessionRefreshed is published after a successful token refresh.
	EventSessionRefreshed EventKind = "session.refreshed"

	// EventCreditsChanged is published when the user's credit balance
	// moves, locally or as reported by the backend.
	EventCreditsChanged EventKind = "credits.changed"

	// EventRequestFailed is published when a backend request fails
	// terminally. The payload carries a user-facing message.
	EventRequestFailed EventKind = "request.failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Logout reasons carried on EventLoggedOut events.
const (
	// LogoutReasonUser marks a logout the user initiated.
	LogoutReasonUser = "user"

	// LogoutReasonForced marks a logout triggered by the backend
	// rejecting the session (expired or revoked credentials).
	LogoutReasonForced = "forced"
)

// Event is a structured record of a session or request state change.
// Events are wake-up signals, not state transfer: recipients re-read the
// session manager rather than trusting a possibly stale payload.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// Seq is a monotonic sequence number assigned by the bus at publish.
	Seq uint64 `json:"seq"`

	// Time is when the event was published.
	Time time.Time `json:"time"`

	// Authenticated reports the session state after the transition.
	Authenticated bool `json:"isAuthenticated"`

	// User is the authenticated user, nil when signed out.
	User *core.User `json:"user,omitempty"`

	// Reason qualifies logout and failure events ("user", "forced",
	// or a short failure description).
	Reason string `json:"reason,omitempty"`

	// Operation names the request that failed (request.failed only).
	Operation string `json:"operation,omitempty"`

	// Message is a user-facing description (request.failed only).
	Message string `json:"message,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind) Event {
	return Event{
		Kind: kind,
		Time: time.Now(),
	}
}

// WithUser sets the user on the event. A non-nil user marks the event
// as authenticated.
func (e Event) WithUser(user *core.User) Event {
	e.User = user
	e.Authenticated = user != nil
	return e
}

// WithReason sets the reason on the event.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// WithOperation sets the failed operation name on the event.
func (e Event) WithOperation(operation string) Event {
	e.Operation = operation
	return e
}

// WithMessage sets the user-facing message on the event.
func (e Event) WithMessage(message string) Event {
	e.Message = message
	return e
}

// Publisher can publish events to subscribers.
// This interface is satisfied by EventBus, allowing components to
// publish without depending on the subscription side.
type Publisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// Drain pumps a subscription into a handler on a background goroutine.
// The pump stops when the subscription closes; the returned channel is
// closed once the last event has been handled.
func Drain(sub Subscription, handler EventHandler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub.Events() {
			handler(event)
		}
	}()
	return done
}
