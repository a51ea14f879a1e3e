// Package bus provides the event distribution system for Knugget session
// and request state changes. It allows components to publish and subscribe
// to auth events, enabling decoupled communication between the session
// manager and observers such as the daemon's event stream, loggers, and
// metrics collectors. Delivery is best-effort: a subscriber that is not
// draining its channel misses events rather than blocking the publisher.
package bus

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event Event)

	// Subscribe registers a subscriber for a specific event kind.
	// Returns a Subscription that must be closed when done.
	Subscribe(kind EventKind) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}
