package bus

import "context"

// EventStore persists published events for later replay.
// The daemon uses it to let a reconnecting event-stream client catch up
// on events it missed, using the sequence number as a cursor.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event Event) error

	// List returns stored events with Seq greater than afterSeq, in
	// ascending Seq order. A limit of 0 means no limit.
	List(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)

	// LatestSeq returns the highest stored Seq (0 if the store is empty).
	LatestSeq(ctx context.Context) (uint64, error)
}
