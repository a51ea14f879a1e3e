package bus

import (
	"context"
	"log/slog"
)

// StoreSubscriber writes events to an EventStore.
// Its Handle method satisfies EventHandler for use as a bus drain target.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(event Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}
