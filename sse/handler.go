// Package sse provides a Server-Sent Events handler for streaming session
// and request events to HTTP clients. It supports replaying stored events
// and subscribing to live events via the event bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mrinal-mann/Knugget-new/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// EventStreamHandler serves an SSE stream of session and request events.
// Clients that pass an "after" query parameter first receive a replay of
// stored events past that sequence number; without it the stream is
// live-only. Duplicate events (by sequence number) are skipped.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds. The stream
// closes when the client disconnects or the event bus shuts down.
type EventStreamHandler struct {
	store  bus.EventStore
	bus    bus.EventBus
	logger *slog.Logger

	heartbeat time.Duration
}

// NewEventStreamHandler creates an EventStreamHandler replaying from store
// and streaming from eb. A nil logger falls back to slog.Default().
func NewEventStreamHandler(store bus.EventStore, eb bus.EventBus, logger *slog.Logger) *EventStreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStreamHandler{
		store:     store,
		bus:       eb,
		logger:    logger,
		heartbeat: HeartbeatInterval,
	}
}

// ServeHTTP implements http.Handler.
func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Parse optional ?after= cursor. Its presence selects replay mode;
	// after=0 replays the whole stored stream.
	var (
		afterSeq uint64
		replay   bool
	)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
		replay = true
	}

	// Subscribe to live events before replaying stored events, to avoid
	// missing events that arrive between replay and subscription. This
	// also happens before the status is written, so a client that has
	// seen the response headers is guaranteed a live subscription.
	sub := h.bus.SubscribeAll()
	defer sub.Close()

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	clientID := uuid.NewString()
	h.logger.Debug("sse client connected", "client", clientID, "replay", replay, "after", afterSeq)

	// Phase 1: Replay stored events.
	var lastSeq uint64
	if afterSeq > 0 {
		lastSeq = afterSeq
	}

	if replay {
		if err := h.replayStored(ctx, w, flusher, afterSeq, &lastSeq); err != nil {
			h.logger.Debug("sse replay ended", "client", clientID, "error", err)
			return
		}
	}

	// Phase 2: Stream live events with heartbeat.
	h.streamLive(ctx, w, flusher, sub, &lastSeq)
	h.logger.Debug("sse stream closed", "client", clientID, "last_seq", lastSeq)
}

// replayStored replays events from the store, writing them to the SSE
// stream. It returns an error if the context was cancelled or the client
// went away.
func (h *EventStreamHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	afterSeq uint64,
	lastSeq *uint64,
) error {
	events, err := h.store.List(ctx, afterSeq, 0)
	if err != nil {
		return err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := writeSSEEvent(w, evt); err != nil {
			return err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
	}

	return nil
}

// streamLive streams events from the live subscription, deduplicating
// against already-sent sequence numbers.
func (h *EventStreamHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				// Bus shut down.
				return
			}

			// Dedup: skip events already sent during replay.
			if evt.Seq <= *lastSeq {
				continue
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

			*lastSeq = evt.Seq

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt bus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
