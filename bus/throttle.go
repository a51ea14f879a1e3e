package bus

import (
	"sync"
	"time"
)

// ThrottleConfig controls the behavior of ThrottledPublisher.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced credit events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledPublisher wraps a Publisher and coalesces high-frequency
// credits.changed events. Other event kinds pass through immediately.
// Within each coalesce interval only the latest credit balance is kept,
// which loses nothing: recipients treat events as wake-up signals and
// re-read the session state. A background ticker flushes coalesced
// events at the configured interval.
type ThrottledPublisher struct {
	pub      Publisher
	interval time.Duration

	mu      sync.Mutex
	pending map[EventKind]Event // kind -> latest coalesced event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledPublisher creates a new ThrottledPublisher that wraps the
// given publisher and coalesces EventCreditsChanged events at the
// configured interval.
func NewThrottledPublisher(pub Publisher, cfg ThrottleConfig) *ThrottledPublisher {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	tp := &ThrottledPublisher{
		pub:      pub,
		interval: interval,
		pending:  make(map[EventKind]Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go tp.run()

	return tp
}

// Publish sends an event through the throttled publisher. Events other
// than EventCreditsChanged pass through immediately to the wrapped
// publisher. Credit events are coalesced: only the latest is kept and
// flushed at the configured interval.
func (tp *ThrottledPublisher) Publish(e Event) {
	if e.Kind != EventCreditsChanged {
		// Non-credit events pass through immediately.
		tp.pub.Publish(e)
		return
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		return
	}

	tp.pending[e.Kind] = e
}

// Close flushes any pending credit events and stops the background ticker.
// It is safe to call Close multiple times.
func (tp *ThrottledPublisher) Close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	tp.mu.Unlock()

	// Signal the background goroutine to stop.
	close(tp.stopCh)

	// Wait for the background goroutine to finish.
	<-tp.doneCh
}

// run is the background goroutine that periodically flushes coalesced events.
func (tp *ThrottledPublisher) run() {
	defer close(tp.doneCh)

	ticker := time.NewTicker(tp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tp.flush()
		case <-tp.stopCh:
			// Flush any remaining pending events before exiting.
			tp.flush()
			return
		}
	}
}

// flush sends all pending coalesced events to the wrapped publisher
// and clears the pending map.
func (tp *ThrottledPublisher) flush() {
	tp.mu.Lock()
	if len(tp.pending) == 0 {
		tp.mu.Unlock()
		return
	}

	// Swap out the pending map so we can release the lock during publish.
	toFlush := tp.pending
	tp.pending = make(map[EventKind]Event)
	tp.mu.Unlock()

	for _, e := range toFlush {
		tp.pub.Publish(e)
	}
}

// Compile-time interface check.
var _ Publisher = (*ThrottledPublisher)(nil)
