package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus implementation.
type MemBus struct {
	seq uint64

	mu         sync.RWMutex
	subs       map[EventKind][]*memSub // kind -> subscribers
	globalSubs []*memSub               // subscribers for all kinds
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[EventKind][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to all matching subscribers.
// Kind-specific subscribers receive events matching their kind, and
// global subscribers receive all events. Publish assigns the event's
// sequence number and stamps the time if unset. If the bus is closed,
// the event is silently dropped.
func (b *MemBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event.Seq = atomic.AddUint64(&b.seq, 1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	// Send to kind-specific subscribers.
	for _, sub := range b.subs[event.Kind] {
		sub.send(event)
	}

	// Send to global subscribers.
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// SeedSeq advances the sequence counter to at least seq. A bus feeding a
// persistent journal is seeded from the journal's latest sequence at
// startup, so new events continue the stored stream instead of colliding
// with it.
func (b *MemBus) SeedSeq(seq uint64) {
	for {
		current := atomic.LoadUint64(&b.seq)
		if current >= seq {
			return
		}
		if atomic.CompareAndSwapUint64(&b.seq, current, seq) {
			return
		}
	}
}

// Subscribe registers a subscriber for a specific event kind.
// Returns a Subscription that must be closed when done.
func (b *MemBus) Subscribe(kind EventKind) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	b.subs[kind] = append(b.subs[kind], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives every event.
// Returns a Subscription that must be closed when done.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	// Close all kind-specific subscriptions.
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}

	// Close all global subscriptions.
	for _, sub := range b.globalSubs {
		sub.close()
	}

	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newMemSub(bufSize int) *memSub {
	return &memSub{
		ch: make(chan Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
