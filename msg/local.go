package msg

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds a single dispatch when the caller's context
// carries no tighter deadline.
const DefaultRequestTimeout = 5 * time.Second

// LocalChannelConfig configures an in-process message channel.
type LocalChannelConfig struct {
	// RequestTimeout bounds each Request dispatch (default: 5s).
	RequestTimeout time.Duration
}

// LocalChannel routes messages to in-process handlers, one per kind.
// It is the in-process analog of the extension's context-to-context
// messaging: a kind with no registered handler behaves like a context
// that is not listening.
type LocalChannel struct {
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewLocalChannel creates a new in-process channel with the given configuration.
func NewLocalChannel(config LocalChannelConfig) *LocalChannel {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &LocalChannel{
		timeout:  timeout,
		handlers: make(map[Kind]Handler),
	}
}

// Handle registers the handler for a message kind, replacing any previous
// registration. A nil handler removes the registration.
func (c *LocalChannel) Handle(kind Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h == nil {
		delete(c.handlers, kind)
		return
	}
	c.handlers[kind] = h
}

// Request dispatches the message to its registered handler and returns the
// reply. Messages with no handler fail with ErrNoListener.
func (c *LocalChannel) Request(ctx context.Context, m Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	c.mu.RLock()
	h := c.handlers[m.Kind]
	c.mu.RUnlock()

	if h == nil {
		return Message{}, fmt.Errorf("%w: %s", ErrNoListener, m.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return h(ctx, m)
}

// Compile-time interface check.
var _ Channel = (*LocalChannel)(nil)
