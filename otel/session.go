package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mrinal-mann/Knugget-new/bus"
)

// SessionMetrics translates event bus traffic into OpenTelemetry metrics:
// counters for session transitions and failures, and a gauge tracking the
// last reported credit balance.
type SessionMetrics struct {
	transitions metric.Int64Counter
	failures    metric.Int64Counter
	credits     metric.Int64Gauge
}

// NewSessionMetrics creates a SessionMetrics that uses the given meter.
// Wire its Handle method to a subscription with bus.Drain.
func NewSessionMetrics(meter metric.Meter) (*SessionMetrics, error) {
	transitions, err := meter.Int64Counter(
		"knugget.session.transitions",
		metric.WithDescription("Number of session state transitions"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"knugget.session.failures",
		metric.WithDescription("Number of auth and request failures"),
	)
	if err != nil {
		return nil, err
	}
	credits, err := meter.Int64Gauge(
		"knugget.credits.balance",
		metric.WithDescription("Last reported credit balance"),
	)
	if err != nil {
		return nil, err
	}

	return &SessionMetrics{
		transitions: transitions,
		failures:    failures,
		credits:     credits,
	}, nil
}

// Handle records the metrics matching one event. It satisfies
// bus.EventHandler.
func (h *SessionMetrics) Handle(e bus.Event) {
	ctx := context.Background()
	switch e.Kind {
	case bus.EventAuthChanged:
		h.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(e.Kind)),
			attribute.Bool("authenticated", e.Authenticated),
		))
	case bus.EventSessionRefreshed:
		h.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(e.Kind)),
		))
	case bus.EventLoggedOut:
		h.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(e.Kind)),
			attribute.String("reason", e.Reason),
		))
	case bus.EventAuthFailed:
		h.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(e.Kind)),
			attribute.String("reason", e.Reason),
		))
	case bus.EventRequestFailed:
		h.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(e.Kind)),
			attribute.String("operation", e.Operation),
			attribute.String("reason", e.Reason),
		))
	case bus.EventCreditsChanged:
		if e.User != nil {
			h.credits.Record(ctx, int64(e.User.Credits), metric.WithAttributes(
				attribute.String("plan", string(e.User.Plan)),
			))
		}
	}
}
