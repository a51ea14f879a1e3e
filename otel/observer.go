package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrinal-mann/Knugget-new/api"
)

// RequestObserver records request executor outcomes into OpenTelemetry.
// Install it process-wide with api.SetObserver.
type RequestObserver struct {
	tracer trace.Tracer

	requests metric.Int64Counter
	retries  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRequestObserver creates a request observer bound to the provided
// meter and tracer. A nil tracer disables span emission.
func NewRequestObserver(meter metric.Meter, tracer trace.Tracer) (*RequestObserver, error) {
	requests, err := meter.Int64Counter(
		"knugget.request.count",
		metric.WithDescription("Number of finished backend requests"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"knugget.request.retries",
		metric.WithDescription("Number of retry attempts inside backend requests"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"knugget.request.duration",
		metric.WithDescription("Backend request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &RequestObserver{
		tracer:   tracer,
		requests: requests,
		retries:  retries,
		duration: duration,
	}, nil
}

// ObserveRequest records one finished request, after all retries.
func (o *RequestObserver) ObserveRequest(observation api.RequestObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", observation.Operation),
		attribute.String("method", observation.Method),
		attribute.Bool("success", observation.Success),
	}
	if observation.Status > 0 {
		attrs = append(attrs, attribute.Int("status", observation.Status))
	}
	if observation.Kind != "" {
		attrs = append(attrs, attribute.String("kind", string(observation.Kind)))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.requests.Add(ctx, 1, options)
	o.duration.Record(ctx, float64(time.Duration(observation.DurationMS)*time.Millisecond)/float64(time.Second), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "api.request", trace.WithAttributes(attrs...))
	span.SetAttributes(attribute.Int("attempts", observation.Attempts))
	if !observation.Success {
		span.SetStatus(codes.Error, string(observation.Kind))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveRetry records one retry decision inside a request.
func (o *RequestObserver) ObserveRetry(observation api.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", observation.Operation),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.Kind != "" {
		attrs = append(attrs, attribute.String("kind", string(observation.Kind)))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

var _ api.Observer = (*RequestObserver)(nil)
