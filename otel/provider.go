// Package otel provides OpenTelemetry integration for Knugget request
// and session telemetry.
package otel

import (
	"context"
	"fmt"
	"net/url"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SetupTracing installs a global tracer provider that exports spans over
// OTLP HTTP to the given endpoint, e.g. "http://localhost:4318/v1/traces".
// The returned shutdown function flushes pending spans; call it before
// process exit.
func SetupTracing(ctx context.Context, endpoint, serviceName string) (func(context.Context) error, error) {
	// the exporter option logs and ignores malformed endpoints; a config
	// mistake should instead fail startup
	if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("otel: invalid OTLP endpoint %q", endpoint)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: create OTLP trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otelapi.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
