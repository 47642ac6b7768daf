// Package telemetry wires OpenTelemetry tracing for build runs.
//
// Tracing is optional: without a Jaeger endpoint the global no-op provider
// stays in place and every span is free.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
)

const instrumentationName = "github.com/hnhdigital-os/ubuntu-iso-builder"

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// GetTracer returns the tracer used for command and stage spans.
func GetTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Init installs a Jaeger-backed tracer provider when the config names an
// endpoint. The returned ShutdownFunc is always safe to call.
func Init(cfg *config.Config) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	if cfg == nil || cfg.Telemetry.JaegerEndpoint == "" {
		return noop, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Telemetry.JaegerEndpoint)))
	if err != nil {
		return noop, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.Telemetry.ServiceName),
			attribute.String("isobuilder.profile", cfg.Profile),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
