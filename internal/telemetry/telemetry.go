// Package telemetry wires OpenTelemetry tracing the way the teacher's
// common/mopentelemetry package does (a thin Telemetry struct owning the
// provider and a shutdown func), scaled down to tracing only and defaulting
// to a no-op provider when no collector endpoint is configured, since an
// on-device client has nowhere local to ship metrics/logs via OTLP.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the process-wide tracer provider and its shutdown hook.
type Telemetry struct {
	ServiceName    string
	ServiceVersion string
	TracerProvider *sdktrace.TracerProvider
	shutdown       func(context.Context) error
}

// Tracer returns a tracer scoped to name, e.g. an instrumentation library
// or package name, mirroring how the teacher's repositories obtain a tracer
// via otel.Tracer(reflect.TypeOf(r).Name()).
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Start begins configuring a Telemetry for serviceName/serviceVersion. When
// collectorEndpoint is blank, the global tracer provider is left at the
// no-op default the otel SDK ships with, so spans are free to create but are
// never exported; this is the expected mode for most local runs.
func Start(ctx context.Context, serviceName, serviceVersion, collectorEndpoint string) (*Telemetry, error) {
	t := &Telemetry{ServiceName: serviceName, ServiceVersion: serviceVersion, shutdown: func(context.Context) error { return nil }}

	if collectorEndpoint == "" {
		return t, nil
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(collectorEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	t.TracerProvider = tp
	t.shutdown = tp.Shutdown

	return t, nil
}

// Shutdown flushes and closes the tracer provider, a no-op when Start ran in
// no-op mode.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

// HandleSpanError records err on span and marks it failed, matching the
// teacher's mopentelemetry.HandleSpanError call shape used throughout its
// repository layer.
func HandleSpanError(span *trace.Span, message string, err error) {
	(*span).RecordError(err)
	(*span).SetStatus(codes.Error, message+": "+err.Error())
}
