// Package telemetry configures OpenTelemetry tracing for the preflight
// service. Custom span attributes use the `preflight.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "preflightd.io/service"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. If endpoint is empty, tracing is disabled (noop
// provider is used). Returns a shutdown function that must be called on
// application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("preflightd"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartEvaluationSpan creates the parent span for one alert evaluation
// pass.
func StartEvaluationSpan(ctx context.Context, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "alerts.evaluate",
		trace.WithAttributes(
			attribute.String("preflight.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndEvaluationSpan enriches the evaluation span with pass results.
func EndEvaluationSpan(span trace.Span, activeAlerts int, err error) {
	span.SetAttributes(attribute.Int("preflight.active_alerts", activeAlerts))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartDispatchSpan creates the parent span for one outbox drain pass.
func StartDispatchSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "notifications.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndDispatchSpan enriches the dispatch span with the processed count.
func EndDispatchSpan(span trace.Span, processed int, err error) {
	span.SetAttributes(attribute.Int("preflight.items_processed", processed))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartIngestSpan creates a span for one registry ingest.
func StartIngestSpan(ctx context.Context, runID, sourceName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "registry.ingest",
		trace.WithAttributes(
			attribute.String("preflight.run_id", runID),
			attribute.String("preflight.source_name", sourceName),
		),
	)
}
