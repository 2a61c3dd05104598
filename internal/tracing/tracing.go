// Package tracing wires up OpenTelemetry span creation for every cmd/*
// binary. No exporter is configured: InitTracer installs a
// TracerProvider that creates real spans (so otelhttp middleware and any
// manual Start/End calls work unconditionally) but does not ship them
// anywhere, leaving the collector pipeline itself as a later addition
// that won't require touching any call site.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InitTracer installs a process-global TracerProvider tagged with
// serviceName, then returns a Tracer scoped to it. Safe to call more than
// once; the last call wins, matching otel.SetTracerProvider's own
// semantics.
func InitTracer(serviceName string) oteltrace.Tracer {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return otel.Tracer(serviceName)
}

// StartReconcile starts a span around a single reconcile(deviceId) call,
// the one operation DESIGN.md's tracing notes single out as worth tracing
// end to end.
func StartReconcile(ctx context.Context, tracer oteltrace.Tracer, deviceId string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, "reconcile", oteltrace.WithAttributes(
		attribute.String("calcifer.device_id", deviceId),
	))
}

// Shutdown flushes and releases the TracerProvider installed by
// InitTracer. With no exporter configured this only releases resources;
// it is still correct to call on every graceful shutdown so enabling an
// exporter later does not require a second code path.
func Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
