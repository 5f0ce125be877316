// Package tracing wires OTLP span export for the service. Spans wrap
// task lifecycle boundaries (submit, claim, finish) and HTTP requests.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const serviceName = "flowrunner"

var tracer oteltrace.Tracer

// Shutdown flushes and stops the exporter.
type Shutdown func(context.Context) error

// Initialize sets up OTLP tracing. An empty endpoint leaves the no-op
// tracer in place so span helpers stay safe to call.
func Initialize(otlpEndpoint string, logger *zap.Logger) (Shutdown, error) {
	tracer = otel.Tracer(serviceName)
	if otlpEndpoint == "" {
		logger.Info("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(serviceName)

	logger.Info("Tracing initialized", zap.String("endpoint", otlpEndpoint))
	return tp.Shutdown, nil
}

// StartSpan creates a span with the given name.
func StartSpan(ctx context.Context, spanName string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(serviceName)
	}
	return tracer.Start(ctx, spanName)
}

// StartTaskSpan creates a span annotated with the task id.
func StartTaskSpan(ctx context.Context, spanName, taskID string) (context.Context, oteltrace.Span) {
	ctx, span := StartSpan(ctx, spanName)
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}
