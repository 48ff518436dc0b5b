package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "taskqd"
	serviceVersion = "1.0.0"
)

// TracerConfig holds configuration for the OpenTelemetry tracer.
type TracerConfig struct {
	Endpoint    string
	ServiceName string
	Environment string
	Enabled     bool
}

// DefaultTracerConfig returns sensible defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Endpoint:    "localhost:4318",
		ServiceName: serviceName,
		Environment: "development",
		Enabled:     false,
	}
}

// InitTracer initializes the OpenTelemetry tracer provider.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the default tracer for taskqd.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// JobSpan creates a span for one job attempt.
func JobSpan(ctx context.Context, queueName, jobID string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "job.process",
		attribute.String("job.queue", queueName),
		attribute.String("job.id", jobID),
		attribute.Int("job.attempt", attempt),
	)
}

// WebhookSpan creates a span for a webhook delivery.
func WebhookSpan(ctx context.Context, event, jobID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "webhook.dispatch",
		attribute.String("webhook.event", event),
		attribute.String("job.id", jobID),
	)
}
