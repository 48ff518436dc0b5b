package tracing

import (
	"context"
	"testing"
)

func TestDefaultTracerConfig(t *testing.T) {
	cfg := DefaultTracerConfig()

	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("expected default endpoint 'localhost:4318', got '%s'", cfg.Endpoint)
	}
	if cfg.ServiceName != serviceName {
		t.Errorf("expected service name '%s', got '%s'", serviceName, cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("expected tracing to be disabled by default")
	}
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("expected no error for disabled tracer, got %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown function, got nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("expected noop shutdown to succeed, got %v", err)
	}
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.operation")
	if ctx == nil {
		t.Fatal("expected context, got nil")
	}
	if span == nil {
		t.Fatal("expected span, got nil")
	}
	span.End()
}

func TestJobSpan(t *testing.T) {
	_, span := JobSpan(context.Background(), "emails", "job-123", 1)
	if span == nil {
		t.Fatal("expected span, got nil")
	}
	span.End()
}

func TestWebhookSpan(t *testing.T) {
	_, span := WebhookSpan(context.Background(), "job.completed", "job-123")
	if span == nil {
		t.Fatal("expected span, got nil")
	}
	span.End()
}
