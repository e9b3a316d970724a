package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "peerlink" {
		t.Errorf("expected service name 'peerlink', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of disabled provider returned %v", err)
	}
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.TODO(), "test.operation")
	if ctx == nil || span == nil {
		t.Fatal("expected non-nil context and span")
	}
	span.End()
}

func TestSpanHelpers(t *testing.T) {
	ctx, span := TracePeerSession(context.Background(), "ab12cd34", true)
	defer span.End()

	AddSpanAttributes(ctx, attribute.String("test.key", "test.value"))
	AddEvent(ctx, "connect", AddressKey.String("10.0.0.1:5000"))
	RecordError(ctx, errors.New("ice failed"))
	MeasureDuration(ctx, time.Now().Add(-10*time.Millisecond), "connect")
}

func TestTraceSignalMessage(t *testing.T) {
	_, span := TraceSignalMessage(context.Background(), "signal", "lobby")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}
