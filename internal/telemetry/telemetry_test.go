package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/oriys/courier/internal/config"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewDisabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tel.IsEnabled() {
		t.Fatal("expected telemetry disabled")
	}
	if tel.Tracer() == nil {
		t.Fatal("expected noop tracer")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1.0: "AlwaysOnSampler",
		2.0: "AlwaysOnSampler",
		0:   "AlwaysOffSampler",
	}
	for rate, want := range cases {
		if got := Sampler(rate).Description(); got != want {
			t.Errorf("Sampler(%v) = %q, want %q", rate, got, want)
		}
	}
	if got := Sampler(0.5).Description(); got != "TraceIDRatioBased{0.5}" {
		t.Errorf("Sampler(0.5) = %q", got)
	}
}

func TestLoggerInjectsTraceContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")

	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.WithContext(ctx).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["trace_id"] != span.SpanContext().TraceID().String() {
		t.Fatalf("trace_id = %v", line["trace_id"])
	}
	if TraceIDFromContext(ctx) != span.SpanContext().TraceID().String() {
		t.Fatal("TraceIDFromContext mismatch")
	}

	entry := EntryWithTraceContext(ctx, logger.WithField("k", "v"))
	if entry.Data["span_id"] != span.SpanContext().SpanID().String() {
		t.Fatalf("span_id = %v", entry.Data["span_id"])
	}
	if plain := EntryWithTraceContext(context.Background(), logger.WithField("k", "v")); len(plain.Data) != 1 {
		t.Fatalf("unexpected fields: %v", plain.Data)
	}

	EndSpan(span, errors.New("boom"))
	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].Status().Description != "boom" {
		t.Fatalf("unexpected spans: %+v", ended)
	}
}

func TestTraceIDFromContextEmpty(t *testing.T) {
	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Fatalf("expected empty trace id, got %q", id)
	}
}
