package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"linkless/agent/internal/diagnostics"
)

type recordCapture struct {
	recs []otellog.Record
}

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) {
	r.recs = append(r.recs, rec)
}

func TestNewEventEmitter_NilProvider(t *testing.T) {
	if err := NewEventEmitter(nil).Emit(context.Background(), diagnostics.Entry{Message: "x"}); err != nil {
		t.Errorf("noop Emit: %v", err)
	}
}

func TestNewEventEmitter_Provider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	if err := NewEventEmitter(provider).Emit(context.Background(), diagnostics.Entry{Message: "x"}); err != nil {
		t.Errorf("Emit: %v", err)
	}
}

func TestEmit_RecordMapping(t *testing.T) {
	capture := &recordCapture{}
	em := newEventEmitter(capture)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := em.Emit(context.Background(), diagnostics.Entry{
		Time:     at,
		Category: diagnostics.CategoryChain,
		Level:    diagnostics.LevelWarn,
		Peer:     "user-123",
		Phase:    "profile",
		Message:  "fetch failed",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(capture.recs) != 1 {
		t.Fatalf("records = %d, want 1", len(capture.recs))
	}
	rec := capture.recs[0]
	if !rec.Timestamp().Equal(at) {
		t.Errorf("timestamp = %v", rec.Timestamp())
	}
	if rec.Severity() != otellog.SeverityWarn || rec.SeverityText() != "WARN" {
		t.Errorf("severity = %v %q", rec.Severity(), rec.SeverityText())
	}
	if rec.Body().AsString() != "fetch failed" {
		t.Errorf("body = %q", rec.Body().AsString())
	}
	attrs := map[string]string{}
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	want := map[string]string{"category": "chain", "peer": "user-123", "phase": "profile"}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestSeverity(t *testing.T) {
	tests := map[diagnostics.Level]otellog.Severity{
		diagnostics.LevelInfo:  otellog.SeverityInfo,
		diagnostics.LevelWarn:  otellog.SeverityWarn,
		diagnostics.LevelError: otellog.SeverityError,
		"":                     otellog.SeverityInfo,
	}
	for in, want := range tests {
		if got := severity(in); got != want {
			t.Errorf("severity(%q) = %v, want %v", in, got, want)
		}
	}
}
