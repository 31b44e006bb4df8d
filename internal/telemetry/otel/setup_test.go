package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		p, err := NewProviders(ctx, endpoint, "linkless-agent", false)
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil {
			t.Errorf("providers = %+v, want all set", p)
		}
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		force    bool
		host     string
		insecure bool
	}{
		{"localhost:4317", false, "localhost:4317", true},
		{"http://collector:4317/v1/traces", false, "collector:4317", true},
		{"https://collector:4317", false, "collector:4317", false},
		{"https://collector:4317", true, "collector:4317", true},
	}
	for _, tt := range tests {
		got, err := parseEndpoint(tt.endpoint, tt.force)
		if err != nil {
			t.Errorf("parseEndpoint(%q): %v", tt.endpoint, err)
			continue
		}
		if got.host != tt.host || got.insecure != tt.insecure {
			t.Errorf("parseEndpoint(%q, %v) = %+v, want host=%s insecure=%v", tt.endpoint, tt.force, got, tt.host, tt.insecure)
		}
	}
}

func TestNewProviders_InvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"http://[invalid", "http://"} {
		if _, err := NewProviders(context.Background(), endpoint, "linkless-agent", false); err == nil {
			t.Errorf("NewProviders(%q) should return error", endpoint)
		}
	}
}

func TestNewProviders_WithEndpoint(t *testing.T) {
	// Exporters dial lazily, so construction succeeds without a collector.
	ctx := context.Background()
	p, err := NewProviders(ctx, "localhost:4317", "linkless-agent", true)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	p.SetGlobal()
	if otel.GetTracerProvider() != p.TracerProvider {
		t.Error("global tracer provider not set")
	}
	shutdownCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = p.Shutdown(shutdownCtx)
}
