package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics counts proximity events, exchange outcomes and session outcomes.
// It satisfies the metrics interfaces of both orchestrators.
type Metrics struct {
	detections otelmetric.Int64Counter
	exchanges  otelmetric.Int64Counter
	sessions   otelmetric.Int64Counter
}

// NewMetrics creates the counters on provider's meter.
func NewMetrics(provider otelmetric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(instrumentationName)
	detections, err := meter.Int64Counter("proximity.detections",
		otelmetric.WithDescription("Proximity events by type (detected, lost)"))
	if err != nil {
		return nil, fmt.Errorf("otel: proximity.detections: %w", err)
	}
	exchanges, err := meter.Int64Counter("proximity.exchanges",
		otelmetric.WithDescription("Identity exchange attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("otel: proximity.exchanges: %w", err)
	}
	sessions, err := meter.Int64Counter("encounter.sessions",
		otelmetric.WithDescription("Encounter gate outcomes"))
	if err != nil {
		return nil, fmt.Errorf("otel: encounter.sessions: %w", err)
	}
	return &Metrics{detections: detections, exchanges: exchanges, sessions: sessions}, nil
}

func (m *Metrics) ProximityEvent(ctx context.Context, eventType string) {
	m.detections.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) ExchangeOutcome(ctx context.Context, outcome string) {
	m.exchanges.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) SessionOutcome(ctx context.Context, outcome string) {
	m.sessions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}
