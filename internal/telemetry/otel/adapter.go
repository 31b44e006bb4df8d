package otel

import (
	"context"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"linkless/agent/internal/diagnostics"
	"linkless/agent/internal/telemetry"
)

const instrumentationName = "linkless.agent"

// recordEmitter is the part of otellog.Logger the emitter uses.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends diagnostics entries as OTel log records.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return newEventEmitter(provider.Logger(instrumentationName))
}

func newEventEmitter(logger recordEmitter) *otelEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, diagnostics.Entry) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

func severity(l diagnostics.Level) otellog.Severity {
	switch l {
	case diagnostics.LevelWarn:
		return otellog.SeverityWarn
	case diagnostics.LevelError:
		return otellog.SeverityError
	default:
		return otellog.SeverityInfo
	}
}

func (e *otelEmitter) Emit(ctx context.Context, entry diagnostics.Entry) error {
	var rec otellog.Record
	rec.SetTimestamp(entry.Time)
	rec.SetObservedTimestamp(entry.Time)
	rec.SetSeverity(severity(entry.Level))
	rec.SetSeverityText(string(entry.Level))
	rec.SetBody(otellog.StringValue(entry.Message))
	rec.AddAttributes(otellog.String("category", string(entry.Category)))
	if entry.Peer != "" {
		rec.AddAttributes(otellog.String("peer", entry.Peer))
	}
	if entry.Phase != "" {
		rec.AddAttributes(otellog.String("phase", entry.Phase))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
