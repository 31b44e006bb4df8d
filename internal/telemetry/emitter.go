// Package telemetry exports diagnostics entries beyond the process: OTel log
// records, a Kafka topic drained into Loki by cmd/worker.
package telemetry

import (
	"context"
	"errors"

	"linkless/agent/internal/diagnostics"
)

// EventEmitter emits diagnostics entries (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, entry diagnostics.Entry) error
}

// Multi emits to every emitter and joins their errors. Nil emitters are skipped.
type Multi []EventEmitter

func (m Multi) Emit(ctx context.Context, entry diagnostics.Entry) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sink adapts emitter to a diagnostics sink that emits each entry asynchronously.
func Sink(emitter EventEmitter) diagnostics.Sink {
	return diagnostics.SinkFunc(func(e diagnostics.Entry) {
		EmitAsync(emitter, e)
	})
}
