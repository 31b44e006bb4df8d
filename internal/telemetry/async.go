package telemetry

import (
	"context"
	"log"
	"time"

	"linkless/agent/internal/diagnostics"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait before shutting down exporters so
// in-flight async emits can complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine bounded by emitTimeout. Errors are logged.
// A nil emitter returns immediately.
func EmitAsync(emitter EventEmitter, entry diagnostics.Entry) {
	if emitter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, entry); err != nil {
			log.Printf("telemetry: async emit failed: %v", err)
		}
	}()
}
