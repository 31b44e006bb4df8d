// Package producer publishes diagnostics entries to a message broker.
package producer

import (
	"context"

	"linkless/agent/internal/diagnostics"
)

// Producer emits diagnostics entries. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single entry. Implementations may block briefly; wrap with telemetry.EmitAsync when needed.
	Emit(ctx context.Context, entry diagnostics.Entry) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}
