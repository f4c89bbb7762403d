// Package telemetry defines the trust-event stream emitted by the device and
// session services. Events are best-effort; callers log and ignore errors.
package telemetry

import (
	"context"
	"log"
	"time"
)

// Event is one trust-lifecycle occurrence (bind, evict, revoke, sweep, ...).
type Event struct {
	UserID    string
	DeviceID  string
	SessionID string
	// EventType names the occurrence, e.g. "device_bound" or "session_revoked".
	EventType string
	// Source is the emitting component, e.g. "device_registry".
	Source    string
	Metadata  []byte // JSON
	CreatedAt time.Time
}

// EventEmitter emits trust events (e.g. to OTel Logs).
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// emitTimeout is the max time allowed for a single async emit. Used by
// EmitAsync and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the server stops before
// shutting down OTel providers, so in-flight async emits can complete.
// Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is
// not blocked. emitter and event may be nil; then EmitAsync returns without
// starting a goroutine. The goroutine uses context.Background() so request
// cancellation does not abort an in-flight emit.
func EmitAsync(emitter EventEmitter, event *Event) {
	if emitter == nil || event == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, event); err != nil {
			log.Printf("telemetry: async emit failed: %v", err)
		}
	}()
}
