package engine

import "context"

// Lifecycle event kinds recorded to the event sink.
const (
	EventStarted          = "started"
	EventWatchdogTimeout  = "watchdog_timeout"
	EventUnitCrashed      = "unit_crashed"
	EventRecreated        = "recreated"
	EventRecreationFailed = "recreation_failed"
	EventContractMismatch = "contract_mismatch"
	EventDisposed         = "disposed"
)

// EventSink receives supervisor lifecycle events for operational history.
// Implementations must tolerate concurrent calls.
type EventSink interface {
	RecordEvent(ctx context.Context, kind string, generation uint64, detail string) error
}

// emitEvent records a lifecycle event, logging (never propagating) sink
// failures: losing an audit row must not affect supervision.
func (e *Engine) emitEvent(kind string, generation uint64, detail string) {
	if e.events == nil {
		return
	}
	if err := e.events.RecordEvent(context.Background(), kind, generation, detail); err != nil {
		e.logger.Warn("record engine event", "kind", kind, "error", err)
	}
}
