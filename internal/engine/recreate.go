package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/kernel"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// onWatchdogExpire handles a fired deadline: the kernel is presumed hung.
// Recovery is always replacement, never an in-place retry.
func (e *Engine) onWatchdogExpire(oldest uint64) {
	watchdogTimeoutsTotal.Inc()
	e.logger.Warn("watchdog expired, kernel presumed hung", "oldest_request_id", oldest)
	e.emitEvent(EventWatchdogTimeout, e.Generation(), fmt.Sprintf("oldest_request_id=%d", oldest))
	e.recreate("watchdog timeout")
}

// onUnitFailure handles a broken kernel stream (crash, pipe closed). It may
// fire with zero requests in flight and follows the same path as a watchdog
// timeout. Failures of a stale generation are ignored: its replacement is
// already running or being built.
func (e *Engine) onUnitFailure(gen uint64, err error) {
	e.mu.Lock()
	stale := gen != e.generation || e.state != StateStable
	e.mu.Unlock()
	if stale {
		return
	}

	unitCrashesTotal.Inc()
	e.logger.Error("kernel unit failed", "generation", gen, "error", err)
	e.emitEvent(EventUnitCrashed, gen, err.Error())
	e.recreate("kernel crashed")
}

// recreate tears down the active unit and brings up a validated replacement:
// reject all pending, terminate, launch, handshake, contract re-check,
// cache-driven state restoration. The stable→recreating transition is the
// re-entrancy guard; a second failure while recreating cannot start a second
// recreation. A replacement that fails startup or the contract check parks
// the engine in the failed state rather than looping.
func (e *Engine) recreate(reason string) {
	e.mu.Lock()
	if e.state != StateStable {
		e.mu.Unlock()
		return
	}
	e.state = StateRecreating
	oldGen := e.generation
	old := e.unit
	e.unit = nil
	calls := e.pending.drain()
	cache := e.cache
	var datasets map[string][]byte
	if e.cfg.ReplayDatasets && len(e.datasets) > 0 {
		datasets = make(map[string][]byte, len(e.datasets))
		for id, data := range e.datasets {
			datasets[id] = data
		}
	}
	e.mu.Unlock()

	e.watchdog.disarmAll()

	rejection := newError(CodeKernelRestarting, "kernel unresponsive, recreating (%s)", reason)
	for _, pc := range calls {
		pc.deliver(outcome{err: rejection})
		requestsTotal.WithLabelValues(pc.op, outcomeRejected).Inc()
	}

	if old != nil {
		old.Terminate()
	}

	e.logger.Info("recreating kernel unit",
		"reason", reason,
		"old_generation", oldGen,
		"rejected_in_flight", len(calls),
	)

	unit, ready, err := e.startUnit(context.Background())

	e.mu.Lock()
	if e.state == StateDisposed {
		// Disposed while the replacement was starting; hand it straight back.
		e.mu.Unlock()
		if unit != nil {
			unit.Terminate()
		}
		return
	}
	if err != nil {
		e.state = StateFailed
		e.fatalErr = err
		e.mu.Unlock()
		recreationsTotal.WithLabelValues(outcomeFailed).Inc()
		e.logger.Error("kernel recreation failed", "error", err)
		e.emitEvent(EventRecreationFailed, oldGen, err.Error())
		return
	}
	e.generation++
	gen := e.generation
	e.unit = unit
	e.ready = *ready
	e.state = StateStable
	e.mu.Unlock()

	go e.readLoop(unit, gen)

	recreationsTotal.WithLabelValues(outcomeOK).Inc()
	e.logger.Info("kernel unit recreated", "generation", gen, "unit_id", unit.ID())
	e.emitEvent(EventRecreated, gen, "reason="+reason)

	if datasets != nil {
		e.replayDatasets(unit, datasets)
	}
	if cache != nil {
		e.restoreSnapshot(unit, cache)
	}
}

// replayDatasets re-registers retained dataset buffers on a fresh unit.
// Fire-and-forget, same as the caller-facing operation.
func (e *Engine) replayDatasets(unit kernel.Unit, datasets map[string][]byte) {
	for id, data := range datasets {
		if err := unit.Send(&protocol.Request{
			Op:        protocol.OpRegisterDataset,
			DatasetID: id,
			Data:      data,
		}); err != nil {
			e.logger.Warn("dataset replay failed", "dataset_id", id, "error", err)
			return
		}
	}
	e.logger.Info("datasets replayed", "count", len(datasets))
}

// restoreSnapshot re-issues the cached loadSnapshot against a fresh unit as
// a best-effort side-effecting call: no pending entry is created and the
// eventual result is discarded, so it never appears in any caller's promise
// graph. Its correlation id still gets a watchdog deadline, so a restore
// that hangs the new unit is detected like any other request.
func (e *Engine) restoreSnapshot(unit kernel.Unit, cache *snapshotCache) {
	e.mu.Lock()
	id := e.pending.nextID()
	e.mu.Unlock()

	e.watchdog.arm(id)
	e.trace.record(TraceEntry{At: time.Now(), Dir: TraceSend, Op: protocol.OpLoadSnapshot, RequestID: id, Note: "restore"})

	err := unit.Send(&protocol.Request{
		Op:        protocol.OpLoadSnapshot,
		RequestID: id,
		Snapshot:  cache.snapshot,
		Options:   cache.options,
	})
	if err != nil {
		e.watchdog.disarm(id)
		e.logger.Warn("snapshot restore failed", "error", err)
		return
	}
	e.logger.Info("snapshot restore issued", "request_id", id, "nodes", len(cache.snapshot.Nodes))
}
