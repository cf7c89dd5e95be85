package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/kernel"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/model"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// Default supervision budgets. The watchdog budget bounds how stale a caller
// can observe the system before a hung kernel is replaced; the startup
// budget bounds how long a fresh unit may take to declare ready.
const (
	DefaultWatchdogTimeout = 5 * time.Second
	DefaultStartupTimeout  = 10 * time.Second
)

// Lifecycle states of the engine handle.
const (
	StateStable     = "stable"
	StateRecreating = "recreating"
	StateFailed     = "failed"
	StateDisposed   = "disposed"
)

// Config tunes the supervisor.
type Config struct {
	// WatchdogTimeout is the per-request response budget. Zero selects
	// DefaultWatchdogTimeout.
	WatchdogTimeout time.Duration

	// StartupTimeout bounds the launch-to-ready handshake, at creation and
	// after each recreation. Zero selects DefaultStartupTimeout.
	StartupTimeout time.Duration

	// ReplayDatasets re-registers retained datasets on a recreated unit
	// before the snapshot is restored. Off by default: the reference
	// behavior hands dataset buffers to the kernel without retaining them.
	ReplayDatasets bool
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithEventSink attaches a sink receiving lifecycle events.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// snapshotCache retains the arguments of the most recent full graph load so
// a replacement unit can be brought back to an equivalent state. Written
// only by LoadSnapshot, read only by the recreation path.
type snapshotCache struct {
	snapshot *model.Snapshot
	options  *model.EvalOptions
}

// Engine is the asynchronous handle to the background computation kernel.
// It owns request/response correlation, the per-request watchdog, progress
// fan-out, and transparent recreation of a hung or crashed unit. All methods
// are safe for concurrent use.
type Engine struct {
	cfg      Config
	launcher kernel.Launcher
	logger   *slog.Logger
	broker   *ProgressBroker
	trace    traceRecorder
	watchdog *watchdog
	events   EventSink

	mu         sync.Mutex
	state      string
	fatalErr   error
	unit       kernel.Unit
	generation uint64
	pending    pendingTable
	cache      *snapshotCache
	datasets   map[string][]byte
	ready      protocol.Ready
}

// New launches a background unit, waits for its ready message bounded by the
// startup timeout, and verifies the contract version before returning a
// usable handle. On any failure the unit is terminated and no handle is
// returned; the error carries one of the startup codes (WASM_CSP_BLOCKED,
// WASM_INIT_FAILED, CONTRACT_MISMATCH).
func New(ctx context.Context, launcher kernel.Launcher, cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}

	e := &Engine{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		broker:   NewProgressBroker(logger),
		state:    StateStable,
		pending:  newPendingTable(),
		datasets: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.watchdog = newWatchdog(cfg.WatchdogTimeout, e.onWatchdogExpire)

	unit, ready, err := e.startUnit(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.unit = unit
	e.generation = 1
	e.ready = *ready
	e.mu.Unlock()

	go e.readLoop(unit, 1)

	e.logger.Info("engine ready",
		"unit_id", unit.ID(),
		"engine_version", ready.EngineVersion,
		"contract_version", ready.ContractVersion,
		"init_ms", ready.InitMS,
	)
	e.emitEvent(EventStarted, 1, "engine_version="+ready.EngineVersion)

	return e, nil
}

// startUnit launches one unit and runs the ready handshake. On failure the
// unit is terminated and a coded error is returned.
func (e *Engine) startUnit(ctx context.Context) (kernel.Unit, *protocol.Ready, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StartupTimeout)
	defer cancel()

	bootStart := time.Now()
	unit, err := e.launcher.Launch(ctx)
	if err != nil {
		if errors.Is(err, kernel.ErrSpawnBlocked) {
			return nil, nil, newError(CodeSpawnBlocked, "%v", err)
		}
		return nil, nil, newError(CodeInitFailed, "launch kernel unit: %v", err)
	}

	ready, err := e.awaitReady(ctx, unit)
	if err != nil {
		unit.Terminate()
		return nil, nil, err
	}

	if ready.ContractVersion != protocol.ContractVersion {
		unit.Terminate()
		e.emitEvent(EventContractMismatch, 0,
			fmt.Sprintf("kernel=%d host=%d", ready.ContractVersion, protocol.ContractVersion))
		return nil, nil, newError(CodeContractMismatch,
			"kernel declares contract version %d, host requires %d",
			ready.ContractVersion, protocol.ContractVersion)
	}

	unitBootDuration.Observe(time.Since(bootStart).Seconds())
	return unit, ready, nil
}

// awaitReady reads kernel messages until ready or init-error, bounded by
// ctx. Pre-ready progress messages are tolerated and skipped. On timeout the
// caller terminates the unit, which unblocks the read so the goroutine does
// not leak.
func (e *Engine) awaitReady(ctx context.Context, unit kernel.Unit) (*protocol.Ready, error) {
	type readResult struct {
		resp *protocol.Response
		err  error
	}

	ch := make(chan readResult, 1)
	readOne := func() {
		go func() {
			resp, err := unit.Read()
			ch <- readResult{resp, err}
		}()
	}
	readOne()

	for {
		select {
		case <-ctx.Done():
			return nil, newError(CodeInitFailed, "kernel startup timed out after %s", e.cfg.StartupTimeout)
		case rr := <-ch:
			if rr.err != nil {
				return nil, newError(CodeInitFailed, "kernel stopped before ready: %v", rr.err)
			}
			switch rr.resp.Kind {
			case protocol.KindReady:
				if rr.resp.Ready == nil {
					return nil, newError(CodeInitFailed, "ready message carried no payload")
				}
				return rr.resp.Ready, nil
			case protocol.KindInitError:
				return nil, newError(CodeInitFailed, "kernel init failed: %s", rr.resp.Message)
			case protocol.KindProgress:
				readOne()
			default:
				return nil, newError(CodeInitFailed, "unexpected %q message before ready", rr.resp.Kind)
			}
		}
	}
}

// readLoop pumps messages from one unit generation until the unit fails or
// is replaced. Messages from a stale generation are discarded in dispatch.
func (e *Engine) readLoop(unit kernel.Unit, gen uint64) {
	for {
		resp, err := unit.Read()
		if err != nil {
			e.onUnitFailure(gen, err)
			return
		}
		e.dispatch(gen, resp)
	}
}

// dispatch routes one kernel message: progress fans out to subscribers,
// correlated responses resolve or reject their pending entry, and anything
// from a stale generation or with an unknown correlation id is ignored.
func (e *Engine) dispatch(gen uint64, resp *protocol.Response) {
	e.mu.Lock()
	if gen != e.generation || e.state == StateDisposed {
		e.mu.Unlock()
		return
	}

	switch resp.Kind {
	case protocol.KindProgress:
		e.mu.Unlock()
		if resp.Progress == nil {
			return
		}
		e.trace.record(TraceEntry{At: time.Now(), Dir: TraceRecv, Kind: resp.Kind, RequestID: resp.Progress.RequestID})
		progressEventsTotal.Inc()
		e.broker.Publish(*resp.Progress)
		return

	case protocol.KindReady, protocol.KindInitError:
		// Startup messages outside the handshake: stale, drop.
		e.mu.Unlock()
		return
	}

	pc := e.pending.remove(resp.RequestID)
	e.mu.Unlock()

	// Any correlated response clears its deadline, including responses to
	// discarded best-effort restores that have no pending entry.
	e.watchdog.disarm(resp.RequestID)
	e.trace.record(TraceEntry{At: time.Now(), Dir: TraceRecv, Kind: resp.Kind, RequestID: resp.RequestID})

	if pc == nil {
		return
	}

	switch {
	case resp.Kind == protocol.KindError:
		code := resp.Code
		if code == "" {
			code = CodeKernelError
		}
		pc.deliver(outcome{err: &Error{Code: code, Message: resp.Message}})
	case resp.Kind != pc.expect:
		pc.deliver(outcome{err: newError(CodeProtocolViolation,
			"kernel answered %s with %q, expected %q", pc.op, resp.Kind, pc.expect)})
	default:
		pc.deliver(outcome{resp: resp})
	}
}

// call issues one correlated request and blocks until it resolves, the
// watchdog or a crash rejects it, or ctx is canceled.
func (e *Engine) call(ctx context.Context, req *protocol.Request, expect string) (*protocol.Response, error) {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	pc := e.pending.add(req.Op, expect)
	req.RequestID = pc.id
	unit := e.unit
	e.mu.Unlock()

	e.watchdog.arm(pc.id)
	e.trace.record(TraceEntry{At: time.Now(), Dir: TraceSend, Op: req.Op, RequestID: pc.id})
	requestsInFlight.Inc()
	defer requestsInFlight.Dec()
	start := time.Now()

	if err := unit.Send(req); err != nil {
		e.mu.Lock()
		removed := e.pending.remove(pc.id)
		e.mu.Unlock()
		e.watchdog.disarm(pc.id)
		if removed != nil {
			// The reader loop observes the same broken stream and triggers
			// recreation; only this call's rejection is produced here.
			requestsTotal.WithLabelValues(req.Op, outcomeRejected).Inc()
			return nil, newError(CodeKernelRestarting, "send %s: %v", req.Op, err)
		}
		// Already drained by recreation or dispose; the rejection is in ch.
	}

	select {
	case out := <-pc.ch:
		requestDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
		if out.err != nil {
			requestsTotal.WithLabelValues(req.Op, outcomeRejected).Inc()
			return nil, out.err
		}
		requestsTotal.WithLabelValues(req.Op, outcomeResolved).Inc()
		return out.resp, nil
	case <-ctx.Done():
		e.mu.Lock()
		e.pending.remove(pc.id)
		e.mu.Unlock()
		e.watchdog.disarm(pc.id)
		requestsTotal.WithLabelValues(req.Op, outcomeRejected).Inc()
		return nil, ctx.Err()
	}
}

// usableLocked reports whether correlated requests may be issued in the
// current lifecycle state. Caller holds e.mu.
func (e *Engine) usableLocked() error {
	switch e.state {
	case StateDisposed:
		return newError(CodeDisposed, "engine has been disposed")
	case StateFailed:
		return e.fatalErr
	case StateRecreating:
		return newError(CodeKernelRestarting, "kernel is being recreated")
	}
	return nil
}

// LoadSnapshot replaces the kernel-held graph with a full snapshot and
// returns every node's value. The snapshot and options are cached so a
// recreated unit can be restored to an equivalent state.
func (e *Engine) LoadSnapshot(ctx context.Context, snapshot *model.Snapshot, options *model.EvalOptions) (*model.EvalResult, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot is required")
	}

	e.mu.Lock()
	e.cache = &snapshotCache{snapshot: snapshot, options: options}
	e.mu.Unlock()

	resp, err := e.call(ctx, &protocol.Request{
		Op:       protocol.OpLoadSnapshot,
		Snapshot: snapshot,
		Options:  options,
	}, protocol.KindResult)
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, newError(CodeProtocolViolation, "result message carried no payload")
	}
	return resp.Result, nil
}

// EvaluateGraph evaluates a full snapshot without updating the restore
// cache: a recreated unit returns to the last loaded graph, not the last
// evaluated one.
func (e *Engine) EvaluateGraph(ctx context.Context, snapshot *model.Snapshot, options *model.EvalOptions) (*model.EvalResult, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	resp, err := e.call(ctx, &protocol.Request{
		Op:       protocol.OpEvaluate,
		Snapshot: snapshot,
		Options:  options,
	}, protocol.KindResult)
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, newError(CodeProtocolViolation, "result message carried no payload")
	}
	return resp.Result, nil
}

// ApplyPatch applies incremental edits to the kernel-held graph and returns
// only the changed values. A result with Partial set means the kernel ran
// out of its time budget; that is a successful resolution, not an error.
func (e *Engine) ApplyPatch(ctx context.Context, ops []model.PatchOp, options *model.EvalOptions) (*model.PatchResult, error) {
	resp, err := e.call(ctx, &protocol.Request{
		Op:      protocol.OpApplyPatch,
		Ops:     ops,
		Options: options,
	}, protocol.KindIncremental)
	if err != nil {
		return nil, err
	}
	if resp.Incremental == nil {
		return nil, newError(CodeProtocolViolation, "incremental message carried no payload")
	}
	return resp.Incremental, nil
}

// SetInput writes a single manual input value and returns the changed values.
func (e *Engine) SetInput(ctx context.Context, nodeID, portID string, value float64) (*model.PatchResult, error) {
	resp, err := e.call(ctx, &protocol.Request{
		Op:     protocol.OpSetInput,
		NodeID: nodeID,
		PortID: portID,
		Value:  value,
	}, protocol.KindIncremental)
	if err != nil {
		return nil, err
	}
	if resp.Incremental == nil {
		return nil, newError(CodeProtocolViolation, "incremental message carried no payload")
	}
	return resp.Incremental, nil
}

// Stats returns the kernel's self-reported counters.
func (e *Engine) Stats(ctx context.Context) (*model.KernelStats, error) {
	resp, err := e.call(ctx, &protocol.Request{Op: protocol.OpGetStats}, protocol.KindStats)
	if err != nil {
		return nil, err
	}
	if resp.Stats == nil {
		return nil, newError(CodeProtocolViolation, "stats message carried no payload")
	}
	return resp.Stats, nil
}

// RegisterDataset hands a numeric buffer to the kernel. Fire-and-forget: no
// correlation id, no response, no watchdog deadline. When dataset replay is
// enabled the buffer is retained for restoration after recreation.
func (e *Engine) RegisterDataset(id string, data []byte) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.cfg.ReplayDatasets {
		e.datasets[id] = data
	}
	unit := e.unit
	e.mu.Unlock()

	e.trace.record(TraceEntry{At: time.Now(), Dir: TraceSend, Op: protocol.OpRegisterDataset, Note: id})
	return unit.Send(&protocol.Request{Op: protocol.OpRegisterDataset, DatasetID: id, Data: data})
}

// ReleaseDataset tells the kernel to drop a registered buffer. Fire-and-forget.
func (e *Engine) ReleaseDataset(id string) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	delete(e.datasets, id)
	unit := e.unit
	e.mu.Unlock()

	e.trace.record(TraceEntry{At: time.Now(), Dir: TraceSend, Op: protocol.OpReleaseDataset, Note: id})
	return unit.Send(&protocol.Request{Op: protocol.OpReleaseDataset, DatasetID: id})
}

// OnProgress registers a handler for unsolicited progress messages and
// returns its unsubscribe function.
func (e *Engine) OnProgress(fn ProgressFunc) func() {
	return e.broker.Subscribe(fn)
}

// SetTraceMode toggles recording of wire exchanges into the trace ring.
func (e *Engine) SetTraceMode(on bool) {
	e.trace.setEnabled(on)
}

// TraceMode reports whether trace recording is on.
func (e *Engine) TraceMode() bool {
	return e.trace.isEnabled()
}

// LastTrace returns the recorded wire exchanges, oldest first.
func (e *Engine) LastTrace() []TraceEntry {
	return e.trace.last()
}

// Dispose terminates the engine permanently: the unit is torn down, every
// in-flight request rejects, the watchdog is silenced, and all further calls
// return an ENGINE_DISPOSED error. Safe to call more than once.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.state == StateDisposed {
		e.mu.Unlock()
		return
	}
	gen := e.generation
	e.state = StateDisposed
	old := e.unit
	e.unit = nil
	calls := e.pending.drain()
	e.mu.Unlock()

	e.watchdog.stop()
	rejection := newError(CodeDisposed, "engine disposed with request in flight")
	for _, pc := range calls {
		pc.deliver(outcome{err: rejection})
	}
	if old != nil {
		old.Terminate()
	}

	e.logger.Info("engine disposed", "generation", gen, "rejected_in_flight", len(calls))
	e.emitEvent(EventDisposed, gen, fmt.Sprintf("rejected_in_flight=%d", len(calls)))
}

// State returns the lifecycle state (stable, recreating, failed, disposed).
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Generation returns the current unit generation, starting at 1 and
// incremented on every successful recreation.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// Catalog returns the kernel's declared capability catalog.
func (e *Engine) Catalog() []model.Capability {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Capability, len(e.ready.Catalog))
	copy(out, e.ready.Catalog)
	return out
}

// ConstantValues returns the kernel's precomputed constant table.
func (e *Engine) ConstantValues() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.ready.ConstantValues))
	for k, v := range e.ready.ConstantValues {
		out[k] = v
	}
	return out
}

// EngineVersion returns the kernel's version string.
func (e *Engine) EngineVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready.EngineVersion
}

// ContractVersion returns the protocol contract version in effect.
func (e *Engine) ContractVersion() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready.ContractVersion
}

// InFlight returns the number of requests currently awaiting resolution.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.size()
}
