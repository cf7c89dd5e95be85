package engine_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/engine"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/kernel"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/model"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// fakeUnit is an in-memory kernel double. Send enqueues requests for the
// launcher's script; push feeds responses to the engine's reader.
type fakeUnit struct {
	id     string
	reqCh  chan *protocol.Request
	respCh chan *protocol.Response
	failCh chan struct{}
	done   chan struct{}

	termOnce sync.Once
	failOnce sync.Once

	mu       sync.Mutex
	requests []*protocol.Request
}

func newFakeUnit(id string) *fakeUnit {
	return &fakeUnit{
		id:     id,
		reqCh:  make(chan *protocol.Request, 64),
		respCh: make(chan *protocol.Response, 64),
		failCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (u *fakeUnit) ID() string { return u.id }

func (u *fakeUnit) Send(req *protocol.Request) error {
	select {
	case <-u.done:
		return kernel.ErrTerminated
	default:
	}
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()
	select {
	case u.reqCh <- req:
		return nil
	case <-u.done:
		return kernel.ErrTerminated
	}
}

func (u *fakeUnit) Read() (*protocol.Response, error) {
	select {
	case resp := <-u.respCh:
		return resp, nil
	case <-u.failCh:
		return nil, fmt.Errorf("kernel stream broke")
	case <-u.done:
		return nil, kernel.ErrTerminated
	}
}

func (u *fakeUnit) Terminate() {
	u.termOnce.Do(func() { close(u.done) })
}

// crash breaks the read stream without a Terminate, simulating a kernel
// that died on its own.
func (u *fakeUnit) crash() {
	u.failOnce.Do(func() { close(u.failCh) })
}

func (u *fakeUnit) push(resp *protocol.Response) {
	select {
	case u.respCh <- resp:
	case <-u.done:
	}
}

func (u *fakeUnit) terminated() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// requestsFor returns the recorded requests matching op. A nil receiver
// (unit not launched yet) has no requests; waitFor conditions poll before
// the replacement unit exists.
func (u *fakeUnit) requestsFor(op string) []*protocol.Request {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*protocol.Request
	for _, r := range u.requests {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

type handlerFunc func(u *fakeUnit, req *protocol.Request)

// scriptedKernel answers every correlated op with its expected kind.
func scriptedKernel(u *fakeUnit, req *protocol.Request) {
	switch req.Op {
	case protocol.OpLoadSnapshot, protocol.OpEvaluate:
		u.push(&protocol.Response{
			Kind:      protocol.KindResult,
			RequestID: req.RequestID,
			Result:    &model.EvalResult{Values: map[string]float64{"out": 42}},
		})
	case protocol.OpApplyPatch, protocol.OpSetInput:
		u.push(&protocol.Response{
			Kind:        protocol.KindIncremental,
			RequestID:   req.RequestID,
			Incremental: &model.PatchResult{Changed: map[string]float64{"out": 1}},
		})
	case protocol.OpGetStats:
		u.push(&protocol.Response{
			Kind:      protocol.KindStats,
			RequestID: req.RequestID,
			Stats:     &model.KernelStats{NodeCount: 1},
		})
	}
}

// fakeLauncher builds fakeUnits per launch, with per-launch ready messages,
// scripts, and launch failures.
type fakeLauncher struct {
	mu       sync.Mutex
	units    []*fakeUnit
	attempts int

	// All indexed by launch number, starting at 0; nil means defaults.
	script    func(n int) handlerFunc
	readyFn   func(n int) *protocol.Response
	launchErr func(n int) error
}

func defaultReady() *protocol.Response {
	return &protocol.Response{
		Kind: protocol.KindReady,
		Ready: &protocol.Ready{
			Catalog:         []model.Capability{{Name: "evaluate", Version: 1}},
			ConstantValues:  map[string]float64{"pi": 3.14159},
			EngineVersion:   "fake/1.0.0",
			ContractVersion: protocol.ContractVersion,
		},
	}
}

func (l *fakeLauncher) Name() string { return "fake" }

func (l *fakeLauncher) Launch(_ context.Context) (kernel.Unit, error) {
	l.mu.Lock()
	n := len(l.units)
	l.attempts++
	l.mu.Unlock()

	if l.launchErr != nil {
		if err := l.launchErr(n); err != nil {
			return nil, err
		}
	}

	u := newFakeUnit(fmt.Sprintf("fake-%d", n))
	l.mu.Lock()
	l.units = append(l.units, u)
	l.mu.Unlock()

	ready := defaultReady()
	if l.readyFn != nil {
		ready = l.readyFn(n)
	}
	if ready != nil {
		u.push(ready)
	}

	handler := handlerFunc(scriptedKernel)
	if l.script != nil {
		handler = l.script(n)
	}
	if handler != nil {
		go func() {
			for {
				select {
				case <-u.done:
					return
				case req := <-u.reqCh:
					handler(u, req)
				}
			}
		}()
	}
	return u, nil
}

func (l *fakeLauncher) unit(n int) *fakeUnit {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n >= len(l.units) {
		return nil
	}
	return l.units[n]
}

// launches counts Launch attempts, including refused ones, so tests can
// assert the engine does not retry in a loop.
func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func newTestEngine(t *testing.T, l *fakeLauncher, cfg engine.Config) *engine.Engine {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng, err := engine.New(context.Background(), l, cfg, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Dispose)
	return eng
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func testSnapshot() *model.Snapshot {
	return &model.Snapshot{
		Revision: 1,
		Nodes: []model.Node{
			{ID: "a", Kind: model.NodeConstant, Params: map[string]float64{"value": 2}},
			{ID: "b", Kind: model.NodeConstant, Params: map[string]float64{"value": 3}},
			{ID: "s", Kind: model.NodeSum, Inputs: map[string]string{"x": "a:out", "y": "b:out"}},
		},
	}
}

func TestLoadSnapshotHappyPath(t *testing.T) {
	l := &fakeLauncher{}
	eng := newTestEngine(t, l, engine.Config{})

	result, err := eng.LoadSnapshot(context.Background(), testSnapshot(), nil)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if result.Values["out"] != 42 {
		t.Errorf("Values[out] = %v, want 42", result.Values["out"])
	}
	if got := eng.State(); got != engine.StateStable {
		t.Errorf("State = %q, want stable", got)
	}
	if got := eng.Generation(); got != 1 {
		t.Errorf("Generation = %d, want 1", got)
	}
	if v := eng.ConstantValues()["pi"]; v != 3.14159 {
		t.Errorf("ConstantValues[pi] = %v", v)
	}
}

func TestConcurrentCallsResolveExactlyOnce(t *testing.T) {
	l := &fakeLauncher{}
	eng := newTestEngine(t, l, engine.Config{})

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Stats(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
	if got := eng.InFlight(); got != 0 {
		t.Errorf("InFlight = %d after all calls resolved, want 0", got)
	}

	// Every request carried a distinct correlation id.
	seen := make(map[uint64]bool)
	for _, req := range l.unit(0).requestsFor(protocol.OpGetStats) {
		if req.RequestID == 0 {
			t.Error("correlated request carried zero id")
		}
		if seen[req.RequestID] {
			t.Errorf("correlation id %d reused", req.RequestID)
		}
		seen[req.RequestID] = true
	}
	if len(seen) != n {
		t.Errorf("saw %d distinct ids, want %d", len(seen), n)
	}
}

func TestKernelErrorRejectsCall(t *testing.T) {
	l := &fakeLauncher{script: func(int) handlerFunc {
		return func(u *fakeUnit, req *protocol.Request) {
			u.push(&protocol.Response{
				Kind:      protocol.KindError,
				RequestID: req.RequestID,
				Code:      "NO_SUCH_NODE",
				Message:   "node missing",
			})
		}
	}}
	eng := newTestEngine(t, l, engine.Config{})

	_, err := eng.SetInput(context.Background(), "ghost", "value", 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if code := engine.ErrorCode(err); code != "NO_SUCH_NODE" {
		t.Errorf("code = %q, want NO_SUCH_NODE", code)
	}
	// The engine must stay usable after a kernel-reported operation error.
	if got := eng.State(); got != engine.StateStable {
		t.Errorf("State = %q after kernel error, want stable", got)
	}
}

func TestKindMismatchIsProtocolViolation(t *testing.T) {
	l := &fakeLauncher{script: func(int) handlerFunc {
		return func(u *fakeUnit, req *protocol.Request) {
			u.push(&protocol.Response{
				Kind:      protocol.KindStats,
				RequestID: req.RequestID,
				Stats:     &model.KernelStats{},
			})
		}
	}}
	eng := newTestEngine(t, l, engine.Config{})

	_, err := eng.EvaluateGraph(context.Background(), testSnapshot(), nil)
	if code := engine.ErrorCode(err); code != engine.CodeProtocolViolation {
		t.Errorf("code = %q, want %q (err: %v)", code, engine.CodeProtocolViolation, err)
	}
}

func TestContextCancelUnblocksCall(t *testing.T) {
	l := &fakeLauncher{script: func(int) handlerFunc {
		return func(*fakeUnit, *protocol.Request) {} // never answers
	}}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := eng.Stats(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if got := eng.InFlight(); got != 0 {
		t.Errorf("InFlight = %d after cancellation, want 0", got)
	}
}

func TestContractMismatchAtStartup(t *testing.T) {
	l := &fakeLauncher{readyFn: func(int) *protocol.Response {
		r := defaultReady()
		r.Ready.ContractVersion = protocol.ContractVersion + 1
		return r
	}}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	_, err := engine.New(context.Background(), l, engine.Config{}, logger)
	if code := engine.ErrorCode(err); code != engine.CodeContractMismatch {
		t.Fatalf("code = %q, want %q (err: %v)", code, engine.CodeContractMismatch, err)
	}
	waitFor(t, time.Second, func() bool { return l.unit(0).terminated() },
		"mismatched unit not terminated")
}

func TestInitErrorAtStartup(t *testing.T) {
	l := &fakeLauncher{readyFn: func(int) *protocol.Response {
		return &protocol.Response{
			Kind:    protocol.KindInitError,
			Code:    "KERNEL_INIT",
			Message: "solver tables corrupt",
		}
	}}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	_, err := engine.New(context.Background(), l, engine.Config{}, logger)
	if code := engine.ErrorCode(err); code != engine.CodeInitFailed {
		t.Fatalf("code = %q, want %q (err: %v)", code, engine.CodeInitFailed, err)
	}
}

func TestStartupTimeout(t *testing.T) {
	l := &fakeLauncher{readyFn: func(int) *protocol.Response { return nil }} // never ready

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	start := time.Now()
	_, err := engine.New(context.Background(), l, engine.Config{StartupTimeout: 50 * time.Millisecond}, logger)
	if code := engine.ErrorCode(err); code != engine.CodeInitFailed {
		t.Fatalf("code = %q, want %q (err: %v)", code, engine.CodeInitFailed, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("startup failure took %v, expected prompt timeout", elapsed)
	}
	waitFor(t, time.Second, func() bool { return l.unit(0).terminated() },
		"silent unit not terminated")
}

func TestSpawnBlocked(t *testing.T) {
	l := &fakeLauncher{launchErr: func(int) error { return kernel.ErrSpawnBlocked }}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	_, err := engine.New(context.Background(), l, engine.Config{}, logger)
	if code := engine.ErrorCode(err); code != engine.CodeSpawnBlocked {
		t.Fatalf("code = %q, want %q (err: %v)", code, engine.CodeSpawnBlocked, err)
	}
}

func TestWatchdogRecreatesHungKernel(t *testing.T) {
	l := &fakeLauncher{script: func(n int) handlerFunc {
		if n == 0 {
			return func(u *fakeUnit, req *protocol.Request) {
				if req.Op == protocol.OpEvaluate {
					return // hang
				}
				scriptedKernel(u, req)
			}
		}
		return scriptedKernel
	}}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: 50 * time.Millisecond})

	_, err := eng.EvaluateGraph(context.Background(), testSnapshot(), nil)
	if code := engine.ErrorCode(err); code != engine.CodeKernelRestarting {
		t.Fatalf("code = %q, want %q (err: %v)", code, engine.CodeKernelRestarting, err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return eng.State() == engine.StateStable && eng.Generation() == 2
	}, "replacement unit did not come up")

	if !l.unit(0).terminated() {
		t.Error("hung unit was not terminated")
	}

	// The replacement serves requests.
	if _, err := eng.Stats(context.Background()); err != nil {
		t.Errorf("Stats on replacement: %v", err)
	}
}

func TestFastResponsesDoNotMaskStuckRequest(t *testing.T) {
	l := &fakeLauncher{script: func(n int) handlerFunc {
		if n == 0 {
			return func(u *fakeUnit, req *protocol.Request) {
				if req.Op == protocol.OpEvaluate {
					return // stuck forever
				}
				scriptedKernel(u, req)
			}
		}
		return scriptedKernel
	}}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: 100 * time.Millisecond})

	evalErr := make(chan error, 1)
	go func() {
		_, err := eng.EvaluateGraph(context.Background(), testSnapshot(), nil)
		evalErr <- err
	}()

	// A steady stream of fast stats responses must not push out the stuck
	// request's deadline.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-evalErr:
			if code := engine.ErrorCode(err); code != engine.CodeKernelRestarting {
				t.Fatalf("code = %q, want %q (err: %v)", code, engine.CodeKernelRestarting, err)
			}
			return
		default:
		}
		_, _ = eng.Stats(context.Background()) // rejected during recreation is fine
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("stuck request was never rejected; fast responses masked it")
}

func TestSnapshotRestoredAfterCrash(t *testing.T) {
	l := &fakeLauncher{}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: time.Minute})

	snap := testSnapshot()
	if _, err := eng.LoadSnapshot(context.Background(), snap, nil); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	l.unit(0).crash()

	waitFor(t, 2*time.Second, func() bool {
		return eng.Generation() == 2 && eng.State() == engine.StateStable
	}, "crashed unit not replaced")

	waitFor(t, 2*time.Second, func() bool {
		return len(l.unit(1).requestsFor(protocol.OpLoadSnapshot)) == 1
	}, "snapshot restore never issued to replacement")

	restore := l.unit(1).requestsFor(protocol.OpLoadSnapshot)[0]
	if restore.RequestID == 0 {
		t.Error("restore request carried zero id; it must hold a watchdog deadline")
	}
	if restore.Snapshot == nil || restore.Snapshot.Revision != snap.Revision {
		t.Errorf("restore snapshot = %+v, want revision %d", restore.Snapshot, snap.Revision)
	}
	// The restore result resolves no caller promise.
	if got := eng.InFlight(); got != 0 {
		t.Errorf("InFlight = %d after restore, want 0", got)
	}
}

func TestEvaluateDoesNotUpdateRestoreCache(t *testing.T) {
	l := &fakeLauncher{}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: time.Minute})

	loaded := testSnapshot()
	if _, err := eng.LoadSnapshot(context.Background(), loaded, nil); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	scratch := &model.Snapshot{Revision: 99, Nodes: []model.Node{{ID: "z", Kind: model.NodeConstant}}}
	if _, err := eng.EvaluateGraph(context.Background(), scratch, nil); err != nil {
		t.Fatalf("EvaluateGraph: %v", err)
	}

	l.unit(0).crash()
	waitFor(t, 2*time.Second, func() bool {
		return len(l.unit(1).requestsFor(protocol.OpLoadSnapshot)) == 1
	}, "restore never issued")

	restore := l.unit(1).requestsFor(protocol.OpLoadSnapshot)[0]
	if restore.Snapshot.Revision != loaded.Revision {
		t.Errorf("restored revision %d, want last loaded %d, not last evaluated %d",
			restore.Snapshot.Revision, loaded.Revision, scratch.Revision)
	}
}

func TestDatasetReplayAfterRecreation(t *testing.T) {
	l := &fakeLauncher{}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: time.Minute, ReplayDatasets: true})

	if err := eng.RegisterDataset("d1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("RegisterDataset: %v", err)
	}

	l.unit(0).crash()
	waitFor(t, 2*time.Second, func() bool {
		return len(l.unit(1).requestsFor(protocol.OpRegisterDataset)) == 1
	}, "dataset never replayed")

	replay := l.unit(1).requestsFor(protocol.OpRegisterDataset)[0]
	if replay.DatasetID != "d1" || replay.RequestID != 0 {
		t.Errorf("replay = id %q reqID %d, want d1 / 0", replay.DatasetID, replay.RequestID)
	}
}

func TestDatasetNotReplayedByDefault(t *testing.T) {
	l := &fakeLauncher{}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: time.Minute})

	if err := eng.RegisterDataset("d1", []byte{1}); err != nil {
		t.Fatalf("RegisterDataset: %v", err)
	}
	reg := l.unit(0).requestsFor(protocol.OpRegisterDataset)
	if len(reg) != 1 || reg[0].RequestID != 0 {
		t.Fatalf("registerDataset not forwarded fire-and-forget: %+v", reg)
	}

	l.unit(0).crash()
	waitFor(t, 2*time.Second, func() bool { return eng.Generation() == 2 }, "not recreated")

	time.Sleep(50 * time.Millisecond)
	if n := len(l.unit(1).requestsFor(protocol.OpRegisterDataset)); n != 0 {
		t.Errorf("dataset replayed %d times with replay disabled", n)
	}
}

func TestPartialPatchResolves(t *testing.T) {
	l := &fakeLauncher{script: func(int) handlerFunc {
		return func(u *fakeUnit, req *protocol.Request) {
			u.push(&protocol.Response{
				Kind:      protocol.KindIncremental,
				RequestID: req.RequestID,
				Incremental: &model.PatchResult{
					Changed: map[string]float64{"s": 5},
					Partial: true,
				},
			})
		}
	}}
	eng := newTestEngine(t, l, engine.Config{})

	result, err := eng.ApplyPatch(context.Background(), []model.PatchOp{
		{Kind: model.PatchSetParam, NodeID: "a", Param: "value", Value: 7},
	}, &model.EvalOptions{TimeBudgetMS: 10})
	if err != nil {
		t.Fatalf("a partial result is a resolution, not an error: %v", err)
	}
	if !result.Partial {
		t.Error("Partial = false, want true")
	}
	if result.Changed["s"] != 5 {
		t.Errorf("Changed[s] = %v, want 5", result.Changed["s"])
	}
}

func TestRecreationFailureParksEngine(t *testing.T) {
	l := &fakeLauncher{launchErr: func(n int) error {
		if n > 0 {
			return fmt.Errorf("launch refused")
		}
		return nil
	}}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: time.Minute})

	l.unit(0).crash()
	waitFor(t, 2*time.Second, func() bool { return eng.State() == engine.StateFailed },
		"engine did not park in failed state")

	_, err := eng.Stats(context.Background())
	if code := engine.ErrorCode(err); code != engine.CodeInitFailed {
		t.Errorf("code = %q, want %q (err: %v)", code, engine.CodeInitFailed, err)
	}
	if got := l.launches(); got != 2 {
		t.Errorf("launches = %d, want 2 (no retry loop)", got)
	}
}

func TestDisposeRejectsInFlightAndSilencesWatchdog(t *testing.T) {
	l := &fakeLauncher{script: func(int) handlerFunc {
		return func(*fakeUnit, *protocol.Request) {} // never answers
	}}
	eng := newTestEngine(t, l, engine.Config{WatchdogTimeout: 100 * time.Millisecond})

	callErr := make(chan error, 1)
	go func() {
		_, err := eng.Stats(context.Background())
		callErr <- err
	}()
	waitFor(t, time.Second, func() bool { return eng.InFlight() == 1 }, "call never issued")

	eng.Dispose()

	select {
	case err := <-callErr:
		if code := engine.ErrorCode(err); code != engine.CodeDisposed {
			t.Errorf("in-flight code = %q, want %q (err: %v)", code, engine.CodeDisposed, err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call not rejected by dispose")
	}

	if _, err := eng.Stats(context.Background()); engine.ErrorCode(err) != engine.CodeDisposed {
		t.Errorf("post-dispose call not rejected with %q", engine.CodeDisposed)
	}
	if !l.unit(0).terminated() {
		t.Error("unit not terminated on dispose")
	}

	// Past the watchdog budget: no recreation may run after disposal.
	time.Sleep(250 * time.Millisecond)
	if got := eng.State(); got != engine.StateDisposed {
		t.Errorf("State = %q after dispose, want disposed", got)
	}
	if got := l.launches(); got != 1 {
		t.Errorf("launches = %d after dispose, want 1", got)
	}

	eng.Dispose() // idempotent
}

func TestProgressFanOut(t *testing.T) {
	l := &fakeLauncher{}
	eng := newTestEngine(t, l, engine.Config{})

	var mu sync.Mutex
	var first, second []int
	unsubFirst := eng.OnProgress(func(p protocol.Progress) {
		mu.Lock()
		first = append(first, p.Done)
		mu.Unlock()
	})
	unsubSecond := eng.OnProgress(func(p protocol.Progress) {
		mu.Lock()
		second = append(second, p.Done)
		mu.Unlock()
	})
	defer unsubSecond()

	push := func(done int) {
		l.unit(0).push(&protocol.Response{
			Kind:     protocol.KindProgress,
			Progress: &protocol.Progress{RequestID: 1, Done: done, Total: 3},
		})
	}
	push(1)
	push(2)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2 && len(second) == 2
	}, "progress not delivered to both subscribers")

	mu.Lock()
	if first[0] != 1 || first[1] != 2 || second[0] != 1 || second[1] != 2 {
		t.Errorf("delivery out of order: first=%v second=%v", first, second)
	}
	mu.Unlock()

	unsubFirst()
	push(3)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 3
	}, "progress not delivered after unsubscribe of another handler")

	mu.Lock()
	if len(first) != 2 {
		t.Errorf("unsubscribed handler still received progress: %v", first)
	}
	mu.Unlock()
}

func TestTraceRecordsExchanges(t *testing.T) {
	l := &fakeLauncher{}
	eng := newTestEngine(t, l, engine.Config{})

	eng.SetTraceMode(true)
	if !eng.TraceMode() {
		t.Fatal("TraceMode not enabled")
	}
	if _, err := eng.Stats(context.Background()); err != nil {
		t.Fatalf("Stats: %v", err)
	}

	trace := eng.LastTrace()
	if len(trace) < 2 {
		t.Fatalf("trace has %d entries, want send+recv", len(trace))
	}
	var sawSend, sawRecv bool
	for _, e := range trace {
		switch e.Dir {
		case engine.TraceSend:
			sawSend = sawSend || e.Op == protocol.OpGetStats
		case engine.TraceRecv:
			sawRecv = sawRecv || e.Kind == protocol.KindStats
		}
	}
	if !sawSend || !sawRecv {
		t.Errorf("trace missing directions: send=%v recv=%v (%+v)", sawSend, sawRecv, trace)
	}

	eng.SetTraceMode(false)
	before := len(eng.LastTrace())
	if _, err := eng.Stats(context.Background()); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if after := len(eng.LastTrace()); after != before {
		t.Errorf("trace grew while disabled: %d -> %d", before, after)
	}
}
