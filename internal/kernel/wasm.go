package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/model"
)

// WasmLauncher instantiates a precompiled WASI kernel module in-process with
// wazero. The module's stdio is bridged over in-memory pipes carrying the
// same framed protocol as a kernel child process.
type WasmLauncher struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	logger   *slog.Logger
}

// NewWasmLauncher compiles the kernel module once; Launch instantiates it
// per unit. CloseOnContextDone is enabled so Terminate can interrupt a
// kernel stuck in an unbounded computation.
func NewWasmLauncher(ctx context.Context, wasmBytes []byte, logger *slog.Logger) (*WasmLauncher, error) {
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile kernel module: %w", err)
	}

	return &WasmLauncher{runtime: rt, compiled: compiled, logger: logger}, nil
}

// NewWasmLauncherFromFile reads the kernel module at path and compiles it.
func NewWasmLauncherFromFile(ctx context.Context, path string, logger *slog.Logger) (*WasmLauncher, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read kernel module: %v", ErrSpawnBlocked, err)
	}
	return NewWasmLauncher(ctx, wasmBytes, logger)
}

// Name implements Launcher.
func (l *WasmLauncher) Name() string { return "wasm" }

// Launch implements Launcher.
func (l *WasmLauncher) Launch(ctx context.Context) (Unit, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	id := model.NewID()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	u := &WasmUnit{
		streamUnit: streamUnit{
			id:     id,
			w:      stdinW,
			r:      stdoutR,
			closed: make(chan struct{}),
		},
		cancel: cancel,
		stdin:  stdinR,
		stdout: stdoutW,
		exited: make(chan struct{}),
		logger: l.logger,
	}

	cfg := wazero.NewModuleConfig().
		WithName("chainsolve-kernel-" + id).
		WithStdin(stdinR).
		WithStdout(stdoutW).
		WithStderr(os.Stderr)

	go func() {
		defer close(u.exited)
		mod, err := l.runtime.InstantiateModule(runCtx, l.compiled, cfg)
		if mod != nil {
			_ = mod.Close(context.WithoutCancel(runCtx))
		}
		if err != nil {
			if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
				l.logger.Info("kernel module exited", "unit_id", id)
			} else {
				l.logger.Warn("kernel module stopped", "unit_id", id, "error", err)
			}
		}
		// Unblock any pending Read/Send on the pipes.
		_ = stdoutW.Close()
		_ = stdinR.Close()
	}()

	unitLaunchesTotal.WithLabelValues(l.Name(), outcomeStarted).Inc()
	activeUnits.Inc()
	l.logger.Info("kernel module instantiated", "unit_id", id)

	return u, nil
}

// Close releases the compiled module and the wazero runtime.
func (l *WasmLauncher) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// WasmUnit is a background unit backed by an in-process wasm instance.
type WasmUnit struct {
	streamUnit
	cancel context.CancelFunc
	stdin  *io.PipeReader
	stdout *io.PipeWriter
	exited chan struct{}
	logger *slog.Logger
}

// Terminate cancels the module's run context, which closes the instance even
// mid-computation, and tears down the stdio pipes. Safe to call repeatedly.
func (u *WasmUnit) Terminate() {
	if !u.markClosed() {
		return
	}

	u.cancel()
	_ = u.stdin.Close()
	_ = u.stdout.Close()
	<-u.exited

	activeUnits.Dec()
	u.logger.Info("kernel module terminated", "unit_id", u.id)
}
