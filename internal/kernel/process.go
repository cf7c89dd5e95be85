package kernel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"time"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/model"
)

// reapTimeout bounds how long Terminate waits for the killed process to exit.
const reapTimeout = 3 * time.Second

// ProcessLauncher starts the kernel as a child process. The wire protocol
// runs over the child's stdin and stdout; stderr is forwarded line by line
// to the logger.
type ProcessLauncher struct {
	bin    string
	args   []string
	env    []string
	logger *slog.Logger
}

// NewProcessLauncher creates a launcher for the kernel binary at bin.
// Extra env entries ("KEY=value") are appended to the child's environment.
func NewProcessLauncher(bin string, args, env []string, logger *slog.Logger) *ProcessLauncher {
	return &ProcessLauncher{bin: bin, args: args, env: env, logger: logger}
}

// Name implements Launcher.
func (l *ProcessLauncher) Name() string { return "process" }

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context) (Unit, error) {
	cmd := exec.Command(l.bin, l.args...)
	if len(l.env) > 0 {
		cmd.Env = append(cmd.Environ(), l.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		unitLaunchesTotal.WithLabelValues(l.Name(), outcomeFailed).Inc()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: start %s: %v", ErrSpawnBlocked, l.bin, err)
		}
		return nil, fmt.Errorf("start kernel process: %w", err)
	}

	u := &ProcessUnit{
		streamUnit: streamUnit{
			id:     model.NewID(),
			w:      stdin,
			r:      stdout,
			closed: make(chan struct{}),
		},
		cmd:    cmd,
		logger: l.logger,
	}

	// Forward kernel stderr so crashes leave a trail in the host log.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			l.logger.Debug("kernel stderr", "unit_id", u.id, "line", sc.Text())
		}
	}()

	unitLaunchesTotal.WithLabelValues(l.Name(), outcomeStarted).Inc()
	activeUnits.Inc()
	l.logger.Info("kernel process started", "unit_id", u.id, "pid", cmd.Process.Pid, "bin", l.bin)

	return u, nil
}

// ProcessUnit is a background unit backed by a child process.
type ProcessUnit struct {
	streamUnit
	cmd    *exec.Cmd
	logger *slog.Logger
}

// Terminate kills the kernel process and reaps it. Safe to call repeatedly.
func (u *ProcessUnit) Terminate() {
	if !u.markClosed() {
		return
	}

	if u.cmd.Process != nil {
		_ = u.cmd.Process.Kill()
	}

	done := make(chan struct{})
	go func() {
		_ = u.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(reapTimeout):
		u.logger.Warn("kernel process did not exit after kill", "unit_id", u.id)
	}

	activeUnits.Dec()
	u.logger.Info("kernel process terminated", "unit_id", u.id)
}
