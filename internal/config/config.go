// Package config loads application configuration from environment variables
// and constructs the shared structured logger.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8090"
	defaultDBPath     = "chainsolve.db"
	defaultLauncher   = "process"
	defaultKernelBin  = "chainsolve-kernel"

	envListenAddr      = "CHAINSOLVE_LISTEN_ADDR"
	envDBPath          = "CHAINSOLVE_DB_PATH"
	envLogLevel        = "CHAINSOLVE_LOG_LEVEL"
	envLauncher        = "CHAINSOLVE_LAUNCHER"
	envKernelBin       = "CHAINSOLVE_KERNEL_BIN"
	envKernelWasm      = "CHAINSOLVE_KERNEL_WASM"
	envWatchdogTimeout = "CHAINSOLVE_WATCHDOG_TIMEOUT"
	envStartupTimeout  = "CHAINSOLVE_STARTUP_TIMEOUT"
	envReplayDatasets  = "CHAINSOLVE_REPLAY_DATASETS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Launcher selects how the kernel unit is hosted: "process" spawns
	// KernelBin as a child process, "wasm" instantiates KernelWasm in-process.
	Launcher   string
	KernelBin  string
	KernelWasm string

	// WatchdogTimeout and StartupTimeout are zero for engine defaults.
	WatchdogTimeout time.Duration
	StartupTimeout  time.Duration
	ReplayDatasets  bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Launcher:   defaultLauncher,
		KernelBin:  defaultKernelBin,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLauncher); v != "" {
		cfg.Launcher = v
	}
	if v := os.Getenv(envKernelBin); v != "" {
		cfg.KernelBin = v
	}
	if v := os.Getenv(envKernelWasm); v != "" {
		cfg.KernelWasm = v
	}
	if v := os.Getenv(envWatchdogTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.WatchdogTimeout = d
		}
	}
	if v := os.Getenv(envStartupTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StartupTimeout = d
		}
	}
	if v := os.Getenv(envReplayDatasets); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ReplayDatasets = b
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
