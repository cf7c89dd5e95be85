// Command chainsolved runs the ChainSolve engine supervisor: it launches the
// computation kernel, keeps it alive, and exposes it over HTTP.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/api"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/config"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/engine"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/kernel"
	"github.com/GodfreyEngineering/chainsolve-engine/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("chainsolved: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"launcher", cfg.Launcher,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := kernel.NewRegistry()
	registry.Register(kernel.NewProcessLauncher(cfg.KernelBin, nil, os.Environ(), logger))
	if cfg.KernelWasm != "" {
		wl, err := kernel.NewWasmLauncherFromFile(ctx, cfg.KernelWasm, logger)
		if err != nil {
			log.Fatalf("failed to compile kernel wasm: %v", err)
		}
		defer wl.Close(context.Background())
		registry.Register(wl)
	}

	launcher, err := registry.Resolve(cfg.Launcher)
	if err != nil {
		log.Fatalf("failed to resolve launcher: %v (have %v)", err, registry.Names())
	}

	eng, err := engine.New(ctx, launcher, engine.Config{
		WatchdogTimeout: cfg.WatchdogTimeout,
		StartupTimeout:  cfg.StartupTimeout,
		ReplayDatasets:  cfg.ReplayDatasets,
	}, logger, engine.WithEventSink(db))
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer eng.Dispose()

	logger.Info("engine ready",
		"kernel_version", eng.EngineVersion(),
		"contract_version", eng.ContractVersion(),
		"launcher", launcher.Name(),
	)

	srv := api.NewServer(cfg.ListenAddr, eng, db, logger)

	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	root := suture.New("chainsolved", suture.Spec{
		EventHook: hook,
		Timeout:   shutdownTimeout,
	})
	root.Add(api.NewService(srv.HTTPServer(), shutdownTimeout))

	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("supervisor: %v", err)
	}

	logger.Info("chainsolved: shutdown complete")
}
