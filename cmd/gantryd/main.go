package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/driftworks/gantry/internal/api"
	"github.com/driftworks/gantry/internal/backend"
	"github.com/driftworks/gantry/internal/backend/diskstore"
	"github.com/driftworks/gantry/internal/backend/localexec"
	"github.com/driftworks/gantry/internal/config"
	"github.com/driftworks/gantry/internal/engine"
	"github.com/driftworks/gantry/internal/ledger"
	"github.com/driftworks/gantry/internal/registry"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("gantryd: starting",
		"listen_addr", cfg.ListenAddr,
		"ledger_path", cfg.LedgerPath,
		"blob_dir", cfg.BlobDir,
	)

	led, err := ledger.NewSQLiteLedger(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer led.Close()

	store, err := diskstore.New(cfg.BlobDir)
	if err != nil {
		log.Fatalf("failed to open blob store: %v", err)
	}

	arts := registry.New(store, led, logger)

	execCfg := localexec.LoadConfig()
	execCfg.WorkRoot = cfg.WorkDir
	rt, err := localexec.New(execCfg, store, arts, logger)
	if err != nil {
		log.Fatalf("failed to start local backend: %v", err)
	}

	backends := backend.NewRegistry()
	backends.Register(backend.PlatformLocal, rt)

	eng := engine.New(arts, backends, led, logger)
	srv := api.NewServer(cfg.ListenAddr, arts, backends, eng, led, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// HTTP is down; cancel in-flight runs and wait for their records and
	// reservations to settle before letting the ledger close.
	eng.CancelAll()
	eng.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	rt.Shutdown(ctx)
}
