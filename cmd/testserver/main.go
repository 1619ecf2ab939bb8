// testserver starts a gantry API server with stub backends for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/driftworks/gantry/internal/api"
	"github.com/driftworks/gantry/internal/backend"
	"github.com/driftworks/gantry/internal/backend/memstore"
	"github.com/driftworks/gantry/internal/engine"
	"github.com/driftworks/gantry/internal/ledger"
	"github.com/driftworks/gantry/internal/registry"
)

// stubRuntime is a configurable mock execution backend for E2E tests. It
// sleeps, emits canned log lines, and populates every declared output with
// stub content.
type stubRuntime struct {
	name     string
	delay    time.Duration
	output   []byte
	logLines []string
	storage  backend.Storage
}

func (s *stubRuntime) Run(ctx context.Context, spec backend.RunnableSpec) (backend.RunResult, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return backend.RunResult{Status: backend.StatusCancelled, ExitCode: -1, Error: "cancelled"}, nil
	}

	if spec.LogWriter != nil {
		for _, line := range s.logLines {
			spec.LogWriter(line)
		}
	}

	outputs := make(map[string]backend.OutputReport, len(spec.Outputs))
	for name, id := range spec.Outputs {
		handle, size, err := s.storage.Store(ctx, id, s.output)
		if err != nil {
			return backend.RunResult{Status: backend.StatusBackendError, Error: err.Error()}, err
		}
		outputs[name] = backend.OutputReport{Populated: true, Handle: handle, Size: size}
	}

	return backend.RunResult{
		Status:  backend.StatusSucceeded,
		Outputs: outputs,
	}, nil
}

func (s *stubRuntime) Capabilities() backend.RuntimeCapabilities {
	return backend.RuntimeCapabilities{
		Name:           s.name,
		Platform:       backend.PlatformLocal,
		MaxConcurrency: 10,
	}
}

func (s *stubRuntime) Cleanup(_ context.Context, _ string) error { return nil }

func main() {
	addr := ":8080"
	if v := os.Getenv("GANTRY_LISTEN_ADDR"); v != "" {
		addr = v
	}

	led, err := ledger.NewSQLiteLedger(":memory:")
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer led.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store := memstore.New()
	arts := registry.New(store, led, logger)

	backends := backend.NewRegistry()
	backends.Register(backend.PlatformLocal, &stubRuntime{
		name:     "stub-local",
		delay:    500 * time.Millisecond,
		output:   []byte("hello from stub"),
		logLines: []string{"[stub] starting execution", "[stub] running command", "[stub] done"},
		storage:  store,
	})

	eng := engine.New(arts, backends, led, logger)
	srv := api.NewServer(addr, arts, backends, eng, led, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	eng.CancelAll()
	eng.Wait()
}
