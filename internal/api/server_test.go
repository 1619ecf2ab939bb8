package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/driftworks/gantry/internal/backend"
	"github.com/driftworks/gantry/internal/backend/memstore"
	"github.com/driftworks/gantry/internal/engine"
	"github.com/driftworks/gantry/internal/ledger"
	"github.com/driftworks/gantry/internal/registry"
)

// stubRuntime is a controllable in-process execution backend. Tests set the
// fields before submitting work; on success it stores stub content for every
// declared output.
type stubRuntime struct {
	mu       sync.Mutex
	delay    time.Duration
	status   string
	exitCode int
	logLines []string

	storage backend.Storage
}

func (r *stubRuntime) Run(ctx context.Context, spec backend.RunnableSpec) (backend.RunResult, error) {
	r.mu.Lock()
	delay, status, exitCode := r.delay, r.status, r.exitCode
	logLines := r.logLines
	r.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return backend.RunResult{Status: backend.StatusCancelled, ExitCode: -1, Error: "cancelled"}, nil
	}

	for _, line := range logLines {
		if spec.LogWriter != nil {
			spec.LogWriter(line)
		}
	}

	if status == "" {
		status = backend.StatusSucceeded
	}

	outputs := make(map[string]backend.OutputReport, len(spec.Outputs))
	if status == backend.StatusSucceeded {
		for name, id := range spec.Outputs {
			handle, size, err := r.storage.Store(ctx, id, []byte("output:"+name))
			if err != nil {
				return backend.RunResult{Status: backend.StatusBackendError, Error: err.Error()}, err
			}
			outputs[name] = backend.OutputReport{Populated: true, Handle: handle, Size: size}
		}
	}

	return backend.RunResult{
		Status:     status,
		ExitCode:   exitCode,
		Outputs:    outputs,
		DurationMS: 1,
	}, nil
}

func (r *stubRuntime) Capabilities() backend.RuntimeCapabilities {
	return backend.RuntimeCapabilities{
		Name:           "stub",
		Platform:       backend.PlatformLocal,
		MaxConcurrency: 4,
	}
}

func (r *stubRuntime) Cleanup(ctx context.Context, runID string) error { return nil }

// newTestServer builds a server on a full in-memory stack: memory artifact
// storage, an in-memory ledger, and a stub execution backend registered
// under the local platform.
func newTestServer(t *testing.T) (*Server, *stubRuntime) {
	t.Helper()

	led, err := ledger.NewSQLiteLedger(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteLedger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := memstore.New()
	arts := registry.New(store, led, logger)

	rt := &stubRuntime{storage: store}
	backends := backend.NewRegistry()
	backends.Register(backend.PlatformLocal, rt)

	eng := engine.New(arts, backends, led, logger)
	t.Cleanup(func() {
		eng.CancelAll()
		eng.Wait()
	})

	return NewServer(":0", arts, backends, eng, led, logger), rt
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

