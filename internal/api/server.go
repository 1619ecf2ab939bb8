// Package api exposes the artifact registry, the run engine, and the run
// ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/driftworks/gantry/internal/backend"
	"github.com/driftworks/gantry/internal/engine"
	"github.com/driftworks/gantry/internal/ledger"
	"github.com/driftworks/gantry/internal/registry"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	artifacts *registry.Registry
	backends  *backend.Registry
	engine    *engine.Engine
	ledger    ledger.Ledger
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, arts *registry.Registry, backends *backend.Registry, eng *engine.Engine, led ledger.Ledger, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		artifacts: arts,
		backends:  backends,
		engine:    eng,
		ledger:    led,
		logger:    logger,
		addr:      addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/backends", s.handleListBackends)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/artifacts", func(r chi.Router) {
		r.Post("/", s.handleCreateArtifact)
		r.Get("/", s.handleListArtifacts)
		r.Get("/{id}", s.handleGetArtifact)
		r.Delete("/{id}", s.handleDestroyArtifact)
		r.Get("/{id}/events", s.handleGetArtifactEvents)
		r.Put("/{id}/content", s.handleUploadContent)
		r.Get("/{id}/content", s.handleDownloadContent)
	})

	s.router.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.handleSubmitRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Delete("/{id}", s.handleCancelRun)
		r.Get("/{id}/logs", s.handleStreamRunLogs)
		r.Get("/{id}/logs/history", s.handleRunLogHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// handleDomainError maps a registry/ledger/engine error onto an HTTP status.
// Client-attributable statuses carry the error text; internal failures get a
// generic message and a log line.
func (s *Server) handleDomainError(w http.ResponseWriter, err error, op string) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, "internal error")
		return
	}
	if status == http.StatusBadGateway {
		s.logger.Error(op, "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotAvailable),
		errors.Is(err, registry.ErrAlreadyPending),
		errors.Is(err, registry.ErrAlreadyMaterialized),
		errors.Is(err, registry.ErrNotOwner),
		errors.Is(err, registry.ErrNotHeld),
		errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidKind), errors.Is(err, engine.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
