package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/driftworks/gantry/internal/backend"
	"github.com/driftworks/gantry/internal/ledger"
	"github.com/driftworks/gantry/internal/registry"
)

// DefaultTimeoutS bounds runs whose spec does not carry its own timeout.
const DefaultTimeoutS = 30

// ErrInvalidSpec is returned when a runnable spec fails validation before
// any artifact state is touched.
var ErrInvalidSpec = errors.New("invalid runnable spec")

// Engine executes runnable specs against registered backends. Artifact
// state flows through the registry on every path: nothing is pinned,
// reserved, or committed behind its back.
type Engine struct {
	artifacts *registry.Registry
	backends  *backend.Registry
	ledger    ledger.Ledger
	logger    *slog.Logger
	broker    *LogBroker
	wg        sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	sems    map[string]*semaphore.Weighted
}

func New(artifacts *registry.Registry, backends *backend.Registry, led ledger.Ledger, logger *slog.Logger) *Engine {
	return &Engine{
		artifacts: artifacts,
		backends:  backends,
		ledger:    led,
		logger:    logger,
		broker:    NewLogBroker(),
		cancels:   make(map[string]context.CancelFunc),
		sems:      make(map[string]*semaphore.Weighted),
	}
}

// Broker exposes the live log stream broker for subscribers.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Run executes one spec synchronously and returns its result. The error is
// non-nil only when the engine or backend malfunctioned; a run that executed
// and failed, timed out, or was cancelled reports that through
// RunResult.Status with a nil error.
//
// Outputs are only observable after a successful run: on failure,
// cancellation, or timeout every reservation is reverted and partial bytes
// are discarded.
func (e *Engine) Run(ctx context.Context, spec backend.RunnableSpec) (backend.RunResult, error) {
	if err := spec.Validate(); err != nil {
		return backend.RunResult{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	rt, err := e.backends.Resolve(spec.Platform)
	if err != nil {
		return backend.RunResult{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	platform := rt.Capabilities().Platform

	// Close the live log stream when the run finishes, whatever the outcome.
	defer e.broker.Close(spec.ID)
	if spec.LogWriter == nil {
		spec.LogWriter = e.logWriter(spec.ID)
	}

	pinned := pinSet(spec)
	if err := e.artifacts.PinInputs(ctx, spec.ID, pinned); err != nil {
		return backend.RunResult{}, fmt.Errorf("pin inputs: %w", err)
	}

	outIDs := outputIDs(spec)
	if err := e.artifacts.ReserveOutputs(ctx, spec.ID, outIDs); err != nil {
		e.artifacts.AbandonPins(spec.ID, pinned)
		return backend.RunResult{}, fmt.Errorf("reserve outputs: %w", err)
	}

	// Admission control: hold a backend slot before spending resources.
	if sem := e.semFor(rt); sem != nil {
		queued := time.Now()
		if err := sem.Acquire(ctx, 1); err != nil {
			e.revertOutputs(spec.ID, outIDs)
			e.artifacts.AbandonPins(spec.ID, pinned)
			return backend.RunResult{Status: backend.StatusCancelled, Error: "cancelled while queued"}, nil
		}
		queueWaitSeconds.Observe(time.Since(queued).Seconds())
		defer sem.Release(1)
	}

	timeoutS := DefaultTimeoutS
	if spec.TimeoutS != nil && *spec.TimeoutS > 0 {
		timeoutS = *spec.TimeoutS
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	e.logger.Info("run starting", "run_id", spec.ID, "platform", platform, "timeout_s", timeoutS)
	activeRuns.Inc()
	start := time.Now()
	result, runErr := rt.Run(runCtx, spec)
	activeRuns.Dec()
	if result.DurationMS == 0 {
		result.DurationMS = int(time.Since(start).Milliseconds())
	}

	result, runErr = e.classify(ctx, runCtx, spec, result, runErr, timeoutS)

	// Registry bookkeeping must complete even when the caller's context is
	// already cancelled.
	success := result.Status == backend.StatusSucceeded
	if err := e.artifacts.CommitOutputs(context.Background(), spec.ID, outputReports(spec, result), success); err != nil {
		e.logger.Error("commit outputs failed", "run_id", spec.ID, "error", err)
	}
	if success {
		// Consumption: the step finished its use of the inputs, so a pin
		// that was the last reference destroys the artifact.
		e.artifacts.UnpinInputs(context.Background(), spec.ID, pinned)
	} else {
		// Failed, cancelled, and timed-out runs keep their inputs alive for
		// a retry.
		e.artifacts.AbandonPins(spec.ID, pinned)
	}

	if err := rt.Cleanup(context.Background(), spec.ID); err != nil {
		e.logger.Warn("backend cleanup failed", "run_id", spec.ID, "error", err)
	}

	runsTotal.WithLabelValues(platform, result.Status).Inc()
	runDurationSeconds.WithLabelValues(platform).Observe(float64(result.DurationMS) / 1000)
	e.logger.Info("run finished", "run_id", spec.ID, "status", result.Status, "duration_ms", result.DurationMS)

	return result, runErr
}

// classify folds the backend's outcome, both contexts, and the output
// contract into the final result. The parent context losing distinguishes a
// caller cancellation from the per-run deadline firing.
func (e *Engine) classify(parent, runCtx context.Context, spec backend.RunnableSpec, result backend.RunResult, runErr error, timeoutS int) (backend.RunResult, error) {
	switch {
	case runErr != nil:
		if parent.Err() != nil {
			result.Status = backend.StatusCancelled
			result.Error = "run cancelled"
			return result, nil
		}
		if runCtx.Err() == context.DeadlineExceeded {
			result.Status = backend.StatusFailed
			result.Error = fmt.Sprintf("run timed out after %ds", timeoutS)
			return result, nil
		}
		e.logger.Error("backend error", "run_id", spec.ID, "error", runErr)
		result.Status = backend.StatusBackendError
		if result.Error == "" {
			result.Error = runErr.Error()
		}
		return result, runErr

	case result.Status == backend.StatusCancelled:
		// Backends see one context; if the deadline fired and the caller is
		// still live, the cancellation they observed was the timeout.
		if parent.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
			result.Status = backend.StatusFailed
			result.Error = fmt.Sprintf("run timed out after %ds", timeoutS)
		}
		return result, nil

	case result.Status == backend.StatusSucceeded:
		for name := range spec.Outputs {
			if rep, ok := result.Outputs[name]; !ok || !rep.Populated {
				e.logger.Error("run succeeded without populating declared output",
					"run_id", spec.ID, "output", name)
				result.Status = backend.StatusBackendError
				result.Error = fmt.Sprintf("declared output %q not populated", name)
				return result, nil
			}
		}
		return result, nil

	case result.Status == "":
		result.Status = backend.StatusBackendError
		result.Error = "backend returned no status"
		return result, nil

	default:
		return result, nil
	}
}

// Submit persists a pending run record and executes the spec in the
// background. The returned record reflects the run as created; progress is
// observable through the ledger and the log broker.
func (e *Engine) Submit(ctx context.Context, spec backend.RunnableSpec) (*ledger.RunRecord, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if _, err := e.backends.Resolve(spec.Platform); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	rec := &ledger.RunRecord{
		ID:        spec.ID,
		Platform:  spec.Platform,
		Image:     spec.Image,
		Command:   spec.Command,
		Inputs:    spec.Inputs,
		Outputs:   spec.Outputs,
		Status:    ledger.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Platform == "" {
		rec.Platform = backend.PlatformAuto
	}
	if err := e.ledger.CreateRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[spec.ID] = cancel
	e.mu.Unlock()

	e.wg.Go(func() {
		defer func() {
			e.mu.Lock()
			delete(e.cancels, spec.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.execute(runCtx, spec)
	})

	e.logger.Info("run submitted", "run_id", spec.ID, "platform", rec.Platform)
	return rec, nil
}

// execute walks the persisted record through its lifecycle around a
// synchronous Run call.
func (e *Engine) execute(ctx context.Context, spec backend.RunnableSpec) {
	if err := e.ledger.UpdateRunStatus(context.Background(), spec.ID, ledger.RunRunning); err != nil {
		e.logger.Error("transition to running failed", "run_id", spec.ID, "error", err)
	}
	start := time.Now().UTC()

	result, runErr := e.Run(ctx, spec)

	finished := time.Now().UTC()
	durationMS := int64(result.DurationMS)
	rec := &ledger.RunRecord{
		ID:         spec.ID,
		Status:     runStatus(result, runErr),
		Error:      result.Error,
		Populated:  populatedByName(spec, result),
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &finished,
	}
	if runErr != nil && rec.Error == "" {
		rec.Error = runErr.Error()
	}
	if runErr == nil && (rec.Status == ledger.RunSucceeded || rec.Status == ledger.RunFailed) {
		code := result.ExitCode
		rec.ExitCode = &code
	}
	if err := e.ledger.UpdateRun(context.Background(), rec); err != nil {
		e.logger.Error("finish run record failed", "run_id", spec.ID, "error", err)
	}
}

// CancelRun cancels an in-flight submitted run. Returns false when no run
// with that id is currently executing.
func (e *Engine) CancelRun(id string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// CancelAll cancels every in-flight submitted run.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, cancel := range e.cancels {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Wait blocks until every submitted run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// semFor returns the admission semaphore for a runtime, or nil when the
// runtime does not bound concurrency.
func (e *Engine) semFor(rt backend.Runtime) *semaphore.Weighted {
	caps := rt.Capabilities()
	if caps.MaxConcurrency <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.sems[caps.Name]
	if !ok {
		sem = semaphore.NewWeighted(int64(caps.MaxConcurrency))
		e.sems[caps.Name] = sem
	}
	return sem
}

// revertOutputs releases every reservation held by runID without
// materializing anything.
func (e *Engine) revertOutputs(runID string, outIDs []string) {
	if len(outIDs) == 0 {
		return
	}
	reports := make(map[string]backend.OutputReport, len(outIDs))
	for _, id := range outIDs {
		reports[id] = backend.OutputReport{}
	}
	if err := e.artifacts.CommitOutputs(context.Background(), runID, reports, false); err != nil {
		e.logger.Error("revert output reservations failed", "run_id", runID, "error", err)
	}
}

// logWriter dual-writes run output: persisted to the ledger for history and
// published to the broker for live streams.
func (e *Engine) logWriter(runID string) func(string) {
	var seq atomic.Int32
	return func(line string) {
		n := int(seq.Add(1) - 1)
		if err := e.ledger.InsertLogLine(context.Background(), runID, n, line); err != nil {
			e.logger.Error("persist log line failed", "run_id", runID, "seq", n, "error", err)
		}
		e.broker.Publish(runID, line)
	}
}

// pinSet collects the artifact ids a run needs materialized before it can
// start: every input binding plus the image artifact, if the image is an
// artifact reference.
func pinSet(spec backend.RunnableSpec) []string {
	ids := make([]string, 0, len(spec.Inputs)+1)
	for _, id := range spec.Inputs {
		ids = append(ids, id)
	}
	if id, ok := backend.ParseImageArtifactRef(spec.Image); ok {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func outputIDs(spec backend.RunnableSpec) []string {
	ids := make([]string, 0, len(spec.Outputs))
	for _, id := range spec.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// outputReports rekeys the backend's per-name reports by artifact id for
// the registry. Outputs the backend never mentioned carry a zero report and
// revert on commit.
func outputReports(spec backend.RunnableSpec, result backend.RunResult) map[string]backend.OutputReport {
	reports := make(map[string]backend.OutputReport, len(spec.Outputs))
	for name, id := range spec.Outputs {
		reports[id] = result.Outputs[name]
	}
	return reports
}

// runStatus maps an engine outcome onto the persisted run status. A non-nil
// engine error means the work was never attempted or the platform broke
// mid-attempt; that is a backend-error, not a step failure.
func runStatus(result backend.RunResult, runErr error) string {
	if runErr != nil {
		return ledger.RunBackendError
	}
	switch result.Status {
	case backend.StatusSucceeded:
		return ledger.RunSucceeded
	case backend.StatusCancelled:
		return ledger.RunCancelled
	case backend.StatusBackendError:
		return ledger.RunBackendError
	default:
		return ledger.RunFailed
	}
}

func populatedByName(spec backend.RunnableSpec, result backend.RunResult) map[string]bool {
	if len(spec.Outputs) == 0 {
		return nil
	}
	populated := make(map[string]bool, len(spec.Outputs))
	for name := range spec.Outputs {
		populated[name] = result.Outputs[name].Populated
	}
	return populated
}
