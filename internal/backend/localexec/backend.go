// Package localexec executes runnable specs as local OS processes. No
// sandboxing: commands run with the daemon's privileges. Intended for
// development and trusted workloads.
package localexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/driftworks/gantry/internal/backend"
)

// Backend constants.
const (
	// BackendName is the name used when registering with the platform registry.
	BackendName = "localexec"

	// DefaultMaxConcurrency bounds simultaneous processes.
	DefaultMaxConcurrency = 8

	// DefaultGracePeriod is how long a terminated process gets between
	// SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// inputsDirName and outputsDirName are the per-run staging directories.
	inputsDirName  = "inputs"
	outputsDirName = "outputs"

	// envRunID and the binding prefixes are the variables exposed to the
	// command's environment.
	envRunID        = "GANTRY_RUN_ID"
	envInputPrefix  = "GANTRY_INPUT_"
	envOutputPrefix = "GANTRY_OUTPUT_"
)

// InputSource resolves a materialized artifact's bytes by id. The artifact
// registry implements it.
type InputSource interface {
	Retrieve(ctx context.Context, id string) ([]byte, error)
}

// Runtime implements the backend.Runtime interface with local processes.
type Runtime struct {
	cfg     Config
	storage backend.Storage
	inputs  InputSource
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*exec.Cmd
	wg     sync.WaitGroup
}

var _ backend.Runtime = (*Runtime)(nil)

// New creates a local process runtime rooted at cfg.WorkRoot.
func New(cfg Config, storage backend.Storage, inputs InputSource, logger *slog.Logger) (*Runtime, error) {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "gantry", "runs")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create work root: %v", backend.ErrUnavailable, err)
	}

	return &Runtime{
		cfg:     cfg,
		storage: storage,
		inputs:  inputs,
		logger:  logger,
		active:  make(map[string]*exec.Cmd),
	}, nil
}

// Run executes the spec's command in an isolated work directory. Inputs are
// staged as files under inputs/, the command writes its outputs under
// outputs/, and successful runs have those files stored through the storage
// backend.
func (r *Runtime) Run(ctx context.Context, spec backend.RunnableSpec) (backend.RunResult, error) {
	start := time.Now()

	if spec.Image != "" {
		r.logger.Debug("ignoring image for local process execution",
			"run_id", spec.ID, "image", spec.Image)
	}

	// 1. Binding names become file names; reject anything that escapes the
	// staging directories.
	if name, ok := invalidBindingName(spec); ok {
		return failedResult(start, -1, fmt.Sprintf("binding name %q is not a valid file name", name)), nil
	}

	// 2. Create the per-run work directory.
	workDir := r.workDir(spec.ID)
	inputsDir := filepath.Join(workDir, inputsDirName)
	outputsDir := filepath.Join(workDir, outputsDirName)
	for _, dir := range []string{inputsDir, outputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			runsTotal.WithLabelValues(backend.StatusBackendError).Inc()
			return backend.RunResult{Status: backend.StatusBackendError},
				fmt.Errorf("%w: create work dir: %v", backend.ErrUnavailable, err)
		}
	}

	// 3. Stage input artifacts as files.
	stageStart := time.Now()
	inputPaths, err := r.stageInputs(ctx, spec, inputsDir)
	if err != nil {
		runsTotal.WithLabelValues(backend.StatusBackendError).Inc()
		return backend.RunResult{Status: backend.StatusBackendError}, fmt.Errorf("stage inputs: %w", err)
	}
	stageDuration.WithLabelValues(stageInputs).Observe(time.Since(stageStart).Seconds())

	// 4. Build the command.
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(spec, inputPaths, outputsDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Signal the whole process group so children terminate too.
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = r.cfg.GracePeriod

	// 5. Stream combined stdout/stderr lines to the log writer. A single
	// pipe keeps the two streams interleaved in write order.
	pr, pw, err := os.Pipe()
	if err != nil {
		runsTotal.WithLabelValues(backend.StatusBackendError).Inc()
		return backend.RunResult{Status: backend.StatusBackendError},
			fmt.Errorf("%w: create log pipe: %v", backend.ErrUnavailable, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if spec.LogWriter != nil {
				spec.LogWriter(scanner.Text())
			}
		}
	}()

	// 6. Start and track the process.
	execStart := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		<-scanDone
		// A context cancelled before launch surfaces as a Start error;
		// that is a cancellation, not a failure of the work.
		if ctx.Err() != nil {
			runsTotal.WithLabelValues(backend.StatusCancelled).Inc()
			return cancelledResult(start), nil
		}
		runsTotal.WithLabelValues(backend.StatusFailed).Inc()
		return failedResult(start, -1, fmt.Sprintf("start command: %v", err)), nil
	}
	// The child holds its own copy of the write end.
	pw.Close()

	r.mu.Lock()
	r.active[spec.ID] = cmd
	r.mu.Unlock()
	r.wg.Add(1)
	activeProcesses.Inc()
	defer func() {
		r.mu.Lock()
		delete(r.active, spec.ID)
		r.mu.Unlock()
		r.wg.Done()
		activeProcesses.Dec()
	}()

	r.logger.Info("process started", "run_id", spec.ID, "pid", cmd.Process.Pid, "command", spec.Command[0])

	// 7. Wait for exit and for the log stream to drain.
	waitErr := cmd.Wait()
	stageDuration.WithLabelValues(stageExecute).Observe(time.Since(execStart).Seconds())
	select {
	case <-scanDone:
	case <-time.After(r.cfg.GracePeriod):
		// A grandchild is holding the pipe open past the process exit.
		r.logger.Warn("log stream still open after process exit", "run_id", spec.ID)
	}

	if ctx.Err() != nil {
		runsTotal.WithLabelValues(backend.StatusCancelled).Inc()
		return cancelledResult(start), nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit is a result, not an engine error.
			runsTotal.WithLabelValues(backend.StatusFailed).Inc()
			return failedResult(start, exitErr.ExitCode(),
				fmt.Sprintf("command exited %d", exitErr.ExitCode())), nil
		}
		runsTotal.WithLabelValues(backend.StatusBackendError).Inc()
		return backend.RunResult{Status: backend.StatusBackendError},
			fmt.Errorf("wait for command: %w", waitErr)
	}

	// 8. Collect declared outputs.
	collectStart := time.Now()
	result, err := r.collectOutputs(ctx, spec, outputsDir, start)
	stageDuration.WithLabelValues(stageCollectOutputs).Observe(time.Since(collectStart).Seconds())
	runsTotal.WithLabelValues(result.Status).Inc()
	return result, err
}

// stageInputs retrieves each input artifact and writes it under inputsDir,
// returning logical name → staged file path.
func (r *Runtime) stageInputs(ctx context.Context, spec backend.RunnableSpec, inputsDir string) (map[string]string, error) {
	paths := make(map[string]string, len(spec.Inputs))
	for name, id := range spec.Inputs {
		content, err := r.inputs.Retrieve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("input %q (artifact %s): %w", name, id, err)
		}
		path := filepath.Join(inputsDir, name)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, fmt.Errorf("%w: write input %q: %v", backend.ErrUnavailable, name, err)
		}
		paths[name] = path
	}
	return paths, nil
}

// collectOutputs stores every declared output file and reports handles. A
// declared output the command did not produce fails the run; handles stored
// before the failure are still reported so the caller can discard them.
func (r *Runtime) collectOutputs(ctx context.Context, spec backend.RunnableSpec, outputsDir string, start time.Time) (backend.RunResult, error) {
	reports := make(map[string]backend.OutputReport, len(spec.Outputs))
	for name, id := range spec.Outputs {
		path := filepath.Join(outputsDir, name)
		content, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			result := failedResult(start, 0, fmt.Sprintf("declared output %q missing from %s/", name, outputsDirName))
			result.Outputs = reports
			return result, nil
		}
		if err != nil {
			return backend.RunResult{Status: backend.StatusBackendError, Outputs: reports},
				fmt.Errorf("%w: read output %q: %v", backend.ErrUnavailable, name, err)
		}
		handle, size, err := r.storage.Store(ctx, id, content)
		if err != nil {
			return backend.RunResult{Status: backend.StatusBackendError, Outputs: reports},
				fmt.Errorf("store output %q: %w", name, err)
		}
		reports[name] = backend.OutputReport{Populated: true, Handle: handle, Size: size}
	}

	return backend.RunResult{
		Status:     backend.StatusSucceeded,
		ExitCode:   0,
		Outputs:    reports,
		DurationMS: int(time.Since(start).Milliseconds()),
	}, nil
}

// Capabilities reports what this backend supports.
func (r *Runtime) Capabilities() backend.RuntimeCapabilities {
	return backend.RuntimeCapabilities{
		Name:           BackendName,
		Platform:       backend.PlatformLocal,
		MaxConcurrency: r.cfg.MaxConcurrency,
		SupportsImages: false,
	}
}

// Cleanup removes the run's work directory.
func (r *Runtime) Cleanup(ctx context.Context, runID string) error {
	if err := os.RemoveAll(r.workDir(runID)); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	return nil
}

// Shutdown terminates every active process group and waits for runs to
// return, bounded by ctx.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	for id, cmd := range r.active {
		r.logger.Warn("terminating straggler run", "run_id", id)
		if cmd.Process != nil {
			if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
				r.logger.Warn("terminate failed", "run_id", id, "error", err)
			}
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown wait abandoned", "error", ctx.Err())
	}
}

func (r *Runtime) workDir(runID string) string {
	return filepath.Join(r.cfg.WorkRoot, runID)
}

func failedResult(start time.Time, exitCode int, msg string) backend.RunResult {
	return backend.RunResult{
		Status:     backend.StatusFailed,
		ExitCode:   exitCode,
		Error:      msg,
		DurationMS: int(time.Since(start).Milliseconds()),
	}
}

func cancelledResult(start time.Time) backend.RunResult {
	return backend.RunResult{
		Status:     backend.StatusCancelled,
		ExitCode:   -1,
		Error:      "run cancelled",
		DurationMS: int(time.Since(start).Milliseconds()),
	}
}

// buildEnv layers the run's variables over the host environment: the run
// id, the caller's env, and a path variable per input and output binding.
func buildEnv(spec backend.RunnableSpec, inputPaths map[string]string, outputsDir string) []string {
	env := os.Environ()
	env = append(env, envRunID+"="+spec.ID)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	for name, path := range inputPaths {
		env = append(env, envInputPrefix+envName(name)+"="+path)
	}
	for name := range spec.Outputs {
		env = append(env, envOutputPrefix+envName(name)+"="+filepath.Join(outputsDir, name))
	}
	return env
}

// envName maps a logical binding name onto an environment variable suffix:
// uppercased, with anything outside [A-Za-z0-9] replaced by underscores.
func envName(name string) string {
	mapped := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		default:
			return '_'
		}
	}, name)
	return strings.ToUpper(mapped)
}

// invalidBindingName reports the first input or output name that cannot be
// used as a plain file name inside the staging directories.
func invalidBindingName(spec backend.RunnableSpec) (string, bool) {
	for name := range spec.Inputs {
		if !validFileName(name) {
			return name, true
		}
	}
	for name := range spec.Outputs {
		if !validFileName(name) {
			return name, true
		}
	}
	return "", false
}

func validFileName(name string) bool {
	return name != "" && name != "." && name != ".." && name == filepath.Base(name)
}
