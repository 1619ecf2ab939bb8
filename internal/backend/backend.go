package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Run status constants reported in a RunResult.
const (
	// StatusSucceeded means the work ran to completion and every declared
	// output was populated.
	StatusSucceeded = "succeeded"

	// StatusFailed means the work executed and completed with a failing
	// outcome (non-zero exit, missing declared output file, timeout).
	StatusFailed = "failed"

	// StatusBackendError means the backend itself could not attempt or
	// finish the work. Distinct from StatusFailed so the caller's retry
	// policy can tell "my step failed" from "the platform failed".
	StatusBackendError = "backend-error"

	// StatusCancelled means the invocation was terminated by cancellation.
	// Never reported as StatusFailed.
	StatusCancelled = "cancelled"
)

// Platform constants for runtime selection.
const (
	PlatformLocal = "local"
	PlatformAuto  = "auto"
)

// ErrUnavailable marks an execution or storage backend that could not be
// reached. Callers detect it with errors.Is and decide retry policy
// themselves; nothing in this module retries.
var ErrUnavailable = errors.New("backend unavailable")

// imageArtifactScheme prefixes image references that name a prior step's
// image artifact instead of an external registry tag.
const imageArtifactScheme = "artifact"

// ImageArtifactRef builds an image reference naming an image artifact.
func ImageArtifactRef(id string) string {
	return imageArtifactScheme + ":" + id
}

// ParseImageArtifactRef splits an image reference of the form
// "artifact:<id>" and reports whether it names an artifact. Any other
// reference is backend-opaque and passed through unchanged.
func ParseImageArtifactRef(image string) (id string, ok bool) {
	ss := strings.SplitN(image, ":", 2)
	if len(ss) < 2 || ss[0] != imageArtifactScheme || ss[1] == "" {
		return "", false
	}
	return ss[1], true
}

// Runtime is the interface that all execution backends must implement.
// Each backend (local process, remote cluster, hosted runner) provides its
// own implementation of these methods.
//
// Run is blocking; cancellation is cooperative through ctx. A cancelled
// invocation must terminate within the backend's grace period and report
// StatusCancelled, never StatusFailed. Run returns a non-nil error only
// when the work could not be attempted or the backend infrastructure broke
// mid-attempt (wrap ErrUnavailable when the backing system is unreachable);
// work that executed and failed is a RunResult with StatusFailed and a nil
// error.
type Runtime interface {
	// Run executes the described unit of work. On success every declared
	// output carries a populated OutputReport; on any failure the backend
	// reports what it populated and the registry reverts it, so outputs
	// never silently half-succeed. Inputs are never mutated.
	Run(ctx context.Context, spec RunnableSpec) (RunResult, error)

	// Capabilities reports the backend's platform, name, and admission limit.
	Capabilities() RuntimeCapabilities

	// Cleanup releases backend-local residue for the given invocation.
	// Idempotent; called after the result has been committed.
	Cleanup(ctx context.Context, runID string) error
}

// Storage is the interface that all storage backends must implement. A
// storage backend owns physical bytes only; it never makes lifecycle
// decisions and deletes content solely when instructed.
type Storage interface {
	// Name identifies the backend in introspection output.
	Name() string

	// Allocate reserves backend bookkeeping for a new artifact identifier.
	// Lazy backing is expected: backends need not allocate physical storage
	// until Store. Fails only when the backend is unavailable.
	Allocate(ctx context.Context, id, kind string) error

	// Store persists content for the identifier and returns the
	// backend-opaque handle addressing it.
	Store(ctx context.Context, id string, content []byte) (handle string, size int64, err error)

	// Retrieve returns the content addressed by handle. Implementations
	// verify integrity where the handle permits it.
	Retrieve(ctx context.Context, id, handle string) ([]byte, error)

	// Discard releases any backing bytes for the identifier. Idempotent:
	// discarding an identifier with no backing is a no-op.
	Discard(ctx context.Context, id, handle string) error
}

// RunnableSpec describes one invocation: the work to perform and the
// artifact bindings it reads and populates.
type RunnableSpec struct {
	// ID is the invocation identifier. The engine assigns one when empty.
	ID string `json:"id"`

	// Platform selects the execution backend ("local", "remote", ...).
	// PlatformAuto resolves to the registry default.
	Platform string `json:"platform"`

	// Image is the image reference for the work. Opaque to the engine
	// except for "artifact:<id>" references, which are resolved from a
	// materialized image artifact before dispatch.
	Image string `json:"image,omitempty"`

	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`

	CPULimit   *int `json:"cpu_limit,omitempty"`
	MemLimitMB *int `json:"mem_limit_mb,omitempty"`
	TimeoutS   *int `json:"timeout_s,omitempty"`

	// Inputs maps logical input names to existing artifact identifiers.
	Inputs map[string]string `json:"inputs,omitempty"`

	// Outputs maps logical output names to artifact identifiers the
	// invocation populates. The same identifier must not appear under two
	// output names.
	Outputs map[string]string `json:"outputs,omitempty"`

	// LogWriter is an optional callback that backends invoke to emit log
	// lines during execution. Set by the engine; backends may ignore it.
	LogWriter func(line string) `json:"-"`
}

// Validate checks the structural invariants the contract places on a spec
// before any side effect is taken.
func (s RunnableSpec) Validate() error {
	if len(s.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	for name, id := range s.Inputs {
		if name == "" || id == "" {
			return fmt.Errorf("input bindings must have non-empty names and ids")
		}
	}
	seen := make(map[string]string, len(s.Outputs))
	for name, id := range s.Outputs {
		if name == "" || id == "" {
			return fmt.Errorf("output bindings must have non-empty names and ids")
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("artifact %s declared as both output %q and output %q", id, prev, name)
		}
		seen[id] = name
	}
	return nil
}

// OutputReport describes what became of one declared output.
type OutputReport struct {
	// Populated is true when the backend stored content for the output.
	Populated bool `json:"populated"`

	// Handle is the storage handle obtained when the content was stored.
	Handle string `json:"handle,omitempty"`

	// Size is the stored content size in bytes.
	Size int64 `json:"size,omitempty"`
}

// RunResult holds the outcome of a Run.
type RunResult struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`

	// Outputs is keyed by logical output name and carries the per-output
	// completion flag: an invocation may fail before producing some outputs.
	Outputs map[string]OutputReport `json:"outputs,omitempty"`

	DurationMS int `json:"duration_ms"`
}

// RuntimeCapabilities describes what an execution backend supports.
type RuntimeCapabilities struct {
	Name string `json:"name"`

	// Platform is the registry key the backend serves.
	Platform string `json:"platform"`

	// MaxConcurrency is the number of invocations the backend admits at
	// once; the engine enforces it with a weighted semaphore.
	MaxConcurrency int `json:"max_concurrency"`

	// SupportsImages is false for backends that treat the image reference
	// as advisory (the local process backend).
	SupportsImages bool `json:"supports_images"`
}
