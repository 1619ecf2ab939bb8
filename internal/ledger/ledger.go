// Package ledger persists run records, run logs, and artifact lifecycle
// events. It is the durable audit surface behind the in-memory registry
// and the engine's run tracking.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Run statuses.
const (
	RunPending      = "pending"
	RunRunning      = "running"
	RunSucceeded    = "succeeded"
	RunFailed       = "failed"
	RunBackendError = "backend-error"
	RunCancelled    = "cancelled"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a status update would move a
	// run backwards, e.g. from a terminal status to running.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// validTransitions defines the allowed run status transitions.
var validTransitions = map[string]map[string]bool{
	RunPending: {
		RunRunning:      true,
		RunFailed:       true,
		RunBackendError: true,
		RunCancelled:    true,
	},
	RunRunning: {
		RunSucceeded:    true,
		RunFailed:       true,
		RunBackendError: true,
		RunCancelled:    true,
	},
	RunSucceeded:    {},
	RunFailed:       {},
	RunBackendError: {},
	RunCancelled:    {},
}

// ValidTransition reports whether a run may move from one status to another.
func ValidTransition(from, to string) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// TerminalStatus reports whether a run status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case RunSucceeded, RunFailed, RunBackendError, RunCancelled:
		return true
	}
	return false
}

// RunRecord is the persisted form of a single run.
type RunRecord struct {
	ID         string            `json:"id"`
	Platform   string            `json:"platform"`
	Image      string            `json:"image,omitempty"`
	Command    []string          `json:"command"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Status     string            `json:"status"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	Populated  map[string]bool   `json:"populated,omitempty"`
	DurationMS *int64            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// LogLine is a single captured line of run output.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactEvent records one artifact state transition.
type ArtifactEvent struct {
	ID         int64     `json:"id"`
	ArtifactID string    `json:"artifact_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	RunID      string    `json:"run_id,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunStats summarizes the runs table.
type RunStats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByPlatform    map[string]int `json:"by_platform"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Ledger is the persistence interface for runs and artifact history.
type Ledger interface {
	// CreateRun inserts a new run record.
	CreateRun(ctx context.Context, run *RunRecord) error

	// GetRun retrieves a run by ID. Returns ErrNotFound if it does not exist.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns retrieves runs ordered by creation time descending, along
	// with the total count.
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, int, error)

	// UpdateRun persists the terminal fields of a run: status, exit code,
	// error, populated outputs, duration, and timestamps.
	UpdateRun(ctx context.Context, run *RunRecord) error

	// UpdateRunStatus moves a run to a new status, enforcing the status
	// transition table. Terminal statuses set finished_at.
	UpdateRunStatus(ctx context.Context, id, status string) error

	// RunStats returns aggregate counts over all runs.
	RunStats(ctx context.Context) (*RunStats, error)

	// InsertLogLine appends one line of run output.
	InsertLogLine(ctx context.Context, runID string, seq int, line string) error

	// GetLogLines retrieves all captured output for a run in sequence order.
	GetLogLines(ctx context.Context, runID string) ([]LogLine, error)

	// AppendArtifactEvent records an artifact state transition.
	AppendArtifactEvent(ctx context.Context, ev ArtifactEvent) error

	// ListArtifactEvents retrieves the transition history of one artifact
	// in insertion order.
	ListArtifactEvents(ctx context.Context, artifactID string) ([]ArtifactEvent, error)

	// Close releases the underlying database handle.
	Close() error
}
