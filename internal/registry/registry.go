package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/driftworks/gantry/internal/artifact"
	"github.com/driftworks/gantry/internal/backend"
	"github.com/driftworks/gantry/internal/ledger"
)

var (
	// ErrNotFound is returned for artifacts that were never created or have
	// been destroyed.
	ErrNotFound = errors.New("artifact not found")

	// ErrNotAvailable is returned when content is requested from an
	// artifact that is not materialized. It usually means a consumer ran
	// before its producer committed.
	ErrNotAvailable = errors.New("artifact not available")

	// ErrAlreadyPending is returned when a second run tries to reserve an
	// artifact that another run already holds pending.
	ErrAlreadyPending = errors.New("artifact already reserved")

	// ErrAlreadyMaterialized is returned when storing into an artifact that
	// already has content. Content is never silently replaced.
	ErrAlreadyMaterialized = errors.New("artifact already materialized")

	// ErrNotOwner is returned when a run commits an output it does not own.
	ErrNotOwner = errors.New("artifact reserved by another run")

	// ErrNotHeld is returned when releasing a reference the holder never
	// acquired.
	ErrNotHeld = errors.New("reference not held")

	// ErrInvalidKind is returned by CreateArtifact for unknown kinds.
	ErrInvalidKind = errors.New("invalid artifact kind")
)

// Journal receives artifact lifecycle events. Writes are best-effort: a
// failing journal never blocks a lifecycle decision.
type Journal interface {
	AppendArtifactEvent(ctx context.Context, ev ledger.ArtifactEvent) error
}

// record pairs an artifact with its reservation and reference bookkeeping.
// The mutex serializes every action touching this artifact.
type record struct {
	mu      sync.Mutex
	art     artifact.Artifact
	holders map[string]int
	owner   string
}

// Registry is the authoritative artifact lifecycle and refcount tracker.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	storage backend.Storage
	journal Journal
	logger  *slog.Logger
}

// New creates a Registry backed by the given storage backend. journal may
// be nil, in which case lifecycle events are not persisted.
func New(storage backend.Storage, journal Journal, logger *slog.Logger) *Registry {
	return &Registry{
		records: make(map[string]*record),
		storage: storage,
		journal: journal,
		logger:  logger,
	}
}

// StorageName reports the name of the backing storage backend.
func (r *Registry) StorageName() string {
	return r.storage.Name()
}

// CreateArtifact mints a new artifact of the given kind in the
// unmaterialized state and announces it to the storage backend.
func (r *Registry) CreateArtifact(ctx context.Context, kind string) (artifact.Artifact, error) {
	if !artifact.ValidKind(kind) {
		return artifact.Artifact{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	id := artifact.NewID()
	if err := r.storage.Allocate(ctx, id, kind); err != nil {
		return artifact.Artifact{}, fmt.Errorf("allocate artifact %s: %w", id, err)
	}

	rec := &record{
		art: artifact.Artifact{
			ID:        id,
			Kind:      kind,
			State:     artifact.StateUnmaterialized,
			CreatedAt: time.Now().UTC(),
		},
		holders: make(map[string]int),
	}

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()

	artifactsCreatedTotal.WithLabelValues(kind).Inc()
	observeTransition("", artifact.StateUnmaterialized)
	r.journalEvent(ctx, id, "", artifact.StateUnmaterialized, "", "created")
	r.logger.Info("artifact created", "artifact_id", id, "kind", kind)
	return rec.art, nil
}

// DestroyArtifact moves an artifact to destroyed and instructs the storage
// backend to discard its bytes. Destroying an already-destroyed artifact is
// a no-op; destroying an artifact that was never created is ErrNotFound.
// Destroying an artifact that still has live references is legal but logged.
func (r *Registry) DestroyArtifact(ctx context.Context, id string) error {
	rec, ok := r.fetch(id)
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.art.State == artifact.StateDestroyed {
		return nil
	}
	return r.destroyLocked(ctx, rec, "", "explicit destroy")
}

// destroyLocked discards backing bytes and transitions to destroyed. The
// caller holds rec.mu and has checked the artifact is not already destroyed.
func (r *Registry) destroyLocked(ctx context.Context, rec *record, runID, note string) error {
	if rec.art.Refs > 0 {
		r.logger.Warn("destroying artifact with live references",
			"artifact_id", rec.art.ID, "refs", rec.art.Refs, "state", rec.art.State)
	}

	if err := r.storage.Discard(ctx, rec.art.ID, rec.art.Handle); err != nil {
		return fmt.Errorf("discard artifact %s: %w", rec.art.ID, err)
	}

	r.transitionLocked(ctx, rec, artifact.StateDestroyed, runID, note)
	artifactsDestroyedTotal.Inc()
	r.logger.Info("artifact destroyed", "artifact_id", rec.art.ID, "note", note)
	return nil
}

// Get returns a snapshot of one artifact, including destroyed ones.
// Returns ErrNotFound only for artifacts that were never created.
func (r *Registry) Get(id string) (artifact.Artifact, error) {
	rec, ok := r.fetch(id)
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.art, nil
}

// List returns snapshots of all artifacts matching the given state and kind
// filters (empty string matches everything), ordered by ID. ULIDs sort by
// creation time, so the order is stable and chronological.
func (r *Registry) List(state, kind string) []artifact.Artifact {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	arts := make([]artifact.Artifact, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		art := rec.art
		rec.mu.Unlock()

		if state != "" && art.State != state {
			continue
		}
		if kind != "" && art.Kind != kind {
			continue
		}
		arts = append(arts, art)
	}

	sort.Slice(arts, func(i, j int) bool { return arts[i].ID < arts[j].ID })
	return arts
}

// Counts returns the number of artifacts per state.
func (r *Registry) Counts() map[string]int {
	counts := map[string]int{}
	for _, art := range r.List("", "") {
		counts[art.State]++
	}
	return counts
}

// Store writes content into an unmaterialized artifact and materializes it.
// Pending artifacts belong to their reserving run (ErrAlreadyPending);
// materialized artifacts are immutable (ErrAlreadyMaterialized).
func (r *Registry) Store(ctx context.Context, id string, content []byte) error {
	rec, ok := r.fetch(id)
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.art.State {
	case artifact.StateDestroyed:
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	case artifact.StatePending:
		return fmt.Errorf("artifact %s held by run %s: %w", id, rec.owner, ErrAlreadyPending)
	case artifact.StateMaterialized:
		return fmt.Errorf("artifact %s: %w", id, ErrAlreadyMaterialized)
	}

	handle, size, err := r.storage.Store(ctx, id, content)
	if err != nil {
		return fmt.Errorf("store artifact %s: %w", id, err)
	}

	rec.art.Handle = handle
	rec.art.Size = size
	r.transitionLocked(ctx, rec, artifact.StateMaterialized, "", "stored directly")
	bytesStoredTotal.Add(float64(size))
	r.logger.Info("artifact stored", "artifact_id", id, "handle", handle, "size", size)
	return nil
}

// Retrieve returns the content of a materialized artifact. Pending and
// unmaterialized artifacts report ErrNotAvailable; destroyed and
// never-created ones report ErrNotFound.
func (r *Registry) Retrieve(ctx context.Context, id string) ([]byte, error) {
	rec, ok := r.fetch(id)
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.art.State {
	case artifact.StateDestroyed:
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	case artifact.StateMaterialized:
		content, err := r.storage.Retrieve(ctx, id, rec.art.Handle)
		if err != nil {
			return nil, fmt.Errorf("retrieve artifact %s: %w", id, err)
		}
		bytesRetrievedTotal.Add(float64(len(content)))
		return content, nil
	default:
		return nil, fmt.Errorf("artifact %s in state %s: %w", id, rec.art.State, ErrNotAvailable)
	}
}

// Acquire registers holder as a referent of the artifact.
func (r *Registry) Acquire(ctx context.Context, id, holder string) error {
	rec, ok := r.fetch(id)
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.art.State == artifact.StateDestroyed {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	rec.holders[holder]++
	rec.art.Refs++
	return nil
}

// Release drops one of holder's references. Releasing the last reference
// destroys the artifact. Releasing a reference that was never acquired is
// a caller bug and reports ErrNotHeld.
func (r *Registry) Release(ctx context.Context, id, holder string) error {
	rec, ok := r.fetch(id)
	if !ok {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.holders[holder] == 0 {
		return fmt.Errorf("artifact %s, holder %s: %w", id, holder, ErrNotHeld)
	}
	rec.holders[holder]--
	if rec.holders[holder] == 0 {
		delete(rec.holders, holder)
	}
	rec.art.Refs--

	if rec.art.Refs == 0 && rec.art.State != artifact.StateDestroyed {
		return r.destroyLocked(ctx, rec, "", "last reference released")
	}
	return nil
}

// ReserveOutputs marks every listed artifact pending with runID as the
// exclusive owner, adding one reference each. On any failure the
// reservations already taken are rolled back and the first failure is
// returned: ErrNotFound (never created or destroyed), ErrAlreadyPending
// (another run got there first), or ErrAlreadyMaterialized.
func (r *Registry) ReserveOutputs(ctx context.Context, runID string, ids []string) error {
	reserved := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := r.reserveOne(ctx, runID, id); err != nil {
			r.rollbackReservations(ctx, runID, reserved)
			return err
		}
		reserved = append(reserved, id)
	}
	return nil
}

func (r *Registry) reserveOne(ctx context.Context, runID, id string) error {
	rec, ok := r.fetch(id)
	if !ok {
		return fmt.Errorf("output artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.art.State {
	case artifact.StateDestroyed:
		return fmt.Errorf("output artifact %s: %w", id, ErrNotFound)
	case artifact.StatePending:
		return fmt.Errorf("output artifact %s held by run %s: %w", id, rec.owner, ErrAlreadyPending)
	case artifact.StateMaterialized:
		return fmt.Errorf("output artifact %s: %w", id, ErrAlreadyMaterialized)
	}

	rec.owner = runID
	rec.holders[runID]++
	rec.art.Refs++
	r.transitionLocked(ctx, rec, artifact.StatePending, runID, "output reserved")
	return nil
}

// rollbackReservations undoes reservations taken earlier in the same
// ReserveOutputs call, restoring each artifact to its prior state without
// triggering destroy-on-zero.
func (r *Registry) rollbackReservations(ctx context.Context, runID string, ids []string) {
	for _, id := range ids {
		rec, ok := r.fetch(id)
		if !ok {
			continue
		}
		rec.mu.Lock()
		if rec.owner == runID && rec.art.State == artifact.StatePending {
			rec.owner = ""
			rec.holders[runID]--
			if rec.holders[runID] == 0 {
				delete(rec.holders, runID)
			}
			rec.art.Refs--
			r.transitionLocked(ctx, rec, artifact.StateUnmaterialized, runID, "reservation rolled back")
		}
		rec.mu.Unlock()
	}
}

// PinInputs verifies every listed artifact is materialized and adds one
// reference per entry for the duration of the run. A destroyed or
// never-created input reports ErrNotFound; an unmaterialized or pending one
// reports ErrNotAvailable. On failure, pins already taken are dropped.
func (r *Registry) PinInputs(ctx context.Context, runID string, ids []string) error {
	pinned := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := r.pinOne(runID, id); err != nil {
			r.unref(runID, pinned)
			return err
		}
		pinned = append(pinned, id)
	}
	return nil
}

func (r *Registry) pinOne(runID, id string) error {
	rec, ok := r.fetch(id)
	if !ok {
		return fmt.Errorf("input artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.art.State {
	case artifact.StateDestroyed:
		return fmt.Errorf("input artifact %s: %w", id, ErrNotFound)
	case artifact.StateMaterialized:
		rec.holders[runID]++
		rec.art.Refs++
		return nil
	default:
		return fmt.Errorf("input artifact %s in state %s: %w", id, rec.art.State, ErrNotAvailable)
	}
}

// unref drops references without the destroy-on-zero edge; used to restore
// prior state when a multi-artifact operation fails partway.
func (r *Registry) unref(runID string, ids []string) {
	for _, id := range ids {
		rec, ok := r.fetch(id)
		if !ok {
			continue
		}
		rec.mu.Lock()
		if rec.holders[runID] > 0 {
			rec.holders[runID]--
			if rec.holders[runID] == 0 {
				delete(rec.holders, runID)
			}
			rec.art.Refs--
		}
		rec.mu.Unlock()
	}
}

// CommitOutputs resolves runID's output reservations. On success each
// populated output is materialized with the handle and size the backend
// reported. On failure (or for unpopulated outputs) the artifact reverts to
// unmaterialized and any partially stored bytes are discarded. Either way
// the reservation reference is dropped. Committing an artifact the run does
// not own is an invariant violation: rejected with ErrNotOwner and logged,
// never resolved last-write-wins. reports is keyed by artifact ID.
func (r *Registry) CommitOutputs(ctx context.Context, runID string, reports map[string]backend.OutputReport, success bool) error {
	var firstErr error
	for id, report := range reports {
		if err := r.commitOne(ctx, runID, id, report, success); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) commitOne(ctx context.Context, runID, id string, report backend.OutputReport, success bool) error {
	rec, ok := r.fetch(id)
	if !ok {
		return fmt.Errorf("output artifact %s: %w", id, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.owner != runID {
		r.logger.Error("output commit rejected: run does not own reservation",
			"artifact_id", id, "run_id", runID, "owner", rec.owner)
		return fmt.Errorf("output artifact %s owned by run %q, commit by run %q: %w",
			id, rec.owner, runID, ErrNotOwner)
	}

	rec.owner = ""
	if rec.holders[runID] > 0 {
		rec.holders[runID]--
		if rec.holders[runID] == 0 {
			delete(rec.holders, runID)
		}
		rec.art.Refs--
	}

	if success && report.Populated {
		rec.art.Handle = report.Handle
		rec.art.Size = report.Size
		r.transitionLocked(ctx, rec, artifact.StateMaterialized, runID, "output committed")
		bytesStoredTotal.Add(float64(report.Size))
		r.logger.Info("output committed",
			"artifact_id", id, "run_id", runID, "handle", report.Handle, "size", report.Size)
		return nil
	}

	if success && !report.Populated {
		r.logger.Warn("successful run left declared output unpopulated",
			"artifact_id", id, "run_id", runID)
	}

	// Partial bytes from a failed or cancelled run are never observable.
	if report.Handle != "" {
		if err := r.storage.Discard(ctx, id, report.Handle); err != nil {
			r.logger.Warn("discard of partial output failed",
				"artifact_id", id, "handle", report.Handle, "error", err)
		}
	}

	r.transitionLocked(ctx, rec, artifact.StateUnmaterialized, runID, "reservation reverted")
	r.logger.Info("output reservation reverted", "artifact_id", id, "run_id", runID)
	return nil
}

// UnpinInputs drops the run's input references with full Release semantics:
// a pin that was the last reference destroys the artifact. Failures are
// logged, not returned; unpinning happens on cleanup paths where the run
// outcome is already decided.
func (r *Registry) UnpinInputs(ctx context.Context, runID string, ids []string) {
	for _, id := range ids {
		if err := r.Release(ctx, id, runID); err != nil {
			r.logger.Warn("unpin input failed", "artifact_id", id, "run_id", runID, "error", err)
		}
	}
}

// AbandonPins drops the run's input references without the destroy-on-zero
// edge. Used when a run never consumed its inputs, so they stay retrievable
// for a retry even when the abandoned pin was the last reference.
func (r *Registry) AbandonPins(runID string, ids []string) {
	r.unref(runID, ids)
}

// fetch looks up a record without taking its lock.
func (r *Registry) fetch(id string) (*record, bool) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	return rec, ok
}

// transitionLocked applies a state change, stamps timestamps, updates the
// state gauge, and journals the event. The caller holds rec.mu and has
// already screened the artifact's current state.
func (r *Registry) transitionLocked(ctx context.Context, rec *record, to, runID, note string) {
	from := rec.art.State
	if !artifact.ValidTransition(from, to) {
		r.logger.Error("artifact transition outside the state machine",
			"artifact_id", rec.art.ID, "from", from, "to", to)
	}
	rec.art.State = to

	now := time.Now().UTC()
	switch to {
	case artifact.StateMaterialized:
		rec.art.MaterializedAt = &now
	case artifact.StateDestroyed:
		rec.art.DestroyedAt = &now
	}

	observeTransition(from, to)
	r.journalEvent(ctx, rec.art.ID, from, to, runID, note)
}

func (r *Registry) journalEvent(ctx context.Context, id, from, to, runID, note string) {
	if r.journal == nil {
		return
	}
	ev := ledger.ArtifactEvent{
		ArtifactID: id,
		From:       from,
		To:         to,
		RunID:      runID,
		Note:       note,
	}
	if err := r.journal.AppendArtifactEvent(ctx, ev); err != nil {
		r.logger.Warn("journal artifact event failed", "artifact_id", id, "error", err)
	}
}
