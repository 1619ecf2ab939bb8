package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    platform    TEXT NOT NULL,
    image       TEXT,
    command     TEXT NOT NULL,
    inputs      TEXT,
    outputs     TEXT,
    status      TEXT NOT NULL,
    exit_code   INTEGER,
    error       TEXT,
    populated   TEXT,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createRunLogsTable = `
CREATE TABLE IF NOT EXISTS run_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createArtifactEventsTable = `
CREATE TABLE IF NOT EXISTS artifact_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    artifact_id TEXT NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    run_id      TEXT,
    note        TEXT,
    created_at  DATETIME NOT NULL
)`

var createIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_run_logs_run_seq ON run_logs(run_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_artifact_events_artifact ON artifact_events(artifact_id, id)`,
}

// Compile-time interface satisfaction check.
var _ Ledger = (*SQLiteLedger)(nil)

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens the SQLite database at dbPath and runs migrations.
// Pass ":memory:" for an ephemeral database.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc.org/sqlite serializes writes per connection; a single
	// connection also keeps ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunLogsTable, createArtifactEventsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	for _, stmt := range createIndexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create indexes: %w", err)
		}
	}

	return &SQLiteLedger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// CreateRun inserts a new run record.
func (l *SQLiteLedger) CreateRun(ctx context.Context, run *RunRecord) error {
	command, err := json.Marshal(run.Command)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, platform, image, command, inputs, outputs, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Platform, nullString(run.Image), string(command),
		encodeBindings(run.Inputs), encodeBindings(run.Outputs), run.Status, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (l *SQLiteLedger) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, platform, image, command, inputs, outputs, status,
			exit_code, error, populated, duration_ms,
			created_at, started_at, finished_at
		FROM runs WHERE id = ?`, id,
	)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs. The count and the page are read
// in one transaction so they agree with each other.
func (l *SQLiteLedger) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, int, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, platform, image, command, inputs, outputs, status,
			exit_code, error, populated, duration_ms,
			created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRun persists the mutable fields of a run: status, exit code, error,
// populated outputs, duration, and timestamps. Status changes are checked
// against the transition table.
func (l *SQLiteLedger) UpdateRun(ctx context.Context, run *RunRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", run.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if current != run.Status && !ValidTransition(current, run.Status) {
		return fmt.Errorf("run %s: %s -> %s: %w", run.ID, current, run.Status, ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, error = ?, populated = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		run.Status, nullIntPtr(run.ExitCode), nullString(run.Error),
		encodePopulated(run.Populated), nullInt64Ptr(run.DurationMS),
		nullTimePtr(run.StartedAt), nullTimePtr(run.FinishedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return tx.Commit()
}

// UpdateRunStatus updates the status of a run, enforcing the transition
// table. Moving to running sets started_at; terminal statuses set
// finished_at.
func (l *SQLiteLedger) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if !ValidTransition(current, status) {
		return fmt.Errorf("run %s: %s -> %s: %w", id, current, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	switch {
	case status == RunRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case TerminalStatus(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return tx.Commit()
}

// RunStats returns aggregate counts over all runs.
func (l *SQLiteLedger) RunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		ByStatus:   map[string]int{},
		ByPlatform: map[string]int{},
	}

	row := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(duration_ms), 0) FROM runs")
	if err := row.Scan(&stats.Total, &stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	if err := l.groupCount(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status", stats.ByStatus); err != nil {
		return nil, err
	}
	if err := l.groupCount(ctx, "SELECT platform, COUNT(*) FROM runs GROUP BY platform", stats.ByPlatform); err != nil {
		return nil, err
	}
	return stats, nil
}

func (l *SQLiteLedger) groupCount(ctx context.Context, query string, into map[string]int) error {
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan stats: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

// InsertLogLine appends one line of run output.
func (l *SQLiteLedger) InsertLogLine(ctx context.Context, runID string, seq int, line string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO run_logs (run_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		runID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines retrieves all captured output for a run ordered by sequence.
func (l *SQLiteLedger) GetLogLines(ctx context.Context, runID string) ([]LogLine, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, seq, line, created_at
		FROM run_logs WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []LogLine{}
	for rows.Next() {
		var ll LogLine
		if err := rows.Scan(&ll.ID, &ll.RunID, &ll.Seq, &ll.Line, &ll.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, ll)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// AppendArtifactEvent records an artifact state transition.
func (l *SQLiteLedger) AppendArtifactEvent(ctx context.Context, ev ArtifactEvent) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO artifact_events (artifact_id, from_state, to_state, run_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ArtifactID, ev.From, ev.To, nullString(ev.RunID), nullString(ev.Note), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert artifact event: %w", err)
	}
	return nil
}

// ListArtifactEvents retrieves the transition history of one artifact in
// insertion order.
func (l *SQLiteLedger) ListArtifactEvents(ctx context.Context, artifactID string) ([]ArtifactEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, artifact_id, from_state, to_state, run_id, note, created_at
		FROM artifact_events WHERE artifact_id = ? ORDER BY id ASC`, artifactID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifact events: %w", err)
	}
	defer rows.Close()

	events := []ArtifactEvent{}
	for rows.Next() {
		var ev ArtifactEvent
		var runID, note sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ArtifactID, &ev.From, &ev.To, &runID, &note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact event: %w", err)
		}
		ev.RunID = runID.String
		ev.Note = note.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact events: %w", err)
	}
	return events, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var (
		run        RunRecord
		image      sql.NullString
		command    string
		inputs     sql.NullString
		outputs    sql.NullString
		exitCode   sql.NullInt64
		runErr     sql.NullString
		populated  sql.NullString
		durationMS sql.NullInt64
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := s.Scan(
		&run.ID, &run.Platform, &image, &command, &inputs, &outputs, &run.Status,
		&exitCode, &runErr, &populated, &durationMS,
		&run.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(command), &run.Command); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if inputs.Valid {
		if err := json.Unmarshal([]byte(inputs.String), &run.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
	}
	if outputs.Valid {
		if err := json.Unmarshal([]byte(outputs.String), &run.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if populated.Valid {
		if err := json.Unmarshal([]byte(populated.String), &run.Populated); err != nil {
			return nil, fmt.Errorf("decode populated: %w", err)
		}
	}

	run.Image = image.String
	run.Error = runErr.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if durationMS.Valid {
		ms := durationMS.Int64
		run.DurationMS = &ms
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func encodeBindings(m map[string]string) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(m)
	return sql.NullString{String: string(b), Valid: true}
}

func encodePopulated(m map[string]bool) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(m)
	return sql.NullString{String: string(b), Valid: true}
}
