// Package checkpoint persists run progress in SQLite. The store holds the
// durable projection of each run (last confirmed step index and status)
// plus the append-only failure record log. A checkpoint is only ever
// written after the corresponding step's postcondition was confirmed, and
// the step index for a given run identity never decreases.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chromeflow/chromeflow/internal/faults"
)

// Status is a run's durable lifecycle state.
type Status string

const (
	// StatusPending means the run was created but has not started.
	StatusPending Status = "pending"
	// StatusRunning means the run is executing (or was interrupted
	// mid-execution and is resumable).
	StatusRunning Status = "running"
	// StatusPaused means the run was cancelled at a step boundary.
	StatusPaused Status = "paused"
	// StatusCompleted means every step's postcondition was confirmed.
	StatusCompleted Status = "completed"
	// StatusFailed means the run terminated on a fatal failure.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NoStepCompleted is the checkpoint index of a run that has not confirmed
// any step yet; resume at NoStepCompleted+1 starts from the beginning.
const NoStepCompleted = -1

// Checkpoint is the durable (run identity, last-completed index, status)
// tuple.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	LastIndex int       `json:"last_index"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`

	// Automation and Version record which script shape the checkpoint
	// belongs to, so a resumed run is not replayed against a reshaped
	// step sequence.
	Automation string `json:"automation"`
	Version    string `json:"version"`
}

// ErrRunNotFound is returned when a run identity has no checkpoint.
var ErrRunNotFound = errors.New("run not found")

// Store wraps the SQLite database holding checkpoints and failure records.
type Store struct {
	db       *sql.DB
	stateDir string

	// runLocks serializes checkpoint writes per run identity. Distinct
	// runs write concurrently; SQLite serializes at the connection.
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// Open opens (creating if needed) the checkpoint database under stateDir.
func Open(ctx context.Context, stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	dbPath := filepath.Join(stateDir, "chromeflow.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection keeps WAL and
	// busy_timeout consistently applied and serializes writes in-process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=3000;",
		"PRAGMA journal_mode=WAL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:       db,
		stateDir: stateDir,
		runLocks: make(map[string]*sync.Mutex),
	}, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id     TEXT PRIMARY KEY,
		last_index INTEGER NOT NULL,
		status     TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		automation TEXT NOT NULL DEFAULT '',
		version    TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS failure_records (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		class      TEXT NOT NULL,
		kind       TEXT NOT NULL,
		cause      TEXT NOT NULL,
		attempt    INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failure_records_run
		ON failure_records(run_id, step_index);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the checkpoint for runID. A missing row is a fresh run,
// not an error: it loads as (NoStepCompleted, pending).
func (s *Store) Load(ctx context.Context, runID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_index, status, updated_at, automation, version FROM checkpoints WHERE run_id = ?`, runID)

	cp := Checkpoint{RunID: runID}
	var updatedAt string
	err := row.Scan(&cp.LastIndex, &cp.Status, &updatedAt, &cp.Automation, &cp.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{RunID: runID, LastIndex: NoStepCompleted, Status: StatusPending}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cp, nil
}

// Get returns the checkpoint for runID, failing with ErrRunNotFound when
// no run with that identity has ever written one.
func (s *Store) Get(ctx context.Context, runID string) (Checkpoint, error) {
	cp, err := s.Load(ctx, runID)
	if err != nil {
		return Checkpoint{}, err
	}
	if cp.LastIndex == NoStepCompleted && cp.Status == StatusPending {
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM checkpoints WHERE run_id = ?`, runID).Scan(&count); err != nil {
			return Checkpoint{}, fmt.Errorf("failed to check run existence: %w", err)
		}
		if count == 0 {
			return Checkpoint{}, ErrRunNotFound
		}
	}
	return cp, nil
}

// Write upserts the checkpoint for cp.RunID. The step index is monotonic:
// an update carrying a smaller index than the stored one is rejected,
// enforced in the statement itself so no caller can regress a run.
func (s *Store) Write(ctx context.Context, cp Checkpoint) error {
	lock := s.runLock(cp.RunID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, last_index, status, updated_at, automation, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			last_index = excluded.last_index,
			status     = excluded.status,
			updated_at = excluded.updated_at,
			automation = excluded.automation,
			version    = excluded.version
		WHERE excluded.last_index >= checkpoints.last_index`,
		cp.RunID, cp.LastIndex, cp.Status, now, cp.Automation, cp.Version)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("checkpoint for run %s would regress step index to %d", cp.RunID, cp.LastIndex)
	}
	return nil
}

// List returns every known checkpoint, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, last_index, status, updated_at, automation, version
		 FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var updatedAt string
		if err := rows.Scan(&cp.RunID, &cp.LastIndex, &cp.Status, &updatedAt, &cp.Automation, &cp.Version); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// AppendFailure appends one failure record. Records are append-only and
// safe for concurrent appends across runs.
func (s *Store) AppendFailure(ctx context.Context, record faults.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_records (run_id, step_index, class, kind, cause, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.RunID, record.StepIndex, record.Class, record.Kind,
		record.Cause, record.Attempt, record.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append failure record: %w", err)
	}
	return nil
}

// Failures returns the ordered failure records for runID.
func (s *Store) Failures(ctx context.Context, runID string) ([]faults.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_index, class, kind, cause, attempt, created_at
		FROM failure_records WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load failure records: %w", err)
	}
	defer rows.Close()

	var records []faults.Record
	for rows.Next() {
		var record faults.Record
		var createdAt string
		if err := rows.Scan(&record.RunID, &record.StepIndex, &record.Class,
			&record.Kind, &record.Cause, &record.Attempt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure record: %w", err)
		}
		record.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLocks[runID] = lock
	}
	return lock
}
