package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	record     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key         TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	run_id      TEXT NOT NULL
);
`

const defaultListLimit = 100

// sqlTimeLayout keeps a fixed-width fraction so the timestamp columns
// sort lexicographically.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists runs and idempotency keys in a local SQLite database.
// Runs are stored whole as JSON; status and timestamps are broken out
// into columns for filtering and retention.
type Store struct {
	log logging.Logger
	db  *sql.DB
}

// OpenStore opens the agents database at path, creating it, its parent
// directory, and the schema when missing.
func OpenStore(log logging.Logger, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create agents db directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open agents db: %w", err)
	}
	// modernc/sqlite serializes writers; keep a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init agents schema: %w", err)
	}
	return &Store{log: log.WithField("component", "agent-store"), db: db}, nil
}

// SaveRun inserts or replaces a run record, stamping UpdatedAt.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = run.UpdatedAt
	}
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record, updated_at = excluded.updated_at`,
		run.ID, string(run.Status), string(record),
		run.CreatedAt.Format(sqlTimeLayout), run.UpdatedAt.Format(sqlTimeLayout))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun fetches one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM runs WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return decodeRun(record)
}

// ListRuns returns the most recently updated runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM runs ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RunsByStatus returns all runs in the given state, oldest first.
func (s *Store) RunsByStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM runs WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s runs: %w", status, err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RecoverInterrupted marks runs left in the running state by a previous
// process as failed, preserving their checkpoint pointers, and returns
// the runs it touched.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]*Run, error) {
	running, err := s.RunsByStatus(ctx, RunRunning)
	if err != nil {
		return nil, err
	}
	for _, run := range running {
		run.Status = RunFailed
		run.Error = "interrupted by server restart"
		for i := range run.Steps {
			if run.Steps[i].Status == StepRunning {
				run.Steps[i].Status = StepFailed
				run.Steps[i].Error = run.Error
			}
		}
		if err := s.SaveRun(ctx, run); err != nil {
			return nil, err
		}
	}
	return running, nil
}

// PruneTerminal deletes terminal runs beyond the newest keep, returning
// the number removed. Queued and running runs are never pruned.
func (s *Store) PruneTerminal(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id IN (
			SELECT id FROM runs WHERE status IN ('completed', 'failed', 'cancelled')
			ORDER BY updated_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// GetKey looks up an idempotency key, returning its request fingerprint
// and run ID when present.
func (s *Store) GetKey(ctx context.Context, key string) (fingerprint, runID string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT fingerprint, run_id FROM idempotency_keys WHERE key = ?`, key).
		Scan(&fingerprint, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("get idempotency key: %w", err)
	}
	return fingerprint, runID, true, nil
}

// PutKey records an idempotency key against a run.
func (s *Store) PutKey(ctx context.Context, key, fingerprint, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency_keys (key, fingerprint, run_id) VALUES (?, ?, ?)`,
		key, fingerprint, runID)
	if err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func decodeRun(record string) (*Run, error) {
	var run Run
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		run, err := decodeRun(record)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
