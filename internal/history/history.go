// Package history keeps a SQLite index of runs and shard attempts across
// sessions. The checkpoint stays the source of truth; history is for
// reporting.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/session"
)

// ErrNotFound is returned when a session has no recorded run.
var ErrNotFound = errors.New("run not found")

// Run is one start or resume of a session.
type Run struct {
	SessionID   string
	Pipeline    string
	Command     string
	Status      string
	TotalItems  int
	WorkerCount int
	ShardCount  int
	StartedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// Attempt is one execution of one shard.
type Attempt struct {
	AttemptID  string
	SessionID  string
	ShardID    int
	Status     string
	Processed  int
	DurationMs int64
	Error      string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// Stats summarizes every recorded attempt.
type Stats struct {
	Runs           int
	Attempts       int
	ByStatus       map[string]int
	AvgShardMs     float64
	SlowestShardMs int64
}

// Store is the history database.
type Store struct {
	db   *sql.DB
	path string
	log  *logging.Logger
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	s := &Store{db: db, path: path, log: logging.New("history")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		session_id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		total_items INTEGER NOT NULL,
		worker_count INTEGER NOT NULL,
		shard_count INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at DESC);

	CREATE TABLE IF NOT EXISTS attempts (
		attempt_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		shard_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id, shard_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunFromSession describes sess as a run started by command.
func RunFromSession(sess *session.Session, command string) Run {
	now := time.Now().UTC()
	return Run{
		SessionID:   sess.ID,
		Pipeline:    sess.Pipeline,
		Command:     command,
		Status:      string(sess.Status),
		TotalItems:  sess.TotalItems,
		WorkerCount: sess.WorkerCount,
		ShardCount:  len(sess.Shards),
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// RecordRun inserts the run or, for a resumed session, updates it in place.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (session_id, pipeline, command, status, total_items, worker_count, shard_count, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			command = excluded.command,
			status = excluded.status,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`, r.SessionID, r.Pipeline, r.Command, r.Status, r.TotalItems, r.WorkerCount, r.ShardCount,
		r.StartedAt, r.UpdatedAt, nullTime(r.FinishedAt))
	return err
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(ctx context.Context, sessionID, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ?, finished_at = ? WHERE session_id = ?
	`, status, at, at, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// GetRun returns the run for a session.
func (s *Store) GetRun(ctx context.Context, sessionID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, pipeline, command, status, total_items, worker_count, shard_count, started_at, updated_at, finished_at
		FROM runs WHERE session_id = ?
	`, sessionID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return r, err
}

// ListRuns returns the most recently updated runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, pipeline, command, status, total_items, worker_count, shard_count, started_at, updated_at, finished_at
		FROM runs ORDER BY updated_at DESC, session_id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var finished sql.NullTime
	err := sc.Scan(&r.SessionID, &r.Pipeline, &r.Command, &r.Status, &r.TotalItems, &r.WorkerCount,
		&r.ShardCount, &r.StartedAt, &r.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// StartAttempt records a shard launch.
func (s *Store) StartAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attempts (attempt_id, session_id, shard_id, status, processed, duration_ms, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.AttemptID, a.SessionID, a.ShardID, a.Status, a.Processed, a.DurationMs, a.Error, a.StartedAt, nullTime(a.EndedAt))
	return err
}

// FinishAttempt records the outcome of a shard launch. An attempt that was
// never started is inserted.
func (s *Store) FinishAttempt(ctx context.Context, a Attempt) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?, processed = ?, duration_ms = ?, error = ?, ended_at = ?
		WHERE attempt_id = ?
	`, a.Status, a.Processed, a.DurationMs, a.Error, nullTime(a.EndedAt), a.AttemptID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.StartAttempt(ctx, a)
	}
	return nil
}

// Attempts lists every attempt of a session by shard, then start time.
func (s *Store) Attempts(ctx context.Context, sessionID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, session_id, shard_id, status, processed, duration_ms, error, started_at, ended_at
		FROM attempts WHERE session_id = ? ORDER BY shard_id, started_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var ended sql.NullTime
		if err := rows.Scan(&a.AttemptID, &a.SessionID, &a.ShardID, &a.Status, &a.Processed,
			&a.DurationMs, &a.Error, &a.StartedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			a.EndedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats aggregates all runs and attempts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByStatus: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&st.Runs); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM attempts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st.ByStatus[status] = n
		st.Attempts += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	var max sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms), MAX(duration_ms) FROM attempts WHERE status = ?
	`, string(session.ShardCompleted)).Scan(&avg, &max)
	if err != nil {
		return nil, err
	}
	st.AvgShardMs = avg.Float64
	st.SlowestShardMs = max.Int64
	return st, nil
}

// Record consumes pool events until the channel closes, writing each one.
// Write failures are logged and do not stop the loop.
func (s *Store) Record(ctx context.Context, events <-chan orchestrator.Event) {
	for e := range events {
		if err := s.RecordEvent(ctx, e); err != nil {
			s.log.WithSession(e.SessionID).Warn("history_write_failed", map[string]interface{}{
				"event": string(e.Kind),
				"shard": e.ShardID,
			}, err)
		}
	}
}

// RecordEvent writes one pool event.
func (s *Store) RecordEvent(ctx context.Context, e orchestrator.Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch e.Kind {
	case orchestrator.EventShardStarted:
		return s.StartAttempt(ctx, Attempt{
			AttemptID: e.AttemptID,
			SessionID: e.SessionID,
			ShardID:   e.ShardID,
			Status:    string(e.Status),
			StartedAt: at,
		})
	case orchestrator.EventShardFinished, orchestrator.EventShardInterrupted:
		return s.FinishAttempt(ctx, Attempt{
			AttemptID:  e.AttemptID,
			SessionID:  e.SessionID,
			ShardID:    e.ShardID,
			Status:     string(e.Status),
			Processed:  e.ProcessedCount,
			DurationMs: e.Duration.Milliseconds(),
			Error:      e.Err,
			StartedAt:  at.Add(-e.Duration),
			EndedAt:    &at,
		})
	case orchestrator.EventSessionFinished, orchestrator.EventSessionInterrupted:
		return s.FinishRun(ctx, e.SessionID, string(e.Status), at)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
