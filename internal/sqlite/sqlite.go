// Package sqlite is the default durable store for jobs and schedules.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mailflow/internal/queue"
	"mailflow/internal/scheduler"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  payload BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('waiting','active','completed','failed')) DEFAULT 'waiting',
  attempts_made INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  backoff_kind TEXT NOT NULL DEFAULT 'exponential',
  backoff_delay_ms INTEGER NOT NULL DEFAULT 1000,
  progress INTEGER NOT NULL DEFAULT 0,
  result BLOB,
  last_error TEXT NOT NULL DEFAULT '',
  ready_at INTEGER NOT NULL,
  lease_until INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(state, ready_at, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(state, lease_until);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  job_name TEXT NOT NULL,
  payload BLOB NOT NULL,
  max_attempts INTEGER NOT NULL DEFAULT 0,
  backoff_kind TEXT NOT NULL DEFAULT '',
  backoff_delay_ms INTEGER NOT NULL DEFAULT 0,
  repeat_interval TEXT NOT NULL DEFAULT '',
  next_run_at INTEGER NOT NULL,
  last_run_at INTEGER,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_job_name ON schedules(job_name);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(next_run_at);
`

var (
	_ queue.Store     = (*Store)(nil)
	_ scheduler.Store = (*Store)(nil)
)

// Store implements queue.Store and scheduler.Store on one SQLite database.
type Store struct{ db *sql.DB }

// New wraps an open database. Call EnsureSchema first.
func New(db *sql.DB) *Store { return &Store{db: db} }

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (creating if needed) the database at path. SQLite allows a
// single writer, so the pool is limited to one connection; this also makes
// every claim transaction strictly serial.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
