// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer: job documents
// and their event logs, schedules, webhook subscriptions, sessions with
// their reasoning chains, and code embeddings. Schema migrations, CRUD,
// and the compare-and-swap helpers used by the scheduler all live here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
	vectorDimsKey    = "vector_index_dims"
	vectorMetricKey  = "vector_index_metric"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queues (
  name            TEXT PRIMARY KEY,
  defaults_json   TEXT NOT NULL,
  paused          INTEGER NOT NULL DEFAULT 0,
  rate_limit_json TEXT NULL
);`,

		`CREATE TABLE IF NOT EXISTS jobs (
  id             TEXT PRIMARY KEY,
  queue_name     TEXT NOT NULL,
  application_id TEXT NOT NULL,
  data           TEXT NOT NULL,
  options_json   TEXT NOT NULL,
  priority       INTEGER NOT NULL DEFAULT 0,
  status         TEXT NOT NULL CHECK (status IN ('waiting','active','completed','failed','delayed','paused')),
  attempt_number INTEGER NOT NULL DEFAULT 0,
  progress       INTEGER NOT NULL DEFAULT 0,
  result         TEXT NULL,
  error_json     TEXT NULL,
  created_at     TIMESTAMP NOT NULL,
  started_at     TIMESTAMP NULL,
  completed_at   TIMESTAMP NULL,
  failed_at      TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue_name, status, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_app ON jobs(application_id);`,

		`CREATE TABLE IF NOT EXISTS job_events (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id   TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  time     TIMESTAMP NOT NULL,
  level    TEXT NOT NULL CHECK (level IN ('info','warn','error')),
  message  TEXT NOT NULL,
  step     TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_time ON job_events(job_id, time);`,

		`CREATE TABLE IF NOT EXISTS schedules (
  id                    TEXT PRIMARY KEY,
  application_id        TEXT NOT NULL,
  name                  TEXT NOT NULL,
  cron                  TEXT NULL,
  timezone              TEXT NULL,
  at                    TIMESTAMP NULL,
  end_date              TIMESTAMP NULL,
  exec_limit            INTEGER NOT NULL DEFAULT 0,
  endpoint_json         TEXT NULL,
  retry_json            TEXT NULL,
  enabled               INTEGER NOT NULL DEFAULT 1,
  created_by            TEXT NULL,
  created_at            TIMESTAMP NOT NULL,
  updated_at            TIMESTAMP NOT NULL,
  last_executed_at      TIMESTAMP NULL,
  last_execution_status TEXT NULL,
  last_execution_error  TEXT NULL,
  next_execution_at     TIMESTAMP NULL,
  execution_count       INTEGER NOT NULL DEFAULT 0,
  UNIQUE(application_id, name)
);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_execution_at);`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
  id                   TEXT PRIMARY KEY,
  application_id       TEXT NOT NULL,
  endpoint_json        TEXT NOT NULL,
  events_json          TEXT NOT NULL,
  filters_json         TEXT NOT NULL,
  secret               TEXT NOT NULL,
  retry_json           TEXT NOT NULL,
  active               INTEGER NOT NULL DEFAULT 1,
  failure_count        INTEGER NOT NULL DEFAULT 0,
  window_count         INTEGER NOT NULL DEFAULT 0,
  failure_window_start TIMESTAMP NULL,
  last_triggered_at    TIMESTAMP NULL,
  created_at           TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_app_active ON subscriptions(application_id, active);`,

		`CREATE TABLE IF NOT EXISTS sessions (
  session_id      TEXT PRIMARY KEY,
  project_id      TEXT NOT NULL,
  status          TEXT NOT NULL CHECK (status IN ('active','completed','errored','abandoned')),
  context_json    TEXT NOT NULL,
  statistics_json TEXT NOT NULL,
  metadata_json   TEXT NULL,
  chain_length    INTEGER NOT NULL DEFAULT 0,
  created_at      TIMESTAMP NOT NULL,
  updated_at      TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, status);`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
  id            TEXT PRIMARY KEY,
  session_id    TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
  name          TEXT NULL,
  context_json  TEXT NOT NULL,
  metadata_json TEXT NULL,
  created_at    TIMESTAMP NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS reasoning_steps (
  id            TEXT PRIMARY KEY,
  session_id    TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
  step_number   INTEGER NOT NULL,
  type          TEXT NOT NULL,
  content_json  TEXT NOT NULL,
  context_json  TEXT NOT NULL,
  quality_json  TEXT NOT NULL,
  metadata_json TEXT NOT NULL,
  search_text   TEXT NOT NULL,
  created_at    TIMESTAMP NOT NULL,
  UNIQUE(session_id, step_number)
);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_session ON reasoning_steps(session_id, step_number);`,

		`CREATE TABLE IF NOT EXISTS code_embeddings (
  id              TEXT PRIMARY KEY,
  project_id      TEXT NOT NULL,
  repository_name TEXT NOT NULL,
  file_path       TEXT NOT NULL,
  start_line      INTEGER NOT NULL,
  end_line        INTEGER NOT NULL,
  language        TEXT NULL,
  content         TEXT NOT NULL,
  embedding       BLOB NOT NULL,
  indexed_at      TIMESTAMP NOT NULL,
  UNIQUE(project_id, repository_name, file_path, start_line, end_line)
);`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_repo ON code_embeddings(project_id, repository_name);`,

		`CREATE TABLE IF NOT EXISTS indexing_jobs (
  job_id          TEXT PRIMARY KEY,
  project_id      TEXT NOT NULL,
  repository_name TEXT NOT NULL,
  branch          TEXT NULL,
  status          TEXT NOT NULL CHECK (status IN ('pending','in-progress','completed','failed','cancelled')),
  total_files     INTEGER NOT NULL DEFAULT 0,
  processed_files INTEGER NOT NULL DEFAULT 0,
  total_chunks    INTEGER NOT NULL DEFAULT 0,
  options_json    TEXT NOT NULL,
  error           TEXT NULL,
  created_at      TIMESTAMP NOT NULL,
  started_at      TIMESTAMP NULL,
  finished_at     TIMESTAMP NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
