// Package storage is the durable SQLite-backed persistence layer behind
// Depot, Refinery, and completion/optimization trace recording, using the
// pure-Go modernc.org/sqlite driver via database/sql (grounded on the
// pack's codenerd/internal/store local SQLite usage).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the SQLite connection pool and the schema migrations applied
// against it. All repository implementations in this package share one
// Store so they participate in the same connection and WAL settings.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tanks (
	provider TEXT PRIMARY KEY,
	capacity INTEGER NOT NULL,
	remaining INTEGER NOT NULL,
	window_start TEXT NOT NULL,
	window_end TEXT NOT NULL,
	health TEXT NOT NULL,
	last_request TEXT,
	requests_this_window INTEGER NOT NULL DEFAULT 0,
	tokens_this_window INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS beads (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	task_type TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL DEFAULT 0,
	actual_tokens INTEGER,
	preferred_provider TEXT,
	assigned_provider TEXT,
	acceptance_criteria TEXT NOT NULL DEFAULT '[]',
	dependencies TEXT NOT NULL DEFAULT '[]',
	convoy_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	deferred_until TEXT,
	optimized_prompt TEXT,
	output TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_beads_status ON beads(status);
CREATE INDEX IF NOT EXISTS idx_beads_priority_created ON beads(priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_beads_deferred ON beads(deferred_until) WHERE status = 'deferred';
CREATE INDEX IF NOT EXISTS idx_beads_convoy ON beads(convoy_id);

CREATE TABLE IF NOT EXISTS convoys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	goal TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	completed_at TEXT,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS completions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bead_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL,
	actual_tokens INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	success INTEGER NOT NULL,
	quality_score REAL,
	original_prompt TEXT,
	optimized_prompt TEXT,
	error_message TEXT,
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_completions_bead ON completions(bead_id);
CREATE INDEX IF NOT EXISTS idx_completions_provider_time ON completions(provider, completed_at);

CREATE TABLE IF NOT EXISTS optimization_traces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_type TEXT NOT NULL,
	original_prompt TEXT NOT NULL,
	optimized_prompt TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL,
	actual_tokens INTEGER,
	quality_score REAL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_type_quality ON optimization_traces(task_type, quality_score DESC);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Open opens (creating if absent) the SQLite database at path, applies the
// schema, and optionally enables WAL mode for concurrent readers alongside
// the single Depot writer.
func Open(path string, walMode bool) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if walMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is alive, used by rigsd's startup health
// check before Depot.Bootstrap runs against it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
