// Package store persists sessions and the operation ledger in SQLite.
// The ledger is the source of truth for crash recovery: every enqueued
// command exists as a row before it exists on any in-memory queue.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding sessions and operations.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	repo_path TEXT NOT NULL,
	worktree TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	permission_mode INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	provider_conversation_id TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	output TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	queued_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER,
	heartbeat_at INTEGER,
	last_error TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_id);
CREATE INDEX IF NOT EXISTS idx_operations_unfinished
	ON operations(session_id) WHERE status IN ('queued', 'running');
`

// Open opens (or creates) the database at path and applies the schema.
// Path ":memory:" gives an ephemeral database for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and sidesteps
	// writer contention; WAL readers don't need parallelism here.
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
