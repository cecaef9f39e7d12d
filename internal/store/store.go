// Package store provides the node-local durable storage for caissesync:
// the outbox, the replicated record mirror, conflict records and small
// sync state (watermarks, node identity). Backed by SQLite via the pure-Go
// modernc.org/sqlite driver so terminals need no CGO toolchain.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the node's SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the node database under dataDir. Pass the
// special path ":memory:" through OpenPath for tests.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, "caissesync.db"))
}

// OpenPath opens the database at an explicit path or DSN.
func OpenPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_outbox (
			id              TEXT PRIMARY KEY,
			table_name      TEXT NOT NULL,
			operation       TEXT NOT NULL,
			payload         TEXT NOT NULL,
			local_id        TEXT NOT NULL,
			enqueued_at     INTEGER NOT NULL,
			next_attempt_at INTEGER NOT NULL,
			retries         INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			last_error      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_status
			ON sync_outbox(status, next_attempt_at);

		CREATE TABLE IF NOT EXISTS sync_records (
			table_name   TEXT NOT NULL,
			local_id     TEXT NOT NULL,
			sync_id      TEXT,
			origin_node  TEXT NOT NULL DEFAULT '',
			version      INTEGER NOT NULL DEFAULT 0,
			payload      TEXT NOT NULL,
			last_updated INTEGER NOT NULL,
			is_deleted   INTEGER NOT NULL DEFAULT 0,
			sync_status  TEXT NOT NULL,
			PRIMARY KEY (table_name, local_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_records_sync_id
			ON sync_records(table_name, sync_id) WHERE sync_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS sync_conflicts (
			id              TEXT PRIMARY KEY,
			table_name      TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			local_snapshot  TEXT NOT NULL,
			server_snapshot TEXT NOT NULL,
			local_version   INTEGER NOT NULL DEFAULT 0,
			server_version  INTEGER NOT NULL DEFAULT 0,
			resolution      TEXT,
			resolved_at     INTEGER,
			resolved_by     TEXT,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved
			ON sync_conflicts(created_at) WHERE resolution IS NULL;
	`)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements platform.KeyValueStore.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements platform.KeyValueStore.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

// Delete implements platform.KeyValueStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete state %q: %w", key, err)
	}
	return nil
}
