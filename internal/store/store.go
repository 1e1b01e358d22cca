// Package store implements the client-side local store: a full SQLite
// mirror of each server-side entity collection, plus the sync metadata,
// mutation queue, conflict log, and form draft tables.
//
// The store is the single source of truth read by the UI, the search index
// builder, and the sync manager. All writers (bulk puller, sync manager
// commit path, conflict resolver) treat writes as idempotent upserts keyed
// by id, so repeated writes from different paths converge.
//
// The database runs in embedded mode with WAL enabled for concurrent reads.
// Schema upgrades are tracked with PRAGMA user_version and are strictly
// additive: a version bump never drops or rewrites existing rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/shelfsync/shelfsync/internal/entity"
)

// ErrNotFound is returned when a record, mutation, or conflict does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection with sync-engine-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created along with the schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dir, "shelfsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the store. Performs a WAL checkpoint so all changes are
// persisted to the main database file.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// migrations holds the additive schema scripts, one per version. Script i
// upgrades a database at user_version i to user_version i+1. New versions
// append here; existing scripts never change.
var migrations = []string{
	// v1: entity mirrors, sync metadata, mutation queue, conflict log,
	// form drafts.
	entityTablesSQL() + `
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mutation_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		idempotency_key TEXT NOT NULL,
		operation TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT,
		payload TEXT NOT NULL,
		ts TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		baseline_updated_at TEXT,
		depends_on TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_idem_key
	    ON mutation_queue(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON mutation_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON mutation_queue(entity);
	CREATE INDEX IF NOT EXISTS idx_queue_ts ON mutation_queue(ts);

	CREATE TABLE IF NOT EXISTS conflict_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		local_data TEXT NOT NULL,
		server_data TEXT NOT NULL,
		conflict_fields TEXT NOT NULL,
		resolution TEXT,
		resolved_data TEXT,
		detected_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_entity_type ON conflict_log(entity_type);
	CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON conflict_log(detected_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON conflict_log(resolution);

	CREATE TABLE IF NOT EXISTS form_drafts (
		id TEXT PRIMARY KEY,
		fields TEXT NOT NULL,
		saved_at TEXT NOT NULL
	);
	`,
}

// entityTablesSQL generates the CREATE TABLE statements for all mirrored
// collections. Each mirror has the same shape: the record id, the server's
// updated_at version marker, and the full JSON record.
func entityTablesSQL() string {
	var b strings.Builder
	for _, kind := range entity.Kinds() {
		fmt.Fprintf(&b, `
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL
	);
	`, kind)
	}
	return b.String()
}

// migrate applies any pending schema scripts.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := version; v < len(migrations); v++ {
		if _, err := s.conn.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("failed to apply schema version %d: %w", v+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", v+1)); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", v+1, err)
		}
	}

	return nil
}

// SchemaVersion returns the current PRAGMA user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
