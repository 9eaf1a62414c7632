// Package cache implements the derived query cache: an embedded SQLite
// database mirroring the record store, plus the append-only event log and a
// small snapshot key/value table.
//
// The cache is never authoritative. Row content is written only by the
// reconciler (internal/reconcile); everything in the records table can be
// dropped and re-derived at any time. The event log is cache-resident but
// logically independent of record content: reconciliation rebuilds rows and
// leaves events untouched.
//
// The database runs in embedded mode (ncruces/go-sqlite3) with WAL so status
// queries stay fast while the single writer works.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DirName is the cache directory relative to the project root. Everything
// under it is disposable and must never be committed.
const DirName = ".loom-cache"

// DBFile is the SQLite database file name inside the cache directory.
const DBFile = "cache.db"

// ErrCorrupt signals that the cache storage is unreadable or inconsistent.
// The only defined recovery is delete-and-reconcile from the record store.
var ErrCorrupt = fmt.Errorf("cache storage corrupt")

// DB wraps the cache database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the cache database at path and ensures
// the schema exists. The caller must Close it.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS records (
	kind        TEXT NOT NULL,
	id          TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	updated_at  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (kind, id)
);

CREATE INDEX IF NOT EXISTS idx_records_status ON records(kind, status);

CREATE TABLE IF NOT EXISTS events (
	project_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	ts          TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (project_id, seq)
);

CREATE TABLE IF NOT EXISTS snapshot (
	key    TEXT PRIMARY KEY,
	value  TEXT NOT NULL
);
`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Check verifies the cache is structurally sound. Returns ErrCorrupt
// (wrapped with detail) if SQLite's integrity check fails or the expected
// tables are missing, in which case the caller must destroy and reconcile.
func (db *DB) Check() error {
	var result string
	if err := db.conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: integrity check failed: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check: %s", ErrCorrupt, result)
	}

	for _, table := range []string{"records", "events", "snapshot"} {
		var n int
		err := db.conn.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&n)
		if err != nil || n != 1 {
			return fmt.Errorf("%w: missing table %s", ErrCorrupt, table)
		}
	}
	return nil
}

// Destroy closes the database and removes its files (including WAL
// side files). Used by the corruption recovery path before a full rebuild.
func (db *DB) Destroy() error {
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache before destroy: %w", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(db.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", db.path+suffix, err)
		}
	}
	return nil
}
