// Package db provides the embedded SQLite persistence layer for verisync.
//
// The database holds three kinds of records: one serialized
// LocalVerificationProgress per area, the append-only offline write queue,
// and the notification dedup set. It runs in embedded mode with WAL so the
// flusher can write while readers query.
//
// Workflow:
//  1. The UI verifies an item; the engine appends a queue entry and applies
//     the change to the in-memory snapshot
//  2. The store flushes the snapshot here asynchronously
//  3. The sync coordinator drains the queue against the remote store
//  4. On restart everything resumes from these tables, nothing is lost
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DB wraps the SQLite connection with verisync-specific operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables. The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(".verisync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads during flushes
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- One serialized LocalVerificationProgress per area
	CREATE TABLE IF NOT EXISTS area_progress (
		area_id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON snapshot
		sync_status TEXT NOT NULL DEFAULT 'synced',
		last_modified TEXT NOT NULL
	);

	-- Append-only offline write queue. Entries move through states instead
	-- of being deleted so a partially synced batch is safe to resume.
	CREATE TABLE IF NOT EXISTS queue_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,  -- client-generated mutation id
		area_id TEXT NOT NULL,
		kind TEXT NOT NULL,       -- verify_item, attach_photo, complete_inspection
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		state TEXT NOT NULL DEFAULT 'pending',  -- pending, synced, failed, review
		next_attempt_at TEXT
	);

	-- Notification dedup set, keyed (item, schedule type, period)
	CREATE TABLE IF NOT EXISTS notified (
		dedup_key TEXT PRIMARY KEY,
		notified_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_area_state ON queue_entries(area_id, state, seq);
	CREATE INDEX IF NOT EXISTS idx_queue_state ON queue_entries(state);
	CREATE INDEX IF NOT EXISTS idx_progress_status ON area_progress(sync_status);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
