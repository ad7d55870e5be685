package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB represents the mapping store connection.
//
// Reads go straight to SQLite; writes are serialized by a single lock so
// concurrent project workers never interleave statements on the same table.
type DB struct {
	*sql.DB
	writeMu sync.Mutex
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS item_mappings (
		source_id INTEGER PRIMARY KEY,
		source_rev INTEGER NOT NULL,
		project TEXT NOT NULL,
		counterpart_id TEXT NOT NULL UNIQUE,
		counterpart_updated_at TIMESTAMP,
		title TEXT NOT NULL,
		item_type TEXT NOT NULL,
		state TEXT NOT NULL,
		assigned_user_email TEXT NOT NULL DEFAULT '',
		assignee_id TEXT NOT NULL DEFAULT '',
		due_date TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		closed_since TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_item_mappings_project ON item_mappings(project);

	CREATE TABLE IF NOT EXISTS reviewer_mappings (
		request_id INTEGER NOT NULL,
		reviewer_email TEXT NOT NULL,
		repository_id TEXT NOT NULL,
		project TEXT NOT NULL,
		reviewer_name TEXT NOT NULL DEFAULT '',
		counterpart_id TEXT NOT NULL UNIQUE,
		counterpart_updated_at TIMESTAMP,
		vote_state TEXT NOT NULL,
		request_title TEXT NOT NULL,
		request_status TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (request_id, reviewer_email)
	);

	CREATE INDEX IF NOT EXISTS idx_reviewer_mappings_project ON reviewer_mappings(project, request_status);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		project TEXT PRIMARY KEY,
		last_sync_time TIMESTAMP NOT NULL
	);
	`

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// exec runs a write statement under the write lock
func (db *DB) exec(query string, args ...any) (sql.Result, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.Exec(query, args...)
}

// GetLastSyncTime gets the last sync time for a project
func (db *DB) GetLastSyncTime(project string) (time.Time, error) {
	var lastSyncTime time.Time
	query := `SELECT last_sync_time FROM sync_metadata WHERE project = ?`

	err := db.QueryRow(query, project).Scan(&lastSyncTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last sync time: %w", err)
	}

	return lastSyncTime, nil
}

// UpdateLastSyncTime updates the last sync time for a project
func (db *DB) UpdateLastSyncTime(project string, syncTime time.Time) error {
	query := `
	INSERT INTO sync_metadata (project, last_sync_time)
	VALUES (?, ?)
	ON CONFLICT(project) DO UPDATE SET
		last_sync_time = excluded.last_sync_time
	`

	_, err := db.exec(query, project, syncTime.UTC())
	if err != nil {
		return fmt.Errorf("failed to update last sync time: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
