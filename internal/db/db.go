package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// Open the database
	// Connection-scoped pragmas go in the DSN so every pooled connection gets them.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Bound the pool; sync runs and web requests share it.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA secure_delete=ON",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	// Run migrations
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// The file holds refresh tokens.
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Users table
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Syncs table; sources, source_names and source_icals hold JSON
		`CREATE TABLE IF NOT EXISTS syncs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			destination_calendar_id TEXT NOT NULL,
			destination_calendar_summary TEXT NOT NULL DEFAULT '',
			sources TEXT NOT NULL DEFAULT '[]',
			source_names TEXT NOT NULL DEFAULT '{}',
			source_icals TEXT NOT NULL DEFAULT '[]',
			event_prefix TEXT NOT NULL DEFAULT '',
			last_synced_at DATETIME,
			last_sync_status TEXT NOT NULL DEFAULT 'pending',
			last_sync_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_syncs_user_id ON syncs(user_id)`,

		// Sync logs table
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			sync_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			details TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (sync_id) REFERENCES syncs(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_sync_id ON sync_logs(sync_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at DESC)`,

		// Migration: per-sync window overrides (0 = engine default)
		`ALTER TABLE syncs ADD COLUMN window_past_days INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE syncs ADD COLUMN window_future_days INTEGER NOT NULL DEFAULT 0`,

		// Migration: run counters on sync_logs
		`ALTER TABLE sync_logs ADD COLUMN sources_synced INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_candidate INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_created INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_updated INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN events_failed INTEGER NOT NULL DEFAULT 0`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
