// Package store provides SQLite-based persistence for rewind.
// It keeps mutable engine state: the last known restored state used for
// conflict detection and the rollback history.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store represents the SQLite database store
type Store struct {
	db *sql.DB
}

// New creates a new store connection
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	return s, nil
}

// Open creates a store connection, ensures the schema and applies migrations.
func Open(dbPath string) (*Store, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Initialize creates the database schema
func (s *Store) Initialize() error {
	schema := `
	-- Last known restored state per checkpoint and path (conflict detection)
	CREATE TABLE IF NOT EXISTS restore_state (
		checkpoint_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		mode INTEGER NOT NULL,
		mod_time INTEGER NOT NULL,
		restored_at TEXT NOT NULL,
		PRIMARY KEY (checkpoint_id, path)
	);

	-- Rollback runs
	CREATE TABLE IF NOT EXISTS rollback_history (
		run_id TEXT PRIMARY KEY,
		checkpoint_id TEXT NOT NULL,
		partial BOOLEAN NOT NULL DEFAULT FALSE,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		state TEXT NOT NULL,
		restored INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		conflicts INTEGER NOT NULL DEFAULT 0,
		backup_checkpoint_id TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	-- Key/value engine markers
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	-- rewind schema version tracking
	CREATE TABLE IF NOT EXISTS rewind_schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_rollback_history_started ON rollback_history(started_at);
	CREATE INDEX IF NOT EXISTS idx_rollback_history_checkpoint ON rollback_history(checkpoint_id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version == 0 {
		// Fresh database: mark as current schema version
		_, err = s.db.Exec("INSERT OR REPLACE INTO rewind_schema_version (version) VALUES (?)", currentSchemaVersion)
		if err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	return nil
}

const currentSchemaVersion = 1

// schemaVersion returns the recorded schema version, 0 for a new database.
func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM rewind_schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// GetValue gets a value from the key-value store
func (s *Store) GetValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// setValue writes a key-value pair inside tx.
func setValue(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?",
		key, value, value,
	)
	return err
}

// timestampLayout is fixed-width so stored values sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTimestamp parses a timestamp string from SQLite in various formats
func parseTimestamp(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
