// Package store is the SQLite persistence layer: obligations, cursors, the
// job queue, action-plan artifacts, and orchestrator state snapshots.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. Safe for concurrent use; SQLite's
// single-writer transactions provide the atomicity the job queue relies on.
type Store struct {
	db *sql.DB

	// MaxQueueDepth bounds queued jobs; 0 means the default.
	MaxQueueDepth int
}

// DefaultMaxQueueDepth bounds enqueue admission.
const DefaultMaxQueueDepth = 10000

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns.
	_, _ = db.Exec(`ALTER TABLE obligations ADD COLUMN snoozed_until DATETIME`)
	_, _ = db.Exec(`ALTER TABLE obligations ADD COLUMN lane_override TEXT DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE cursors ADD COLUMN last_run_ended_at DATETIME`)

	return &Store{db: db, MaxQueueDepth: DefaultMaxQueueDepth}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns the value for key, or "" when absent.
func (s *Store) GetSetting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}

// SetSetting upserts a settings key.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
