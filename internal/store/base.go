// Package store provides the SQLite-backed durable log: threads, messages,
// and agents. All writes go through a single writer connection so sequence
// assignment and inserts serialize without an external coordinator.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	commonsqlite "github.com/agentbus/agentbus/internal/common/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-based storage operations for the bus.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a new Store with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'discuss',
			prev_status TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP
		)
	`); err != nil {
		return err
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			author_id TEXT NOT NULL DEFAULT '',
			author_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			mentions TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			UNIQUE (seq),
			UNIQUE (thread_id, seq)
		)
	`); err != nil {
		return err
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			ide TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '{}',
			token TEXT NOT NULL,
			registered_at TIMESTAMP NOT NULL,
			last_heartbeat_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL,
			last_activity_kind TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return err
	}

	// Single-row counter backing the bus-wide sequence. Seeded from MAX(seq)
	// so the counter recovers after restarts or external edits.
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS seq_counter (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			val INTEGER NOT NULL
		)
	`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`
		INSERT OR IGNORE INTO seq_counter (id, val)
		VALUES (1, COALESCE((SELECT MAX(seq) FROM messages), 0))
	`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`
		UPDATE seq_counter SET val = COALESCE((SELECT MAX(seq) FROM messages), 0)
		WHERE id = 1 AND val < COALESCE((SELECT MAX(seq) FROM messages), 0)
	`); err != nil {
		return err
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq)`); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies idempotent migrations for schema evolution.
func (s *Store) runMigrations() error {
	if err := commonsqlite.EnsureColumn(s.db.DB, "threads", "prev_status", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := commonsqlite.EnsureColumn(s.db.DB, "threads", "system_prompt", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return s.migrateArchivedFlag()
}

// migrateArchivedFlag folds the legacy is_archived boolean column into the
// status/prev_status pair. Databases written before archived became a status
// value carry is_archived=1 alongside the real status.
func (s *Store) migrateArchivedFlag() error {
	exists, err := commonsqlite.ColumnExists(s.db.DB, "threads", "is_archived")
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = s.db.Exec(`
		UPDATE threads
		SET prev_status = status, status = 'archived'
		WHERE is_archived = 1 AND status != 'archived'
	`)
	return err
}
