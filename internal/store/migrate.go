package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// migrations are applied in order at open. Each entry bumps the schema
// version by one; existing data is preserved across upgrades.
var migrations = []string{
	// v1: core tables.
	`
	CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		po_name TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		last_message_source TEXT NOT NULL DEFAULT '',
		parent_session_id TEXT REFERENCES sessions(id),
		parent_po TEXT NOT NULL DEFAULT '',
		parent_message_id TEXT NOT NULL DEFAULT '',
		thread_type TEXT NOT NULL DEFAULT 'root',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX idx_sessions_po_name ON sessions(po_name);
	CREATE INDEX idx_sessions_parent ON sessions(parent_session_id);
	CREATE INDEX idx_sessions_source ON sessions(source);

	CREATE TABLE messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		from_po TEXT NOT NULL DEFAULT '',
		tool_calls TEXT,
		tool_results TEXT,
		usage TEXT,
		source TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_messages_session ON messages(session_id, created_at);
	`,

	// v2: bus event persistence.
	`
	CREATE TABLE events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		from_name TEXT NOT NULL,
		to_name TEXT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_events_created ON events(created_at);
	`,

	// v3: env data scoped to root threads.
	`
	CREATE TABLE env_data (
		root_thread_id TEXT NOT NULL,
		key TEXT NOT NULL,
		short_description TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL DEFAULT 'null',
		stored_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (root_thread_id, key)
	);
	`,

	// v4: full-text index over message content, kept in sync by triggers.
	`
	CREATE VIRTUAL TABLE messages_fts USING fts5(
		content,
		content='messages',
		content_rowid='rowid'
	);
	CREATE TRIGGER messages_fts_insert AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	CREATE TRIGGER messages_fts_delete AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content)
		VALUES ('delete', old.rowid, old.content);
	END;
	CREATE TRIGGER messages_fts_update AFTER UPDATE OF content ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content)
		VALUES ('delete', old.rowid, old.content);
		INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	`,
}

// SchemaVersion is the version a freshly migrated database ends at.
var SchemaVersion = len(migrations)

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	version, err := s.currentVersion()
	if err != nil {
		return err
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
	}
	return nil
}

func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// CurrentSchemaVersion returns the applied schema version.
func (s *Store) CurrentSchemaVersion() (int, error) {
	return s.currentVersion()
}
