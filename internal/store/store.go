// Package store implements the SQLite-backed thread store: persistent
// sessions, messages, delegation edges, bus events, env data, full-text
// search, exports, and usage aggregation.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned by reads whose target row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a single SQLite database. Writers serialize through writeMu;
// readers run concurrently under WAL.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

// Open opens (creating if necessary) the database at path, enables WAL, and
// applies any pending schema migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serializes
	// writes at the driver level as well.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for related stores and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
