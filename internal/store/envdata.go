package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/promptobjects/promptobjects/pkg/models"
)

// StoreEnvData inserts or replaces the entry at (rootThreadID, key). The
// latest write wins; short_description reflects the last writer.
func (s *Store) StoreEnvData(ctx context.Context, entry *models.EnvDataEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	if entry.RootThreadID == "" || entry.Key == "" {
		return fmt.Errorf("root_thread_id and key are required")
	}
	value := entry.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	now := time.Now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO env_data (root_thread_id, key, short_description, value,
			stored_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (root_thread_id, key) DO UPDATE SET
			short_description = excluded.short_description,
			value = excluded.value,
			stored_by = excluded.stored_by,
			updated_at = excluded.updated_at`,
		entry.RootThreadID, entry.Key, entry.ShortDescription, string(value),
		entry.StoredBy, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("store env data: %w", err)
	}
	return nil
}

// UpdateEnvData updates an existing entry. Returns false (writing nothing)
// when the key is absent.
func (s *Store) UpdateEnvData(ctx context.Context, entry *models.EnvDataEntry) (bool, error) {
	if entry == nil || entry.RootThreadID == "" || entry.Key == "" {
		return false, fmt.Errorf("root_thread_id and key are required")
	}
	value := entry.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE env_data SET short_description = ?, value = ?, stored_by = ?,
			updated_at = ?
		WHERE root_thread_id = ? AND key = ?`,
		entry.ShortDescription, string(value), entry.StoredBy,
		formatTime(time.Now()), entry.RootThreadID, entry.Key)
	if err != nil {
		return false, fmt.Errorf("update env data: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteEnvData removes the entry at (rootThreadID, key). Returns false when
// the key was absent.
func (s *Store) DeleteEnvData(ctx context.Context, rootThreadID, key string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM env_data WHERE root_thread_id = ? AND key = ?`,
		rootThreadID, key)
	if err != nil {
		return false, fmt.Errorf("delete env data: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEnvData returns the full entry, value included, or ErrNotFound.
func (s *Store) GetEnvData(ctx context.Context, rootThreadID, key string) (*models.EnvDataEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT root_thread_id, key, short_description, value, stored_by,
			created_at, updated_at
		FROM env_data WHERE root_thread_id = ? AND key = ?`,
		rootThreadID, key)

	entry, err := scanEnvData(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// ListEnvData returns all entries for a root thread without their values,
// keeping listings small enough for LLM context windows.
func (s *Store) ListEnvData(ctx context.Context, rootThreadID string) ([]*models.EnvDataEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT root_thread_id, key, short_description, stored_by,
			created_at, updated_at
		FROM env_data WHERE root_thread_id = ?
		ORDER BY key ASC`, rootThreadID)
	if err != nil {
		return nil, fmt.Errorf("list env data: %w", err)
	}
	defer rows.Close()

	var out []*models.EnvDataEntry
	for rows.Next() {
		entry, err := scanEnvData(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEnvData(row rowScanner, withValue bool) (*models.EnvDataEntry, error) {
	var (
		entry            models.EnvDataEntry
		value            string
		created, updated string
	)
	var err error
	if withValue {
		err = row.Scan(&entry.RootThreadID, &entry.Key, &entry.ShortDescription,
			&value, &entry.StoredBy, &created, &updated)
	} else {
		err = row.Scan(&entry.RootThreadID, &entry.Key, &entry.ShortDescription,
			&entry.StoredBy, &created, &updated)
	}
	if err != nil {
		return nil, err
	}
	if withValue {
		entry.Value = json.RawMessage(value)
	}
	entry.CreatedAt = parseTime(created)
	entry.UpdatedAt = parseTime(updated)
	return &entry, nil
}
