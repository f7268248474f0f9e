package store

import (
	"context"
	"fmt"
	"time"

	"github.com/promptobjects/promptobjects/pkg/models"
)

// AddEvent persists a bus event. Implements the bus EventSink interface.
func (s *Store) AddEvent(ctx context.Context, event *models.BusEvent) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, from_name, to_name, content, summary,
			event_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.From, event.To, event.Content, event.Summary,
		event.Type, formatTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("add event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEventsSince returns events created at or after the given time, oldest
// first. Used for catch-up after a front-end reconnects.
func (s *Store) GetEventsSince(ctx context.Context, since time.Time) ([]*models.BusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, from_name, to_name, content, summary,
			event_type, created_at
		FROM events WHERE created_at >= ?
		ORDER BY id ASC`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("get events since: %w", err)
	}
	defer rows.Close()

	var out []*models.BusEvent
	for rows.Next() {
		var (
			event   models.BusEvent
			created string
		)
		if err := rows.Scan(&event.ID, &event.SessionID, &event.From, &event.To,
			&event.Content, &event.Summary, &event.Type, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.CreatedAt = parseTime(created)
		out = append(out, &event)
	}
	return out, rows.Err()
}

// RecentEvents returns the last n events, oldest first.
func (s *Store) RecentEvents(ctx context.Context, n int) ([]*models.BusEvent, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, from_name, to_name, content, summary,
			event_type, created_at
		FROM (
			SELECT * FROM events ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []*models.BusEvent
	for rows.Next() {
		var (
			event   models.BusEvent
			created string
		)
		if err := rows.Scan(&event.ID, &event.SessionID, &event.From, &event.To,
			&event.Content, &event.Summary, &event.Type, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.CreatedAt = parseTime(created)
		out = append(out, &event)
	}
	return out, rows.Err()
}
