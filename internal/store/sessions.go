package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/promptobjects/promptobjects/pkg/models"
)

const sessionColumns = `id, po_name, name, source, last_message_source,
	parent_session_id, parent_po, parent_message_id, thread_type, metadata,
	created_at, updated_at`

// CreateSession inserts a new session, assigning an ID and timestamps when
// absent. Non-root sessions must reference an existing parent.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is nil")
	}
	if session.PoName == "" {
		return fmt.Errorf("session po_name is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.ThreadType == "" {
		if session.ParentSessionID != "" {
			session.ThreadType = models.ThreadDelegation
		} else {
			session.ThreadType = models.ThreadRoot
		}
	}
	if session.ParentSessionID != "" && session.ThreadType == models.ThreadRoot {
		return fmt.Errorf("session with parent cannot be thread_type root")
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	metadata, err := json.Marshal(orEmptyMap(session.Metadata))
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, po_name, name, source, last_message_source,
			parent_session_id, parent_po, parent_message_id, thread_type,
			metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.PoName, session.Name, session.Source,
		session.LastMessageSource, nullable(session.ParentSessionID),
		session.ParentPO, session.ParentMessageID, string(session.ThreadType),
		string(metadata), formatTime(session.CreatedAt), formatTime(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetOrCreateSession returns the most recently updated root session owned by
// poName, creating one tagged with source when none exists.
func (s *Store) GetOrCreateSession(ctx context.Context, poName, source string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE po_name = ? AND parent_session_id IS NULL
		ORDER BY updated_at DESC LIMIT 1`, poName)
	session, err := scanSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	session = &models.Session{
		PoName:     poName,
		Source:     source,
		ThreadType: models.ThreadRoot,
	}
	if err := s.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSession persists mutable session fields (name, source tags, metadata)
// and bumps updated_at.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	metadata, err := json.Marshal(orEmptyMap(session.Metadata))
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	session.UpdatedAt = time.Now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET name = ?, source = ?, last_message_source = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?`,
		session.Name, session.Source, session.LastMessageSource,
		string(metadata), formatTime(session.UpdatedAt), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session, its messages, and its entire delegation
// subtree. Deleting a root session also clears its env data namespace.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	ids, err := s.subtreeIDs(ctx, id)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	// Children first so the parent foreign key is never dangling.
	for i := len(ids) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, ids[i]); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, ids[i]); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	if session.IsRoot() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM env_data WHERE root_thread_id = ?`, id); err != nil {
			return fmt.Errorf("delete env data: %w", err)
		}
	}
	return tx.Commit()
}

// ListSessionsOptions filters session listings.
type ListSessionsOptions struct {
	PoName string
	Source string
}

// ListSessions returns sessions matching the filter, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}
	if opts.PoName != "" {
		query += ` AND po_name = ?`
		args = append(args, opts.PoName)
	}
	if opts.Source != "" {
		query += ` AND source = ?`
		args = append(args, opts.Source)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// CountSessions returns the total number of sessions.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// subtreeIDs returns the session plus all descendants, parents before children.
func (s *Store) subtreeIDs(ctx context.Context, id string) ([]string, error) {
	ids := []string{id}
	frontier := []string{id}
	for len(frontier) > 0 {
		next := []string{}
		for _, parent := range frontier {
			rows, err := s.db.QueryContext(ctx,
				`SELECT id FROM sessions WHERE parent_session_id = ?`, parent)
			if err != nil {
				return nil, fmt.Errorf("list children: %w", err)
			}
			for rows.Next() {
				var child string
				if err := rows.Scan(&child); err != nil {
					rows.Close()
					return nil, err
				}
				next = append(next, child)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			rows.Close()
		}
		ids = append(ids, next...)
		frontier = next
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session           models.Session
		parentSessionID   sql.NullString
		threadType        string
		metadata          string
		created, updated  string
	)
	err := row.Scan(&session.ID, &session.PoName, &session.Name, &session.Source,
		&session.LastMessageSource, &parentSessionID, &session.ParentPO,
		&session.ParentMessageID, &threadType, &metadata, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.ParentSessionID = parentSessionID.String
	session.ThreadType = models.ThreadType(threadType)
	session.CreatedAt = parseTime(created)
	session.UpdatedAt = parseTime(updated)
	if metadata != "" && metadata != "{}" {
		_ = json.Unmarshal([]byte(metadata), &session.Metadata)
	}
	return &session, nil
}

func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
