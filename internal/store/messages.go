package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/promptobjects/promptobjects/pkg/models"
)

const messageColumns = `id, session_id, role, content, from_po, tool_calls,
	tool_results, usage, source, created_at`

// AddMessage appends a message to its session's ordered log, bumping the
// session's updated_at and last_message_source in the same transaction.
// Returns the message ID.
func (s *Store) AddMessage(ctx context.Context, msg *models.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message is nil")
	}
	if msg.SessionID == "" {
		return "", fmt.Errorf("message session_id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := marshalOrNull(msg.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	toolResults, err := marshalOrNull(msg.ToolResults)
	if err != nil {
		return "", fmt.Errorf("encode tool results: %w", err)
	}
	usage, err := marshalOrNull(msg.Usage)
	if err != nil {
		return "", fmt.Errorf("encode usage: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin add message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, from_po,
			tool_calls, tool_results, usage, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.FromPO,
		toolCalls, toolResults, usage, msg.Source, formatTime(msg.CreatedAt),
	); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	updatedAt := msg.CreatedAt
	if now := time.Now(); now.After(updatedAt) {
		updatedAt = now
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ?, last_message_source = ?
		WHERE id = ?`,
		formatTime(updatedAt), msg.Source, msg.SessionID)
	if err != nil {
		return "", fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("add message: session %s: %w", msg.SessionID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit add message: %w", err)
	}
	return msg.ID, nil
}

// GetMessages returns a session's messages in chronological order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ClearMessages removes all messages from a session but keeps the session.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg                            models.Message
		role, created                  string
		toolCalls, toolResults, usage  sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.FromPO,
		&toolCalls, &toolResults, &usage, &msg.Source, &created)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.Role(role)
	msg.CreatedAt = parseTime(created)
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if toolResults.Valid && toolResults.String != "" {
		if err := json.Unmarshal([]byte(toolResults.String), &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("decode tool results: %w", err)
		}
	}
	if usage.Valid && usage.String != "" {
		if err := json.Unmarshal([]byte(usage.String), &msg.Usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
	}
	return &msg, nil
}

func marshalOrNull(v any) (any, error) {
	switch val := v.(type) {
	case []models.ToolCall:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.ToolResult:
		if len(val) == 0 {
			return nil, nil
		}
	case *models.Usage:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
