package store

import (
	"context"
	"fmt"

	"github.com/promptobjects/promptobjects/pkg/models"
)

// ResolveRootThread walks parent pointers up to the session with no parent.
// The walk terminates because every non-root session references a session
// created before it.
func (s *Store) ResolveRootThread(ctx context.Context, sessionID string) (string, error) {
	current := sessionID
	for {
		session, err := s.GetSession(ctx, current)
		if err != nil {
			return "", fmt.Errorf("resolve root of %s: %w", sessionID, err)
		}
		if session.IsRoot() {
			return session.ID, nil
		}
		current = session.ParentSessionID
	}
}

// GetChildThreads returns the direct children of a session, oldest first.
func (s *Store) GetChildThreads(ctx context.Context, sessionID string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE parent_session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get child threads: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// GetThreadLineage returns the path from the root thread down to the given
// session, root first.
func (s *Store) GetThreadLineage(ctx context.Context, sessionID string) ([]*models.Session, error) {
	var lineage []*models.Session
	current := sessionID
	for current != "" {
		session, err := s.GetSession(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("lineage of %s: %w", sessionID, err)
		}
		lineage = append([]*models.Session{session}, lineage...)
		current = session.ParentSessionID
	}
	return lineage, nil
}

// GetThreadTree returns the session with its recursive delegation children.
// Messages are attached at every level when includeMessages is set.
func (s *Store) GetThreadTree(ctx context.Context, sessionID string, includeMessages bool) (*models.ThreadNode, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	node := &models.ThreadNode{Session: session}
	if includeMessages {
		msgs, err := s.GetMessages(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		node.Messages = msgs
	}

	children, err := s.GetChildThreads(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childNode, err := s.GetThreadTree(ctx, child.ID, includeMessages)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}
