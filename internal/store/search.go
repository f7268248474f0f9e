package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/promptobjects/promptobjects/pkg/models"
)

// SearchSessions returns sessions containing messages matching the full-text
// query, ranked by match quality. An empty query returns an empty result.
// Source, when set, filters by the session's source tag.
func (s *Store) SearchSessions(ctx context.Context, query, source string) ([]*models.Session, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	sql := `
		SELECT ` + prefixedSessionColumns("s") + `
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		JOIN sessions s ON s.id = m.session_id
		WHERE messages_fts MATCH ?`
	args := []any{ftsQuery(query)}
	if source != "" {
		sql += ` AND s.source = ?`
		args = append(args, source)
	}
	sql += `
		GROUP BY s.id
		ORDER BY MIN(f.rank)`

	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax, and adds
// a trailing prefix match on the last term.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for i, term := range terms {
		term = strings.ReplaceAll(term, `"`, `""`)
		if i == len(terms)-1 {
			quoted = append(quoted, `"`+term+`"*`)
		} else {
			quoted = append(quoted, `"`+term+`"`)
		}
	}
	return strings.Join(quoted, " ")
}

func prefixedSessionColumns(prefix string) string {
	cols := strings.Split(sessionColumns, ",")
	for i, col := range cols {
		cols[i] = prefix + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
