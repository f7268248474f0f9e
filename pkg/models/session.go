package models

import "time"

// Source tags the front-end or interface a session was created through.
const (
	SourceTUI = "tui"
	SourceMCP = "mcp"
	SourceWeb = "web"
	SourceAPI = "api"
)

// ThreadType classifies how a session relates to its parent.
type ThreadType string

const (
	ThreadRoot         ThreadType = "root"
	ThreadDelegation   ThreadType = "delegation"
	ThreadFork         ThreadType = "fork"
	ThreadContinuation ThreadType = "continuation"
)

// Session is an ordered message history scoped to a single prompt object.
// Non-root sessions carry delegation edges back to the parent session.
type Session struct {
	ID                string         `json:"id"`
	PoName            string         `json:"po_name"`
	Name              string         `json:"name,omitempty"`
	Source            string         `json:"source,omitempty"`
	LastMessageSource string         `json:"last_message_source,omitempty"`
	ParentSessionID   string         `json:"parent_session_id,omitempty"`
	ParentPO          string         `json:"parent_po,omitempty"`
	ParentMessageID   string         `json:"parent_message_id,omitempty"`
	ThreadType        ThreadType     `json:"thread_type"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsRoot reports whether the session is the root of its delegation tree.
func (s *Session) IsRoot() bool {
	return s.ParentSessionID == ""
}

// ThreadNode is a session with its (optional) messages and recursive children,
// as returned by thread tree queries.
type ThreadNode struct {
	Session  *Session      `json:"session"`
	Messages []*Message    `json:"messages,omitempty"`
	Children []*ThreadNode `json:"children,omitempty"`
}
