package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptobjects/promptobjects/pkg/models"
)

// ExportTruncateLimit bounds tool result content in rendered exports. Full
// content stays in the database; truncation happens only at render time.
const ExportTruncateLimit = 10000

const truncateMarker = "... (truncated)"

// SessionExport is the JSON export shape; ImportSession accepts the same.
type SessionExport struct {
	Session  *models.Session   `json:"session"`
	Messages []*models.Message `json:"messages"`
}

// ExportSessionJSON serializes one session with its messages.
func (s *Store) ExportSessionJSON(ctx context.Context, sessionID string) ([]byte, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(SessionExport{Session: session, Messages: msgs}, "", "  ")
}

// ImportSession recreates an exported session and its messages. The imported
// messages keep their order, roles, and content.
func (s *Store) ImportSession(ctx context.Context, data []byte) (*models.Session, error) {
	var export SessionExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("decode session export: %w", err)
	}
	if export.Session == nil {
		return nil, fmt.Errorf("session export missing session")
	}

	session := *export.Session
	// Imported sessions become roots in the target store; the original parent
	// may not exist there.
	session.ParentSessionID = ""
	session.ParentPO = ""
	session.ParentMessageID = ""
	session.ThreadType = models.ThreadRoot
	if err := s.CreateSession(ctx, &session); err != nil {
		return nil, err
	}
	for _, msg := range export.Messages {
		copied := *msg
		copied.SessionID = session.ID
		if _, err := s.AddMessage(ctx, &copied); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

// ExportThreadTreeJSON serializes a session and its delegation descendants,
// messages included.
func (s *Store) ExportThreadTreeJSON(ctx context.Context, sessionID string) ([]byte, error) {
	tree, err := s.GetThreadTree(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(tree, "", "  ")
}

// ExportSessionMarkdown renders one session as markdown.
func (s *Store) ExportSessionMarkdown(ctx context.Context, sessionID string) (string, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	msgs, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	writeSessionHeader(&b, session, 1)
	renderMessages(&b, msgs, nil, 2)
	return b.String(), nil
}

// ExportThreadTreeMarkdown renders a session and its delegation children.
// A delegation sub-thread is rendered between the parent's tool call and the
// matching tool result, never appended at the end.
func (s *Store) ExportThreadTreeMarkdown(ctx context.Context, sessionID string) (string, error) {
	tree, err := s.GetThreadTree(ctx, sessionID, true)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	renderThreadNode(&b, tree, 1)
	return b.String(), nil
}

func renderThreadNode(b *strings.Builder, node *models.ThreadNode, level int) {
	writeSessionHeader(b, node.Session, level)

	// Delegation children attach to the assistant message that spawned them.
	childrenByMessage := map[string][]*models.ThreadNode{}
	for _, child := range node.Children {
		key := child.Session.ParentMessageID
		childrenByMessage[key] = append(childrenByMessage[key], child)
	}
	renderMessages(b, node.Messages, func(msg *models.Message, call models.ToolCall) *models.ThreadNode {
		candidates := childrenByMessage[msg.ID]
		for i, child := range candidates {
			if child.Session.PoName == call.Name {
				childrenByMessage[msg.ID] = append(candidates[:i], candidates[i+1:]...)
				return child
			}
		}
		return nil
	}, level+1)

	// Children whose parent message is unknown (imported or repaired trees)
	// still render, after the parent transcript.
	for _, remaining := range childrenByMessage {
		for _, child := range remaining {
			renderThreadNode(b, child, level+1)
		}
	}
}

func writeSessionHeader(b *strings.Builder, session *models.Session, level int) {
	heading := strings.Repeat("#", level)
	title := session.Name
	if title == "" {
		title = session.PoName
	}
	fmt.Fprintf(b, "%s Thread: %s\n\n", heading, title)
	fmt.Fprintf(b, "- PO: %s\n", session.PoName)
	fmt.Fprintf(b, "- ID: %s\n", session.ID)
	if session.ParentPO != "" {
		fmt.Fprintf(b, "- Delegated by: %s\n", session.ParentPO)
	}
	fmt.Fprintf(b, "- Type: %s\n\n", session.ThreadType)
}

// resolveChild maps an assistant message's tool call to the delegation
// sub-thread it spawned, or nil.
type resolveChild func(msg *models.Message, call models.ToolCall) *models.ThreadNode

func renderMessages(b *strings.Builder, msgs []*models.Message, resolve resolveChild, level int) {
	heading := strings.Repeat("#", min(level, 6))

	// Index tool results by tool_call_id across the transcript.
	results := map[string]models.ToolResult{}
	for _, msg := range msgs {
		for _, res := range msg.ToolResults {
			results[res.ToolCallID] = res
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			sender := "user"
			if msg.FromPO != "" {
				sender = msg.FromPO
			}
			fmt.Fprintf(b, "%s %s\n\n%s\n\n", heading, sender, msg.Content)

		case models.RoleAssistant:
			fmt.Fprintf(b, "%s assistant\n\n", heading)
			if msg.Content != "" {
				fmt.Fprintf(b, "%s\n\n", msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(b, "%s# tool_call: %s\n\n```json\n%s\n```\n\n",
					heading, call.Name, string(call.Arguments))
				if resolve != nil {
					if child := resolve(msg, call); child != nil {
						renderThreadNode(b, child, level+1)
					}
				}
				if res, ok := results[call.ID]; ok {
					fmt.Fprintf(b, "%s# tool_result: %s\n\n%s\n\n",
						heading, res.Name, truncateForExport(res.Content))
				}
			}

		case models.RoleTool:
			// Tool results render inline under their tool calls.
		}
	}
}

func truncateForExport(content string) string {
	runes := []rune(content)
	if len(runes) <= ExportTruncateLimit {
		return content
	}
	return string(runes[:ExportTruncateLimit]) + truncateMarker
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
