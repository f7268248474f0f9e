package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents an LLM's request to invoke a capability.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a capability invocation,
// keyed by the originating tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage records per-response token accounting from an LLM provider.
type Usage struct {
	InputTokens         int    `json:"input_tokens"`
	OutputTokens        int    `json:"output_tokens"`
	CacheCreationTokens int    `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int    `json:"cache_read_tokens,omitempty"`
	Model               string `json:"model,omitempty"`
	Provider            string `json:"provider,omitempty"`
}

// Message is one row in a session's ordered log.
//
// Role determines which fields are meaningful:
//   - user: Content, plus FromPO when another prompt object sent it
//   - assistant: Content, ToolCalls, Usage
//   - tool: ToolResults
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	FromPO      string       `json:"from_po,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Usage       *Usage       `json:"usage,omitempty"`
	Source      string       `json:"source,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}
