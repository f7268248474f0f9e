// Package llm defines the narrow adapter contract the engine needs from any
// LLM provider, plus the Anthropic and OpenAI implementations and a scripted
// provider for tests and offline runs.
package llm

import (
	"context"
	"errors"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/pkg/models"
)

// ErrNoAPIKey is returned when a provider is constructed without credentials.
var ErrNoAPIKey = errors.New("llm: API key is required")

// Message is one turn of session history in the adapter's role vocabulary.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// Request carries everything a provider needs for one completion.
type Request struct {
	// System is the prompt object's body, sent as the system prompt verbatim.
	System string

	// Messages is the full session history in chronological order.
	Messages []Message

	// Tools is the descriptor list derived from the registry for this turn.
	Tools []capability.Descriptor

	// Model overrides the provider default when set.
	Model string

	// MaxTokens limits the response length; 0 uses the provider default.
	MaxTokens int
}

// Chunk is one element of a streaming response. Text chunks arrive in order;
// complete tool calls arrive as they finish assembling; the final chunk has
// Done set and carries the usage record.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
	Usage    *models.Usage
	Error    error
}

// Provider is the only interface the engine needs from any LLM backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Chat sends the request and streams the response. The channel is closed
	// after the Done (or Error) chunk.
	Chat(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name identifies the provider ("anthropic", "openai", "scripted").
	Name() string
}
