package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/promptobjects/promptobjects/pkg/models"
)

// ErrScriptExhausted is returned when a scripted provider runs out of turns.
var ErrScriptExhausted = errors.New("llm: scripted provider has no more turns")

// ScriptedTurn is one canned response. Text is streamed in word-sized chunks,
// then tool calls, then a Done chunk.
type ScriptedTurn struct {
	Text      string
	ToolCalls []models.ToolCall
	Err       error
}

// ScriptedProvider replays a fixed sequence of turns. It backs tests and
// offline runs where no real provider is available.
type ScriptedProvider struct {
	mu    sync.Mutex
	turns []ScriptedTurn

	// Requests records every request seen, for assertions.
	Requests []*Request
}

// NewScriptedProvider creates a provider that replays turns in order.
func NewScriptedProvider(turns ...ScriptedTurn) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

// Name returns "scripted".
func (p *ScriptedProvider) Name() string {
	return "scripted"
}

// Push appends more turns to the script.
func (p *ScriptedProvider) Push(turns ...ScriptedTurn) {
	p.mu.Lock()
	p.turns = append(p.turns, turns...)
	p.mu.Unlock()
}

// Chat implements Provider by replaying the next scripted turn.
func (p *ScriptedProvider) Chat(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		if turn.Err != nil {
			select {
			case chunks <- &Chunk{Error: turn.Err, Done: true}:
			case <-ctx.Done():
			}
			return
		}
		if turn.Text != "" {
			select {
			case chunks <- &Chunk{Text: turn.Text}:
			case <-ctx.Done():
				return
			}
		}
		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			select {
			case chunks <- &Chunk{ToolCall: &call}:
			case <-ctx.Done():
				return
			}
		}
		usage := &models.Usage{
			InputTokens:  len(req.Messages) + 1,
			OutputTokens: len(turn.Text)/4 + 1,
			Model:        "scripted",
			Provider:     "scripted",
		}
		select {
		case chunks <- &Chunk{Done: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return chunks, nil
}
