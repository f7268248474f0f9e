package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/loader"
)

// PromptObject is the LLM-backed capability variant. Its configuration is
// copy-on-write: mutations swap the whole definition under the lock, so a
// running turn keeps the body it started with.
type PromptObject struct {
	engine *Engine

	mu  sync.RWMutex
	def *loader.Definition
}

// NewPromptObject wraps a parsed definition as a registrable capability.
func NewPromptObject(e *Engine, def *loader.Definition) *PromptObject {
	return &PromptObject{engine: e, def: def}
}

func (p *PromptObject) Name() string {
	// The name never changes after registration.
	return p.def.Name
}

func (p *PromptObject) Description() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.def.Description != "" {
		return p.def.Description
	}
	return "Prompt object " + p.def.Name
}

func (p *PromptObject) Parameters() json.RawMessage {
	return capability.MessageSchema
}

func (p *PromptObject) Kind() capability.Kind {
	return capability.KindPO
}

// Receive runs a full turn loop for this prompt object.
func (p *PromptObject) Receive(ctx context.Context, inv *capability.Invocation) (string, error) {
	return p.engine.runTurn(ctx, p, &turn{
		sessionID: inv.SessionID,
		fromPO:    inv.FromPO,
		message:   inv.Message,
	})
}

// Definition returns a copy of the current configuration.
func (p *PromptObject) Definition() loader.Definition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def := *p.def
	def.Capabilities = append([]string(nil), p.def.Capabilities...)
	return def
}

// Body returns the current system prompt.
func (p *PromptObject) Body() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.def.Body
}

// Capabilities returns the declared capability names.
func (p *PromptObject) Capabilities() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.def.Capabilities...)
}

// Update mutates the definition under the lock and persists it to the backing
// file. The mutation is rolled back if the save fails.
func (p *PromptObject) Update(mutate func(def *loader.Definition) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	updated := *p.def
	updated.Capabilities = append([]string(nil), p.def.Capabilities...)
	if err := mutate(&updated); err != nil {
		return err
	}
	if updated.Path != "" {
		if err := updated.Save(); err != nil {
			return err
		}
	}
	p.def = &updated
	return nil
}

// Reload swaps the definition for one re-parsed from disk.
func (p *PromptObject) Reload(def *loader.Definition) {
	p.mu.Lock()
	p.def = def
	p.mu.Unlock()
}
