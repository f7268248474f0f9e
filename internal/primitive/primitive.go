// Package primitive implements code-backed capabilities: the shipped
// built-ins and runtime-authored primitives compiled from Starlark source.
package primitive

import (
	"context"
	"encoding/json"

	"github.com/promptobjects/promptobjects/internal/capability"
)

// Func is the handler signature for native primitives.
type Func func(ctx context.Context, inv *capability.Invocation) (string, error)

// Primitive is a capability implemented in native code.
type Primitive struct {
	name        string
	description string
	parameters  json.RawMessage
	fn          Func
}

// NewNative creates a native primitive.
func NewNative(name, description string, parameters json.RawMessage, fn Func) *Primitive {
	return &Primitive{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

func (p *Primitive) Name() string                { return p.name }
func (p *Primitive) Description() string         { return p.description }
func (p *Primitive) Parameters() json.RawMessage { return p.parameters }
func (p *Primitive) Kind() capability.Kind       { return capability.KindPrimitive }

func (p *Primitive) Receive(ctx context.Context, inv *capability.Invocation) (string, error) {
	return p.fn(ctx, inv)
}
