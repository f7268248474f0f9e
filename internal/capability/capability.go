// Package capability defines the uniform interface satisfied by everything
// invocable through the registry: primitives, prompt objects, and the
// built-in universal capabilities.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind distinguishes the three capability variants. The kinds form disjoint
// name namespaces in the registry.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindPO        Kind = "po"
	KindUniversal Kind = "universal"
)

// Capability is anything callable through the registry.
//
// Receive produces a textual result; structured values are stringified by the
// implementation. Errors returned from Receive are converted by the engine
// into error tool-results so the calling LLM can recover.
type Capability interface {
	// Name returns the unique capability name.
	Name() string

	// Description returns the human description shown in tool listings.
	Description() string

	// Parameters returns the JSON-Schema parameter declaration.
	Parameters() json.RawMessage

	// Kind returns the capability variant.
	Kind() Kind

	// Receive handles one message and returns a textual result.
	Receive(ctx context.Context, inv *Invocation) (string, error)
}

// Invocation carries a normalized incoming message plus dispatch metadata.
type Invocation struct {
	// Message is the normalized text of the incoming message.
	Message string

	// Payload carries the full decoded arguments object when the caller sent
	// structured arguments. Nil when the message was a plain string.
	Payload map[string]any

	// FromPO names the calling prompt object during delegation; empty for
	// human or front-end senders.
	FromPO string

	// SessionID identifies the session the call executes in, when known.
	SessionID string
}

// Normalize builds an Invocation from a raw tool-call argument blob. Messages
// to capabilities are duck-typed: either a bare string or an object with a
// "message" key plus extra fields.
func Normalize(raw json.RawMessage) *Invocation {
	inv := &Invocation{}
	if len(raw) == 0 {
		return inv
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		inv.Message = text
		return inv
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		inv.Payload = payload
		if msg, ok := payload["message"].(string); ok {
			inv.Message = msg
		} else {
			inv.Message = strings.TrimSpace(string(raw))
		}
		return inv
	}

	inv.Message = strings.TrimSpace(string(raw))
	return inv
}

// String returns a single-line argument value from the payload, or "".
func (inv *Invocation) String(key string) string {
	if inv.Payload == nil {
		return ""
	}
	if v, ok := inv.Payload[key].(string); ok {
		return v
	}
	return ""
}

// StringList returns a []string argument value from the payload, or nil.
func (inv *Invocation) StringList(key string) []string {
	if inv.Payload == nil {
		return nil
	}
	raw, ok := inv.Payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Value returns an arbitrary argument value from the payload.
func (inv *Invocation) Value(key string) (any, bool) {
	if inv.Payload == nil {
		return nil, false
	}
	v, ok := inv.Payload[key]
	return v, ok
}

// Descriptor is the provider-facing tool declaration derived from a
// capability. Descriptors are re-materialized from the registry on every turn
// so runtime-added capabilities become visible immediately.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Describe builds a descriptor for a capability, substituting an empty object
// schema when the capability declares no parameters.
func Describe(c Capability) Descriptor {
	params := c.Parameters()
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return Descriptor{
		Name:        c.Name(),
		Description: c.Description(),
		Parameters:  params,
	}
}

// MessageSchema is the parameter schema shared by all prompt objects: a single
// required free-text message.
var MessageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"message": {"type": "string", "description": "The message to send"}
	},
	"required": ["message"]
}`)

// ErrUnknown builds the structured error text returned for a tool call whose
// name resolves to nothing.
func ErrUnknown(name string) string {
	return fmt.Sprintf("unknown capability: %s", name)
}
