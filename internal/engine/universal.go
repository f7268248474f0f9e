package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/humanq"
	"github.com/promptobjects/promptobjects/internal/loader"
	"github.com/promptobjects/promptobjects/internal/primitive"
	"github.com/promptobjects/promptobjects/pkg/models"
)

// universalHandler produces a textual result. Universals never raise: internal
// failures are rendered as error text so the calling LLM can recover.
type universalHandler func(ctx context.Context, inv *capability.Invocation) string

type universalCap struct {
	name        string
	description string
	parameters  json.RawMessage
	handler     universalHandler
}

func (u *universalCap) Name() string                { return u.name }
func (u *universalCap) Description() string         { return u.description }
func (u *universalCap) Parameters() json.RawMessage { return u.parameters }
func (u *universalCap) Kind() capability.Kind       { return capability.KindUniversal }

func (u *universalCap) Receive(ctx context.Context, inv *capability.Invocation) (string, error) {
	return u.handler(ctx, inv), nil
}

func fail(format string, args ...any) string {
	return "error: " + fmt.Sprintf(format, args...)
}

// registerUniversals installs the built-in capabilities available to every
// prompt object without declaration.
func (e *Engine) registerUniversals() error {
	universals := []*universalCap{
		{
			name:        "ask_human",
			description: "Ask the human a question and wait for their response",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"question": {"type": "string", "description": "The question to ask"},
					"options": {"type": "array", "items": {"type": "string"}, "description": "Optional fixed choices"}
				},
				"required": ["question"]
			}`),
			handler: e.askHuman,
		},
		{
			name:        "think",
			description: "Record structured reasoning without calling anything; returns the submitted text",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"thought": {"type": "string", "description": "The reasoning to record"}
				},
				"required": ["thought"]
			}`),
			handler: func(ctx context.Context, inv *capability.Invocation) string {
				if thought := inv.String("thought"); thought != "" {
					return thought
				}
				return inv.Message
			},
		},
		{
			name:        "modify_prompt",
			description: "Replace your own system prompt; persists to your definition file",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"prompt": {"type": "string", "description": "The new system prompt body"}
				},
				"required": ["prompt"]
			}`),
			handler: e.modifyPrompt,
		},
		{
			name:        "create_capability",
			description: "Create a new capability: a prompt object or a primitive",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"kind": {"type": "string", "enum": ["po", "primitive"], "description": "What to create"},
					"name": {"type": "string", "description": "Name for a new prompt object"},
					"description": {"type": "string", "description": "Description for a new prompt object"},
					"prompt": {"type": "string", "description": "System prompt body for a new prompt object"},
					"capabilities": {"type": "array", "items": {"type": "string"}, "description": "Capabilities the new prompt object may call"},
					"code": {"type": "string", "description": "Starlark source for a new primitive"}
				},
				"required": ["kind"]
			}`),
			handler: e.createCapability,
		},
		{
			name:        "add_capability",
			description: "Add a capability name to your declared capability list",
			parameters:  nameParamSchema("Capability name to add"),
			handler:     e.addCapability,
		},
		{
			name:        "remove_capability",
			description: "Remove a capability name from your declared capability list",
			parameters:  nameParamSchema("Capability name to remove"),
			handler:     e.removeCapability,
		},
		{
			name:        "list_capabilities",
			description: "List capabilities with names and descriptions",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"filter": {"type": "string", "enum": ["all", "po", "primitive", "universal", "active"], "description": "Which capabilities to list"}
				}
			}`),
			handler: e.listCapabilities,
		},
		{
			name:        "create_primitive",
			description: "Compile and register a new primitive from Starlark source",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"code": {"type": "string", "description": "Starlark source defining name, description, parameters() and receive(message, context)"}
				},
				"required": ["code"]
			}`),
			handler: func(ctx context.Context, inv *capability.Invocation) string {
				prim, err := e.primitives.Create(inv.String("code"))
				if err != nil {
					return fail("%v", err)
				}
				return fmt.Sprintf("primitive %s created and registered", prim.Name())
			},
		},
		{
			name:        "modify_primitive",
			description: "Replace an existing primitive's code",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Primitive to modify"},
					"code": {"type": "string", "description": "Replacement Starlark source"}
				},
				"required": ["name", "code"]
			}`),
			handler: func(ctx context.Context, inv *capability.Invocation) string {
				if _, err := e.primitives.Modify(inv.String("name"), inv.String("code")); err != nil {
					return fail("%v", err)
				}
				return fmt.Sprintf("primitive %s modified", inv.String("name"))
			},
		},
		{
			name:        "delete_primitive",
			description: "Unregister a runtime-authored primitive and remove its file",
			parameters:  nameParamSchema("Primitive to delete"),
			handler: func(ctx context.Context, inv *capability.Invocation) string {
				if err := e.primitives.Delete(inv.String("name")); err != nil {
					return fail("%v", err)
				}
				return fmt.Sprintf("primitive %s deleted", inv.String("name"))
			},
		},
		{
			name:        "verify_primitive",
			description: "Execute primitive code against a sample input without persisting anything",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"code": {"type": "string", "description": "Starlark source to verify"},
					"input": {"type": "string", "description": "Sample input message or JSON arguments"}
				},
				"required": ["code"]
			}`),
			handler: func(ctx context.Context, inv *capability.Invocation) string {
				result, err := e.primitives.Verify(ctx, inv.String("code"), inv.String("input"))
				if err != nil {
					return fail("%v", err)
				}
				return result
			},
		},
		{
			name:        "list_primitives",
			description: "List primitives, optionally filtered",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"filter": {"type": "string", "enum": ["all", "stdlib", "custom"], "description": "Which primitives to list"}
				}
			}`),
			handler: e.listPrimitives,
		},
		{
			name:        "store_env_data",
			description: "Store a value in the shared env data space of this delegation tree",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string", "description": "Unique key within the delegation tree"},
					"short_description": {"type": "string", "description": "One-line summary shown in listings"},
					"value": {"description": "Arbitrary JSON value to store"}
				},
				"required": ["key", "short_description", "value"]
			}`),
			handler: e.storeEnvData,
		},
		{
			name:        "update_env_data",
			description: "Update an existing env data entry; fails when the key is absent",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string", "description": "Key to update"},
					"short_description": {"type": "string", "description": "Replacement summary"},
					"value": {"description": "Replacement JSON value"}
				},
				"required": ["key", "value"]
			}`),
			handler: e.updateEnvData,
		},
		{
			name:        "delete_env_data",
			description: "Delete an env data entry",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string", "description": "Key to delete"}
				},
				"required": ["key"]
			}`),
			handler: e.deleteEnvData,
		},
		{
			name:        "get_env_data",
			description: "Fetch the value of an env data entry",
			parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string", "description": "Key to fetch"}
				},
				"required": ["key"]
			}`),
			handler: e.getEnvData,
		},
		{
			name:        "list_env_data",
			description: "List env data entries for this delegation tree (descriptions only, not values)",
			parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			handler:     e.listEnvData,
		},
	}

	for _, u := range universals {
		if err := e.registry.Register(u); err != nil {
			return err
		}
	}
	return nil
}

func nameParamSchema(description string) json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": description},
		},
		"required": []string{"name"},
	}
	data, _ := json.Marshal(schema)
	return data
}

func (e *Engine) askHuman(ctx context.Context, inv *capability.Invocation) string {
	question := inv.String("question")
	if question == "" {
		question = inv.Message
	}
	if question == "" {
		return fail("question is required")
	}

	req := e.queue.Enqueue(inv.FromPO, question, inv.StringList("options"))
	e.bus.Notify(req)
	e.bus.POStateChanged(inv.FromPO, models.POWaiting)

	response, err := e.queue.Await(ctx, req.ID)
	e.bus.POStateChanged(inv.FromPO, models.POCallingTool)
	if err != nil {
		if errors.Is(err, humanq.ErrCancelled) {
			e.bus.NotifyResolved(req.ID, "")
			return "The human cancelled the request."
		}
		return fail("%v", err)
	}
	e.bus.NotifyResolved(req.ID, response)
	return response
}

func (e *Engine) modifyPrompt(ctx context.Context, inv *capability.Invocation) string {
	po, err := e.promptObject(inv.FromPO)
	if err != nil {
		return fail("%v", err)
	}
	prompt := inv.String("prompt")
	if prompt == "" {
		return fail("prompt is required")
	}
	if err := po.Update(func(def *loader.Definition) error {
		def.Body = prompt
		return nil
	}); err != nil {
		return fail("%v", err)
	}
	return fmt.Sprintf("prompt for %s updated", po.Name())
}

func (e *Engine) createCapability(ctx context.Context, inv *capability.Invocation) string {
	switch inv.String("kind") {
	case "primitive":
		prim, err := e.primitives.Create(inv.String("code"))
		if err != nil {
			return fail("%v", err)
		}
		return fmt.Sprintf("primitive %s created and registered", prim.Name())

	case "po":
		name := inv.String("name")
		if name == "" {
			return fail("name is required to create a prompt object")
		}
		prompt := inv.String("prompt")
		if prompt == "" {
			return fail("prompt is required to create a prompt object")
		}
		def := &loader.Definition{
			Frontmatter: loader.Frontmatter{
				Name:         name,
				Description:  inv.String("description"),
				Capabilities: inv.StringList("capabilities"),
			},
			Body: prompt,
		}
		if err := e.CreatePO(def); err != nil {
			return fail("%v", err)
		}
		return fmt.Sprintf("prompt object %s created and registered", name)

	default:
		return fail("kind must be %q or %q", "po", "primitive")
	}
}

// CreatePO persists a new prompt object definition under objects/ and
// registers it. Used by create_capability and the CLI scaffolder.
func (e *Engine) CreatePO(def *loader.Definition) error {
	path, err := e.objectPath(def.Name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("prompt object %q already exists", def.Name)
	}
	if e.registry.Has(def.Name) {
		return fmt.Errorf("capability %q already registered", def.Name)
	}
	def.Path = path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create objects dir: %w", err)
	}
	if err := def.Save(); err != nil {
		return err
	}
	if err := e.registry.Register(NewPromptObject(e, def)); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (e *Engine) objectPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("prompt object name is required")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return "", fmt.Errorf("invalid prompt object name %q", name)
		}
	}
	return filepath.Join(e.objectsDir, name+".md"), nil
}

func (e *Engine) addCapability(ctx context.Context, inv *capability.Invocation) string {
	po, err := e.promptObject(inv.FromPO)
	if err != nil {
		return fail("%v", err)
	}
	name := inv.String("name")
	if name == "" {
		return fail("name is required")
	}
	if err := po.Update(func(def *loader.Definition) error {
		for _, existing := range def.Capabilities {
			if existing == name {
				return fmt.Errorf("capability %q already declared", name)
			}
		}
		def.Capabilities = append(def.Capabilities, name)
		return nil
	}); err != nil {
		return fail("%v", err)
	}
	return fmt.Sprintf("added %s to %s's capabilities", name, po.Name())
}

func (e *Engine) removeCapability(ctx context.Context, inv *capability.Invocation) string {
	po, err := e.promptObject(inv.FromPO)
	if err != nil {
		return fail("%v", err)
	}
	name := inv.String("name")
	if err := po.Update(func(def *loader.Definition) error {
		for i, existing := range def.Capabilities {
			if existing == name {
				def.Capabilities = append(def.Capabilities[:i], def.Capabilities[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("capability %q is not declared", name)
	}); err != nil {
		return fail("%v", err)
	}
	return fmt.Sprintf("removed %s from %s's capabilities", name, po.Name())
}

func (e *Engine) listCapabilities(ctx context.Context, inv *capability.Invocation) string {
	filter := inv.String("filter")
	if filter == "" {
		filter = "all"
	}

	var caps []capability.Capability
	switch filter {
	case "all":
		caps = e.registry.List("")
	case "po":
		caps = e.registry.List(capability.KindPO)
	case "primitive":
		caps = e.registry.List(capability.KindPrimitive)
	case "universal":
		caps = e.registry.List(capability.KindUniversal)
	case "active":
		po, err := e.promptObject(inv.FromPO)
		if err != nil {
			return fail("%v", err)
		}
		snapshot := e.registry.Snapshot()
		for _, name := range po.Capabilities() {
			if target, ok := snapshot[name]; ok {
				caps = append(caps, target)
			}
		}
		caps = append(caps, e.registry.List(capability.KindUniversal)...)
	default:
		return fail("unknown filter %q", filter)
	}

	if len(caps) == 0 {
		return "(no capabilities)"
	}
	var b strings.Builder
	for _, c := range caps {
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.Name(), c.Kind(), c.Description())
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) listPrimitives(ctx context.Context, inv *capability.Invocation) string {
	filter := inv.String("filter")
	var lines []string
	for _, c := range e.registry.List(capability.KindPrimitive) {
		_, custom := c.(*primitive.StarlarkPrimitive)
		switch filter {
		case "stdlib":
			if custom {
				continue
			}
		case "custom":
			if !custom {
				continue
			}
		}
		origin := "stdlib"
		if custom {
			origin = "custom"
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", c.Name(), origin, c.Description()))
	}
	if len(lines) == 0 {
		return "(no primitives)"
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func (e *Engine) promptObject(name string) (*PromptObject, error) {
	target := e.registry.Get(name)
	if target == nil {
		return nil, fmt.Errorf("unknown prompt object %q", name)
	}
	po, ok := target.(*PromptObject)
	if !ok {
		return nil, fmt.Errorf("%q is not a prompt object", name)
	}
	return po, nil
}
