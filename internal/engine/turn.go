package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/llm"
	"github.com/promptobjects/promptobjects/pkg/models"
)

// ErrNoProvider is returned when a turn starts with no LLM provider configured.
var ErrNoProvider = errors.New("no llm provider configured")

// ErrMaxIterations is returned when a turn exceeds the configured bound.
var ErrMaxIterations = errors.New("turn exceeded maximum iterations")

// turn carries the dispatch metadata for one incoming message.
type turn struct {
	sessionID string
	source    string
	fromPO    string
	message   string
}

// SendOptions direct where and how an incoming message is delivered.
type SendOptions struct {
	// SessionID targets an existing session. Empty resolves the PO's latest
	// root session, creating one when none exists.
	SessionID string

	// Source tags newly created sessions and messages (tui, mcp, web, api).
	Source string
}

// SendMessage delivers a message to a prompt object and returns its final
// assistant text. This is the entry point used by all connectors.
func (e *Engine) SendMessage(ctx context.Context, poName, message string, opts SendOptions) (string, error) {
	target := e.registry.Get(poName)
	if target == nil {
		return "", fmt.Errorf("unknown prompt object %q", poName)
	}
	po, ok := target.(*PromptObject)
	if !ok {
		return "", fmt.Errorf("%q is not a prompt object", poName)
	}
	return e.runTurn(ctx, po, &turn{
		sessionID: opts.SessionID,
		source:    opts.Source,
		message:   message,
	})
}

// runTurn is the central loop: resolve session, persist the incoming message,
// then iterate LLM call → tool dispatch until a turn ends with plain text.
func (e *Engine) runTurn(ctx context.Context, po *PromptObject, t *turn) (string, error) {
	poName := po.Name()

	session, err := e.resolveSession(ctx, po, t)
	if err != nil {
		return "", &TurnError{Phase: "resolve_session", PoName: poName, Err: err}
	}

	userMsg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   t.message,
		FromPO:    t.fromPO,
		Source:    t.source,
	}
	if _, err := e.store.AddMessage(ctx, userMsg); err != nil {
		return "", &TurnError{Phase: "persist", PoName: poName, Err: err}
	}

	sender := t.fromPO
	if sender == "" {
		sender = "user"
	}
	e.bus.Publish(&models.BusEvent{
		From:      sender,
		To:        poName,
		Content:   t.message,
		SessionID: session.ID,
		Type:      "message",
	})

	for iteration := 1; ; iteration++ {
		if e.maxIterations > 0 && iteration > e.maxIterations {
			e.bus.POStateChanged(poName, models.POIdle)
			return "", &TurnError{Phase: "loop", PoName: poName, Iteration: iteration, Err: ErrMaxIterations}
		}

		content, toolCalls, usage, err := e.completeOnce(ctx, po, session)
		if err != nil {
			e.bus.POStateChanged(poName, models.POIdle)
			return "", &TurnError{Phase: "llm", PoName: poName, Iteration: iteration, Err: err}
		}

		state := models.POIdle
		if len(toolCalls) > 0 {
			state = models.POCallingTool
		}
		e.bus.POStateChanged(poName, state)

		assistant := &models.Message{
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
			Usage:     usage,
			Source:    t.source,
		}
		assistantID, err := e.store.AddMessage(ctx, assistant)
		if err != nil {
			e.bus.POStateChanged(poName, models.POIdle)
			return "", &TurnError{Phase: "persist", PoName: poName, Iteration: iteration, Err: err}
		}

		if len(toolCalls) == 0 {
			e.bus.Publish(&models.BusEvent{
				From:      poName,
				To:        sender,
				Content:   content,
				SessionID: session.ID,
				Type:      "message",
			})
			e.bus.POStateChanged(poName, models.POIdle)
			return content, nil
		}

		// Tool calls execute strictly in emission order; their results are
		// bundled into one tool-role message. A cancellation mid-phase aborts
		// the turn without writing the tool row.
		results := make([]models.ToolResult, 0, len(toolCalls))
		for _, call := range toolCalls {
			if ctx.Err() != nil {
				e.bus.POStateChanged(poName, models.POIdle)
				return "", &TurnError{Phase: "tools", PoName: poName, Iteration: iteration, Err: ctx.Err()}
			}
			results = append(results, e.executeToolCall(ctx, po, session, assistantID, call))
		}
		if ctx.Err() != nil {
			e.bus.POStateChanged(poName, models.POIdle)
			return "", &TurnError{Phase: "tools", PoName: poName, Iteration: iteration, Err: ctx.Err()}
		}

		toolMsg := &models.Message{
			SessionID:   session.ID,
			Role:        models.RoleTool,
			ToolResults: results,
			Source:      t.source,
		}
		if _, err := e.store.AddMessage(ctx, toolMsg); err != nil {
			e.bus.POStateChanged(poName, models.POIdle)
			return "", &TurnError{Phase: "persist", PoName: poName, Iteration: iteration, Err: err}
		}
	}
}

// resolveSession finds or creates the session the turn runs in.
func (e *Engine) resolveSession(ctx context.Context, po *PromptObject, t *turn) (*models.Session, error) {
	if t.sessionID != "" {
		session, err := e.store.GetSession(ctx, t.sessionID)
		if err != nil {
			return nil, err
		}
		if t.source == "" {
			t.source = session.Source
		}
		return session, nil
	}
	session, err := e.store.GetOrCreateSession(ctx, po.Name(), t.source)
	if err != nil {
		return nil, err
	}
	t.sessionID = session.ID
	return session, nil
}

// completeOnce streams one LLM completion, forwarding text chunks to the bus
// and accumulating the final content, tool calls, and usage.
func (e *Engine) completeOnce(ctx context.Context, po *PromptObject, session *models.Session) (string, []models.ToolCall, *models.Usage, error) {
	provider := e.ActiveProvider()
	if provider == nil {
		return "", nil, nil, ErrNoProvider
	}

	history, err := e.store.GetMessages(ctx, session.ID)
	if err != nil {
		return "", nil, nil, err
	}

	req := &llm.Request{
		System:   po.Body(),
		Messages: toProviderMessages(history),
		Tools:    e.descriptorsFor(po),
	}

	poName := po.Name()
	e.bus.POStateChanged(poName, models.POThinking)

	chunks, err := provider.Chat(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}

	var (
		content   strings.Builder
		toolCalls []models.ToolCall
		usage     *models.Usage
		streamErr error
	)
	for chunk := range chunks {
		if chunk.Error != nil {
			streamErr = chunk.Error
		}
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
			e.bus.StreamChunk(poName, session.ID, chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	e.bus.StreamEnd(poName, session.ID)

	if streamErr != nil {
		return "", nil, nil, streamErr
	}
	return content.String(), toolCalls, usage, nil
}

// executeToolCall dispatches one tool call and always produces a result.
// Failures become error results so the LLM can recover.
func (e *Engine) executeToolCall(ctx context.Context, po *PromptObject, session *models.Session, assistantID string, call models.ToolCall) models.ToolResult {
	poName := po.Name()
	result := models.ToolResult{ToolCallID: call.ID, Name: call.Name}

	target := e.registry.Get(call.Name)
	if target == nil {
		result.Content = capability.ErrUnknown(call.Name)
		result.IsError = true
		return result
	}

	e.bus.Publish(&models.BusEvent{
		From:      poName,
		To:        call.Name,
		Content:   string(call.Arguments),
		SessionID: session.ID,
		Type:      "tool_call",
	})

	var content string
	var err error
	if target.Kind() == capability.KindPO {
		content, err = e.delegate(ctx, po, session, assistantID, target, call)
	} else {
		inv := capability.Normalize(call.Arguments)
		inv.FromPO = poName
		inv.SessionID = session.ID
		content, err = target.Receive(ctx, inv)
	}

	if err != nil {
		result.Content = fmt.Sprintf("error: %v", err)
		result.IsError = true
	} else {
		result.Content = content
	}

	e.bus.Publish(&models.BusEvent{
		From:      call.Name,
		To:        poName,
		Content:   result.Content,
		SessionID: session.ID,
		Type:      "tool_result",
	})
	return result
}

// delegate invokes another prompt object in a fresh delegation session linked
// to the caller's session and the assistant message carrying the tool call.
func (e *Engine) delegate(ctx context.Context, po *PromptObject, session *models.Session, assistantID string, target capability.Capability, call models.ToolCall) (string, error) {
	child := &models.Session{
		PoName:          target.Name(),
		Source:          session.Source,
		ParentSessionID: session.ID,
		ParentPO:        po.Name(),
		ParentMessageID: assistantID,
		ThreadType:      models.ThreadDelegation,
	}
	if err := e.store.CreateSession(ctx, child); err != nil {
		return "", fmt.Errorf("create delegation session: %w", err)
	}

	inv := capability.Normalize(call.Arguments)
	inv.FromPO = po.Name()
	inv.SessionID = child.ID
	return target.Receive(ctx, inv)
}

// descriptorsFor materializes the tool list for a turn: the PO's declared
// capabilities resolved through the registry, plus every universal. Built
// fresh each turn so runtime additions appear immediately.
func (e *Engine) descriptorsFor(po *PromptObject) []capability.Descriptor {
	snapshot := e.registry.Snapshot()

	var descriptors []capability.Descriptor
	seen := make(map[string]bool)
	for _, name := range po.Capabilities() {
		target, ok := snapshot[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		descriptors = append(descriptors, capability.Describe(target))
	}

	var universals []capability.Descriptor
	for name, target := range snapshot {
		if target.Kind() != capability.KindUniversal || seen[name] {
			continue
		}
		universals = append(universals, capability.Describe(target))
	}
	sort.Slice(universals, func(i, j int) bool { return universals[i].Name < universals[j].Name })
	return append(descriptors, universals...)
}

// toProviderMessages translates stored history into the adapter vocabulary.
func toProviderMessages(history []*models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		out = append(out, llm.Message{
			Role:        msg.Role,
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
		})
	}
	return out
}
