package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptobjects/promptobjects/internal/bus"
	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/humanq"
	"github.com/promptobjects/promptobjects/internal/llm"
	"github.com/promptobjects/promptobjects/internal/loader"
	"github.com/promptobjects/promptobjects/internal/primitive"
	"github.com/promptobjects/promptobjects/internal/registry"
	"github.com/promptobjects/promptobjects/internal/store"
	"github.com/promptobjects/promptobjects/pkg/models"
)

type testEnv struct {
	engine   *Engine
	store    *store.Store
	bus      *bus.Bus
	queue    *humanq.Queue
	registry *registry.Registry
	provider *llm.ScriptedProvider
	root     string
}

func newTestEnv(t *testing.T, turns ...llm.ScriptedTurn) *testEnv {
	t.Helper()
	root := t.TempDir()

	st, err := store.Open(filepath.Join(root, "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	b := bus.New(bus.WithSink(st))
	queue := humanq.New()
	manager := primitive.NewManager(filepath.Join(root, "primitives"), reg)
	provider := llm.NewScriptedProvider(turns...)

	eng, err := New(Config{
		Registry:   reg,
		Store:      st,
		Bus:        b,
		Queue:      queue,
		Primitives: manager,
		ObjectsDir: filepath.Join(root, "objects"),
		Provider:   provider,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	for _, p := range primitive.Builtins(root) {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register builtin: %v", err)
		}
	}

	return &testEnv{
		engine:   eng,
		store:    st,
		bus:      b,
		queue:    queue,
		registry: reg,
		provider: provider,
		root:     root,
	}
}

func (te *testEnv) addPO(t *testing.T, name, body string, capabilities ...string) *PromptObject {
	t.Helper()
	def := &loader.Definition{
		Frontmatter: loader.Frontmatter{Name: name, Capabilities: capabilities},
		Body:        body,
	}
	po := NewPromptObject(te.engine, def)
	if err := te.registry.Register(po); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return po
}

func toolCall(t *testing.T, id, name string, args map[string]any) models.ToolCall {
	t.Helper()
	encoded, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return models.ToolCall{ID: id, Name: name, Arguments: encoded}
}

func (te *testEnv) onlySession(t *testing.T, poName string) *models.Session {
	t.Helper()
	sessions, err := te.store.ListSessions(context.Background(), store.ListSessionsOptions{PoName: poName})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session for %s, got %d", poName, len(sessions))
	}
	return sessions[0]
}

// Scenario: a PO with no tools answers in one turn.
func TestGreeterNoTools(t *testing.T) {
	te := newTestEnv(t, llm.ScriptedTurn{Text: "Hello! Wonderful to meet you."})
	te.addPO(t, "greeter", "You greet people warmly.")

	result, err := te.engine.SendMessage(context.Background(), "greeter", "hey there", SendOptions{Source: models.SourceAPI})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != "Hello! Wonderful to meet you." {
		t.Fatalf("result = %q", result)
	}

	session := te.onlySession(t, "greeter")
	if session.Source != models.SourceAPI {
		t.Fatalf("source = %q", session.Source)
	}
	msgs, err := te.store.GetMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if len(msgs[1].ToolCalls) != 0 || msgs[1].Content == "" {
		t.Fatalf("assistant message malformed: %+v", msgs[1])
	}
	if msgs[1].Usage == nil || msgs[1].Usage.Provider != "scripted" {
		t.Fatalf("usage not persisted: %+v", msgs[1].Usage)
	}
}

// Scenario: a PO calls a primitive, then summarizes.
func TestReaderCallsPrimitive(t *testing.T) {
	te := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(te.root, "readme.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	te.provider.Push(
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_1", "list_files", map[string]any{"path": "."})}},
		llm.ScriptedTurn{Text: "The directory contains readme.txt."},
	)
	te.addPO(t, "reader", "You read files.", "read_file", "list_files")

	result, err := te.engine.SendMessage(context.Background(), "reader", "what's in here?", SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !strings.Contains(result, "readme.txt") {
		t.Fatalf("result = %q", result)
	}

	session := te.onlySession(t, "reader")
	msgs, err := te.store.GetMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[1].Role != models.RoleAssistant || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("assistant tool_call message malformed: %+v", msgs[1])
	}
	if msgs[2].Role != models.RoleTool || len(msgs[2].ToolResults) != 1 {
		t.Fatalf("tool message malformed: %+v", msgs[2])
	}
	res := msgs[2].ToolResults[0]
	if res.ToolCallID != "tc_1" || res.IsError || !strings.Contains(res.Content, "readme.txt") {
		t.Fatalf("tool result malformed: %+v", res)
	}
}

// Scenario: delegation creates a linked child session and returns the child's
// final text as the tool result.
func TestDelegation(t *testing.T) {
	te := newTestEnv(t,
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_1", "reader", map[string]any{"message": "please survey the files"})}},
		llm.ScriptedTurn{Text: "Survey complete: nothing unusual."},
		llm.ScriptedTurn{Text: "The reader says all is well."},
	)
	te.addPO(t, "coordinator", "You coordinate.", "reader")
	te.addPO(t, "reader", "You read files.", "list_files")

	result, err := te.engine.SendMessage(context.Background(), "coordinator", "help me understand this codebase", SendOptions{Source: models.SourceWeb})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != "The reader says all is well." {
		t.Fatalf("result = %q", result)
	}

	parent := te.onlySession(t, "coordinator")
	child := te.onlySession(t, "reader")
	if child.ParentSessionID != parent.ID || child.ParentPO != "coordinator" {
		t.Fatalf("delegation edges wrong: %+v", child)
	}
	if child.ThreadType != models.ThreadDelegation {
		t.Fatalf("thread_type = %s", child.ThreadType)
	}
	if child.Source != models.SourceWeb {
		t.Fatalf("child source = %q", child.Source)
	}

	childMsgs, err := te.store.GetMessages(context.Background(), child.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if childMsgs[0].FromPO != "coordinator" {
		t.Fatalf("child first message from_po = %q", childMsgs[0].FromPO)
	}
	if childMsgs[0].Content != "please survey the files" {
		t.Fatalf("child first message content = %q", childMsgs[0].Content)
	}

	parentMsgs, err := te.store.GetMessages(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(parentMsgs) != 4 {
		t.Fatalf("expected 4 parent messages, got %d", len(parentMsgs))
	}
	if child.ParentMessageID != parentMsgs[1].ID {
		t.Fatalf("parent_message_id = %q, want %q", child.ParentMessageID, parentMsgs[1].ID)
	}
	toolRes := parentMsgs[2].ToolResults[0]
	if toolRes.Content != "Survey complete: nothing unusual." {
		t.Fatalf("tool result = %q", toolRes.Content)
	}

	root, err := te.store.ResolveRootThread(context.Background(), child.ID)
	if err != nil {
		t.Fatalf("ResolveRootThread: %v", err)
	}
	if root != parent.ID {
		t.Fatalf("root = %q, want %q", root, parent.ID)
	}
}

// Scenario: a PO creates a primitive at runtime; it is registered immediately
// and its source survives for reload.
func TestRuntimePrimitiveCreation(t *testing.T) {
	code := `
name = "sum_pair"
description = "Add two numbers"

def parameters():
    return {"type": "object", "properties": {"a": {"type": "number"}, "b": {"type": "number"}}}

def receive(message, context):
    payload = context.get("payload", {})
    return str(payload.get("a", 0) + payload.get("b", 0))
`
	te := newTestEnv(t,
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_1", "create_capability", map[string]any{"kind": "primitive", "code": code})}},
		llm.ScriptedTurn{Text: "Created."},
	)
	te.addPO(t, "builder", "You build tools.")

	if _, err := te.engine.SendMessage(context.Background(), "builder", "make me an adder", SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if !te.registry.Has("sum_pair") {
		t.Fatal("sum_pair not registered")
	}
	if _, err := os.Stat(filepath.Join(te.root, "primitives", "sum_pair.star")); err != nil {
		t.Fatalf("primitive file missing: %v", err)
	}

	result, err := te.registry.Get("sum_pair").Receive(context.Background(),
		capability.Normalize(json.RawMessage(`{"a": 4, "b": 6}`)))
	if err != nil {
		t.Fatalf("invoke sum_pair: %v", err)
	}
	if result != "10" {
		t.Fatalf("sum_pair result = %q", result)
	}
}

// Scenario: ask_human suspends the turn until a response arrives.
func TestAskHumanSuspension(t *testing.T) {
	te := newTestEnv(t,
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_1", "ask_human", map[string]any{"question": "Proceed?", "options": []string{"yes", "no"}})}},
		llm.ScriptedTurn{Text: "Confirmed, proceeding."},
	)
	te.addPO(t, "approver", "You seek approval before acting.")

	sub := &recordingSubscriber{}
	te.bus.Subscribe(sub)

	done := make(chan struct{})
	var result string
	var sendErr error
	go func() {
		defer close(done)
		result, sendErr = te.engine.SendMessage(context.Background(), "approver", "do the thing", SendOptions{})
	}()

	req := waitForPending(t, te.queue)
	if req.Question != "Proceed?" || len(req.Options) != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if err := te.queue.Respond(req.ID, "yes"); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not resume")
	}
	if sendErr != nil {
		t.Fatalf("SendMessage: %v", sendErr)
	}
	if result != "Confirmed, proceeding." {
		t.Fatalf("result = %q", result)
	}

	session := te.onlySession(t, "approver")
	msgs, err := te.store.GetMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if msgs[2].Role != models.RoleTool || msgs[2].ToolResults[0].Content != "yes" {
		t.Fatalf("tool result = %+v", msgs[2])
	}

	notified, resolved := sub.counts()
	if notified != 1 || resolved != 1 {
		t.Fatalf("notifications = %d, resolved = %d", notified, resolved)
	}
}

// Scenario: env data written deep in a delegation chain is visible at the
// root, and invisible to sibling trees.
func TestEnvDataScoping(t *testing.T) {
	te := newTestEnv(t,
		// A delegates to B.
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_1", "b", map[string]any{"message": "investigate"})}},
		// B stores a finding, then finishes.
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_2", "store_env_data", map[string]any{
			"key": "finding", "short_description": "X", "value": map[string]any{"severity": "low"},
		})}},
		llm.ScriptedTurn{Text: "Stored my finding."},
		// A lists env data, then finishes.
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_3", "list_env_data", map[string]any{})}},
		llm.ScriptedTurn{Text: "Done."},
	)
	te.addPO(t, "a", "You investigate via b.", "b")
	te.addPO(t, "b", "You record findings.")

	if _, err := te.engine.SendMessage(context.Background(), "a", "go", SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	rootSession := te.onlySession(t, "a")
	entries, err := te.store.ListEnvData(context.Background(), rootSession.ID)
	if err != nil {
		t.Fatalf("ListEnvData: %v", err)
	}
	if len(entries) != 1 || entries[0].StoredBy != "b" || entries[0].ShortDescription != "X" {
		t.Fatalf("entries = %+v", entries)
	}

	// A's listing (from the root) saw the entry.
	msgs, err := te.store.GetMessages(context.Background(), rootSession.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	var listResult string
	for _, msg := range msgs {
		for _, res := range msg.ToolResults {
			if res.Name == "list_env_data" {
				listResult = res.Content
			}
		}
	}
	if !strings.Contains(listResult, "finding") || !strings.Contains(listResult, "stored by b") {
		t.Fatalf("list result = %q", listResult)
	}

	// A sibling tree sees nothing.
	sibling := &models.Session{PoName: "a"}
	if err := te.store.CreateSession(context.Background(), sibling); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	siblingEntries, err := te.store.ListEnvData(context.Background(), sibling.ID)
	if err != nil {
		t.Fatalf("ListEnvData: %v", err)
	}
	if len(siblingEntries) != 0 {
		t.Fatalf("sibling tree should be empty, got %+v", siblingEntries)
	}
}

func TestUnknownCapabilityContinuesTurn(t *testing.T) {
	te := newTestEnv(t,
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_1", "no_such_tool", map[string]any{})}},
		llm.ScriptedTurn{Text: "Recovered."},
	)
	te.addPO(t, "p", "body")

	result, err := te.engine.SendMessage(context.Background(), "p", "go", SendOptions{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if result != "Recovered." {
		t.Fatalf("result = %q", result)
	}

	session := te.onlySession(t, "p")
	msgs, _ := te.store.GetMessages(context.Background(), session.ID)
	res := msgs[2].ToolResults[0]
	if !res.IsError || res.Content != "unknown capability: no_such_tool" {
		t.Fatalf("result = %+v", res)
	}
}

func TestLLMErrorAbortsTurnCleanly(t *testing.T) {
	te := newTestEnv(t, llm.ScriptedTurn{Err: errors.New("transport down")})
	te.addPO(t, "p", "body")

	_, err := te.engine.SendMessage(context.Background(), "p", "go", SendOptions{})
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != "llm" {
		t.Fatalf("expected llm TurnError, got %v", err)
	}

	// Only the user message was persisted; no orphan assistant row.
	session := te.onlySession(t, "p")
	msgs, _ := te.store.GetMessages(context.Background(), session.ID)
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestMaxIterations(t *testing.T) {
	te := newTestEnv(t)
	te.engine.maxIterations = 2
	te.provider.Push(
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_1", "think", map[string]any{"thought": "a"})}},
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_2", "think", map[string]any{"thought": "b"})}},
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{toolCall(t, "tc_3", "think", map[string]any{"thought": "c"})}},
	)
	te.addPO(t, "p", "body")

	_, err := te.engine.SendMessage(context.Background(), "p", "go", SendOptions{})
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("expected ErrMaxIterations, got %v", err)
	}
}

func TestExistingSessionReused(t *testing.T) {
	te := newTestEnv(t,
		llm.ScriptedTurn{Text: "first"},
		llm.ScriptedTurn{Text: "second"},
	)
	te.addPO(t, "p", "body")

	if _, err := te.engine.SendMessage(context.Background(), "p", "one", SendOptions{Source: models.SourceAPI}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	session := te.onlySession(t, "p")
	if _, err := te.engine.SendMessage(context.Background(), "p", "two", SendOptions{SessionID: session.ID}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs, _ := te.store.GetMessages(context.Background(), session.ID)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages in one session, got %d", len(msgs))
	}
	if n, _ := te.store.CountSessions(context.Background()); n != 1 {
		t.Fatalf("expected 1 session, got %d", n)
	}
}

func TestModifyPromptAndCapabilityList(t *testing.T) {
	te := newTestEnv(t,
		llm.ScriptedTurn{ToolCalls: []models.ToolCall{
			toolCall(t, "tc_1", "modify_prompt", map[string]any{"prompt": "You are improved."}),
			toolCall(t, "tc_2", "add_capability", map[string]any{"name": "read_file"}),
		}},
		llm.ScriptedTurn{Text: "Updated myself."},
	)

	dir := filepath.Join(te.root, "objects")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "editor.md")
	if err := os.WriteFile(path, []byte("---\nname: editor\n---\nOriginal body."), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	def, err := loader.ParseFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	po := NewPromptObject(te.engine, def)
	if err := te.registry.Register(po); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := te.engine.SendMessage(context.Background(), "editor", "improve yourself", SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if po.Body() != "You are improved." {
		t.Fatalf("body = %q", po.Body())
	}
	caps := po.Capabilities()
	if len(caps) != 1 || caps[0] != "read_file" {
		t.Fatalf("capabilities = %v", caps)
	}

	// The backing file was rewritten.
	reloaded, err := loader.ParseFile(path)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reloaded.Body != "You are improved." || len(reloaded.Capabilities) != 1 {
		t.Fatalf("file not persisted: %+v", reloaded)
	}
}

func TestSwitchProvider(t *testing.T) {
	te := newTestEnv(t)
	second := llm.NewScriptedProvider(llm.ScriptedTurn{Text: "from second"})
	te.engine.AddProvider(second)

	if err := te.engine.UseProvider("scripted"); err != nil {
		t.Fatalf("UseProvider: %v", err)
	}
	if err := te.engine.UseProvider("missing"); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func waitForPending(t *testing.T, q *humanq.Queue) *models.HumanRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pending := q.Pending(""); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pending request appeared")
	return nil
}

type recordingSubscriber struct {
	mu       sync.Mutex
	notified int
	resolved int
}

func (r *recordingSubscriber) OnMessage(event *models.BusEvent)                {}
func (r *recordingSubscriber) OnPOStateChange(poName string, s models.POState) {}
func (r *recordingSubscriber) OnStreamChunk(poName, sessionID, text string)    {}
func (r *recordingSubscriber) OnStreamEnd(poName, sessionID string)            {}
func (r *recordingSubscriber) OnEnvDataChange(rootThreadID, key string)        {}

func (r *recordingSubscriber) OnNotification(req *models.HumanRequest) {
	r.mu.Lock()
	r.notified++
	r.mu.Unlock()
}

func (r *recordingSubscriber) OnNotificationResolved(requestID, response string) {
	r.mu.Lock()
	r.resolved++
	r.mu.Unlock()
}

func (r *recordingSubscriber) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notified, r.resolved
}
