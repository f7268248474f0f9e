package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/promptobjects/promptobjects/internal/bus"
	"github.com/promptobjects/promptobjects/internal/engine"
	"github.com/promptobjects/promptobjects/internal/humanq"
	"github.com/promptobjects/promptobjects/internal/llm"
	"github.com/promptobjects/promptobjects/internal/loader"
	"github.com/promptobjects/promptobjects/internal/primitive"
	"github.com/promptobjects/promptobjects/internal/registry"
	"github.com/promptobjects/promptobjects/internal/store"
)

type testRuntime struct {
	engine *engine.Engine
	store  *store.Store
	queue  *humanq.Queue
}

func newRuntime(t *testing.T, turns ...llm.ScriptedTurn) *testRuntime {
	t.Helper()
	root := t.TempDir()

	st, err := store.Open(filepath.Join(root, "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	queue := humanq.New()
	eng, err := engine.New(engine.Config{
		Registry:   reg,
		Store:      st,
		Bus:        bus.New(bus.WithSink(st)),
		Queue:      queue,
		Primitives: primitive.NewManager(filepath.Join(root, "primitives"), reg),
		ObjectsDir: filepath.Join(root, "objects"),
		Provider:   llm.NewScriptedProvider(turns...),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	def := &loader.Definition{
		Frontmatter: loader.Frontmatter{Name: "greeter", Description: "Greets people"},
		Body:        "You greet warmly.",
	}
	if err := reg.Register(engine.NewPromptObject(eng, def)); err != nil {
		t.Fatalf("register po: %v", err)
	}
	return &testRuntime{engine: eng, store: st, queue: queue}
}

type rpcReply struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// roundTrip feeds newline-delimited requests through Serve and decodes every
// response line.
func roundTrip(t *testing.T, rt *testRuntime, lines ...string) []rpcReply {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer

	srv := New(rt.engine, in, &out)
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var replies []rpcReply
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var reply rpcReply
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		replies = append(replies, reply)
	}
	return replies
}

func resultText(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var result toolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("content blocks = %d", len(result.Content))
	}
	return result.Content[0].Text
}

func TestInitializeAndToolsList(t *testing.T) {
	rt := newRuntime(t)
	replies := roundTrip(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	if len(replies) != 2 {
		t.Fatalf("replies = %d, notifications must not be answered", len(replies))
	}

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(replies[0].Result, &init); err != nil {
		t.Fatalf("decode initialize: %v", err)
	}
	if init.ProtocolVersion != protocolVersion || init.ServerInfo.Name != "promptobjects" {
		t.Fatalf("initialize = %+v", init)
	}

	var tools struct {
		Tools []toolDef `json:"tools"`
	}
	if err := json.Unmarshal(replies[1].Result, &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(tools.Tools) != 6 {
		t.Fatalf("tools = %d", len(tools.Tools))
	}
	names := make(map[string]bool)
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"list_prompt_objects", "send_message", "get_conversation", "inspect_po", "get_pending_requests", "respond_to_request"} {
		if !names[want] {
			t.Fatalf("missing tool %q", want)
		}
	}
}

func TestSendMessageTool(t *testing.T) {
	rt := newRuntime(t, llm.ScriptedTurn{Text: "Hello there!"})
	replies := roundTrip(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"send_message","arguments":{"po_name":"greeter","message":"hi"}}}`,
	)
	if got := resultText(t, replies[0].Result); got != "Hello there!" {
		t.Fatalf("result = %q", got)
	}

	sessions, err := rt.store.ListSessions(context.Background(), store.ListSessionsOptions{PoName: "greeter"})
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions: %v %v", sessions, err)
	}
	if sessions[0].Source != "mcp" {
		t.Fatalf("source = %q", sessions[0].Source)
	}
}

func TestListAndInspectTools(t *testing.T) {
	rt := newRuntime(t)
	replies := roundTrip(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_prompt_objects","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"inspect_po","arguments":{"po_name":"greeter"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"inspect_po","arguments":{"po_name":"missing"}}}`,
	)
	if got := resultText(t, replies[0].Result); !strings.Contains(got, "greeter: Greets people") {
		t.Fatalf("list = %q", got)
	}
	if got := resultText(t, replies[1].Result); !strings.Contains(got, "You greet warmly.") {
		t.Fatalf("inspect = %q", got)
	}
	var errResult toolResult
	if err := json.Unmarshal(replies[2].Result, &errResult); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !errResult.IsError {
		t.Fatal("inspect of missing PO must flag isError")
	}
}

func TestRespondToRequestTool(t *testing.T) {
	rt := newRuntime(t)
	req := rt.queue.Enqueue("greeter", "Proceed?", nil)

	replies := roundTrip(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_pending_requests","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"respond_to_request","arguments":{"request_id":"`+req.ID+`","response":"yes"}}}`,
	)
	if got := resultText(t, replies[0].Result); !strings.Contains(got, "Proceed?") {
		t.Fatalf("pending = %q", got)
	}
	if got := resultText(t, replies[1].Result); got != "response delivered" {
		t.Fatalf("respond = %q", got)
	}

	response, err := rt.queue.Await(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if response != "yes" {
		t.Fatalf("response = %q", response)
	}
}

func TestResourcesListAndRead(t *testing.T) {
	rt := newRuntime(t, llm.ScriptedTurn{Text: "Hi!"})
	if _, err := rt.engine.SendMessage(context.Background(), "greeter", "hello", engine.SendOptions{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	replies := roundTrip(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"po://greeter/prompt"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"po://greeter/conversation"}}`,
		`{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{"uri":"po://greeter/config"}}`,
		`{"jsonrpc":"2.0","id":5,"method":"resources/read","params":{"uri":"nope://x"}}`,
	)

	var list struct {
		Resources []resourceDef `json:"resources"`
	}
	if err := json.Unmarshal(replies[0].Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	// Three facets for the one PO plus the bus feed.
	if len(list.Resources) != 4 {
		t.Fatalf("resources = %d", len(list.Resources))
	}

	readText := func(raw json.RawMessage) string {
		var contents resourceContents
		if err := json.Unmarshal(raw, &contents); err != nil {
			t.Fatalf("decode contents: %v", err)
		}
		if len(contents.Contents) != 1 {
			t.Fatalf("contents = %d", len(contents.Contents))
		}
		return contents.Contents[0].Text
	}

	if got := readText(replies[1].Result); got != "You greet warmly." {
		t.Fatalf("prompt = %q", got)
	}
	conversation := readText(replies[2].Result)
	if !strings.Contains(conversation, "**user**: hello") || !strings.Contains(conversation, "**greeter**: Hi!") {
		t.Fatalf("conversation = %q", conversation)
	}
	if got := readText(replies[3].Result); !strings.Contains(got, "name: greeter") {
		t.Fatalf("config = %q", got)
	}
	if replies[4].Error == nil || replies[4].Error.Code != codeInvalidParams {
		t.Fatalf("bad uri error = %v", replies[4].Error)
	}
}

func TestUnknownMethodAndParseError(t *testing.T) {
	rt := newRuntime(t)
	replies := roundTrip(t, rt,
		`{"jsonrpc":"2.0","id":1,"method":"bogus/method"}`,
		`this is not json`,
	)
	if len(replies) != 2 {
		t.Fatalf("replies = %d", len(replies))
	}
	if replies[0].Error == nil || replies[0].Error.Code != codeMethodNotFound {
		t.Fatalf("error = %v", replies[0].Error)
	}
	if replies[1].Error == nil || replies[1].Error.Code != codeParseError {
		t.Fatalf("error = %v", replies[1].Error)
	}
}
