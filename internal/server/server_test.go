package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promptobjects/promptobjects/internal/bus"
	"github.com/promptobjects/promptobjects/internal/engine"
	"github.com/promptobjects/promptobjects/internal/humanq"
	"github.com/promptobjects/promptobjects/internal/llm"
	"github.com/promptobjects/promptobjects/internal/loader"
	"github.com/promptobjects/promptobjects/internal/primitive"
	"github.com/promptobjects/promptobjects/internal/registry"
	"github.com/promptobjects/promptobjects/internal/store"
	"github.com/promptobjects/promptobjects/pkg/models"
)

type harness struct {
	server   *Server
	engine   *engine.Engine
	store    *store.Store
	queue    *humanq.Queue
	provider *llm.ScriptedProvider
	ts       *httptest.Server
}

func newHarness(t *testing.T, turns ...llm.ScriptedTurn) *harness {
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
	provider := llm.NewScriptedProvider(turns...)

	eng, err := engine.New(engine.Config{
		Registry:   reg,
		Store:      st,
		Bus:        b,
		Queue:      queue,
		Primitives: primitive.NewManager(filepath.Join(root, "primitives"), reg),
		ObjectsDir: filepath.Join(root, "objects"),
		Provider:   provider,
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

	srv := New(Config{Engine: eng, EnvName: "test-env", EnvPath: root})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{server: srv, engine: eng, store: st, queue: queue, provider: provider, ts: ts}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestRESTListAndGetPO(t *testing.T) {
	h := newHarness(t)

	var list []map[string]any
	if code := getJSON(t, h.ts.URL+"/api/pos", &list); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(list) != 1 || list[0]["name"] != "greeter" {
		t.Fatalf("list = %v", list)
	}
	if list[0]["state"] != string(models.POIdle) {
		t.Fatalf("state = %v", list[0]["state"])
	}

	var detail map[string]any
	if code := getJSON(t, h.ts.URL+"/api/pos/greeter", &detail); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if detail["body"] != "You greet warmly." {
		t.Fatalf("body = %v", detail["body"])
	}

	var errBody map[string]any
	if code := getJSON(t, h.ts.URL+"/api/pos/missing", &errBody); code != http.StatusNotFound {
		t.Fatalf("status = %d", code)
	}
}

func TestRESTSessionAndEnvironment(t *testing.T) {
	h := newHarness(t, llm.ScriptedTurn{Text: "Hello!"})

	if _, err := h.engine.SendMessage(context.Background(), "greeter", "hi", engine.SendOptions{Source: models.SourceAPI}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sessions, err := h.store.ListSessions(context.Background(), store.ListSessionsOptions{PoName: "greeter"})
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions: %v %v", sessions, err)
	}

	var sessionDetail struct {
		Session  *models.Session   `json:"session"`
		Messages []*models.Message `json:"messages"`
	}
	if code := getJSON(t, h.ts.URL+"/api/sessions/"+sessions[0].ID, &sessionDetail); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(sessionDetail.Messages) != 2 {
		t.Fatalf("messages = %d", len(sessionDetail.Messages))
	}

	var env map[string]any
	if code := getJSON(t, h.ts.URL+"/api/environment", &env); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if env["name"] != "test-env" || env["sessions"] != float64(1) {
		t.Fatalf("env = %v", env)
	}
	if env["llm_provider"] != "scripted" {
		t.Fatalf("provider = %v", env["llm_provider"])
	}
}

func dialWS(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return &env
}

// waitForType reads frames until one of the wanted type arrives.
func waitForType(t *testing.T, conn *websocket.Conn, typ string) *envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s frame arrived", typ)
	return nil
}

func TestWSSnapshotOnConnect(t *testing.T) {
	h := newHarness(t)
	h.queue.Enqueue("greeter", "Proceed?", nil)

	conn := dialWS(t, h)

	first := readEnvelope(t, conn)
	if first.Type != "po_state" {
		t.Fatalf("first frame = %s", first.Type)
	}
	var state map[string]any
	if err := json.Unmarshal(first.Payload, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state["po_name"] != "greeter" || state["state"] != string(models.POIdle) {
		t.Fatalf("state = %v", state)
	}

	second := readEnvelope(t, conn)
	if second.Type != "notification" {
		t.Fatalf("second frame = %s", second.Type)
	}
}

func TestWSSendMessageStreams(t *testing.T) {
	h := newHarness(t, llm.ScriptedTurn{Text: "Hello from the greeter."})
	conn := dialWS(t, h)
	readEnvelope(t, conn) // snapshot

	err := conn.WriteJSON(envelope{
		Type:    "send_message",
		Payload: json.RawMessage(`{"po_name":"greeter","message":"hi"}`),
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	stream := waitForType(t, conn, "stream")
	var chunk map[string]string
	if err := json.Unmarshal(stream.Payload, &chunk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if chunk["po_name"] != "greeter" || chunk["text"] == "" {
		t.Fatalf("chunk = %v", chunk)
	}

	waitForType(t, conn, "stream_end")

	// The turn persisted a session tagged source=web.
	deadline := time.Now().Add(5 * time.Second)
	for {
		sessions, err := h.store.ListSessions(context.Background(), store.ListSessionsOptions{PoName: "greeter"})
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) == 1 {
			if sessions[0].Source != models.SourceWeb {
				t.Fatalf("source = %q", sessions[0].Source)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSRespondToNotification(t *testing.T) {
	h := newHarness(t)
	req := h.queue.Enqueue("greeter", "Proceed?", nil)

	conn := dialWS(t, h)
	waitForType(t, conn, "notification")

	payload, _ := json.Marshal(map[string]string{"request_id": req.ID, "response": "yes"})
	if err := conn.WriteJSON(envelope{Type: "respond_to_notification", Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	response, err := h.queue.Await(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if response != "yes" {
		t.Fatalf("response = %q", response)
	}
}

func TestWSUnknownTypeIgnored(t *testing.T) {
	h := newHarness(t)
	conn := dialWS(t, h)
	readEnvelope(t, conn) // snapshot

	if err := conn.WriteJSON(envelope{Type: "future_command"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(envelope{Type: "switch_llm", Payload: json.RawMessage(`{"provider":"scripted"}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The unknown command produced no error frame; the next reply corresponds
	// to switch_llm.
	env := waitForType(t, conn, "llm_switched")
	if env == nil {
		t.Fatal("switch_llm got no reply")
	}
}

func TestWSUpdatePO(t *testing.T) {
	h := newHarness(t)
	conn := dialWS(t, h)
	readEnvelope(t, conn) // snapshot

	payload, _ := json.Marshal(map[string]any{"po_name": "greeter", "prompt": "New body."})
	if err := conn.WriteJSON(envelope{Type: "update_prompt", Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForType(t, conn, "po_state")

	po := h.engine.Registry().Get("greeter").(*engine.PromptObject)
	if po.Body() != "New body." {
		t.Fatalf("body = %q", po.Body())
	}
}
