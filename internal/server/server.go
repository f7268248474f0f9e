// Package server exposes the runtime to live front-ends: a read-only REST
// surface and a WebSocket control plane that streams state, chunks, and bus
// traffic while accepting commands.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/engine"
	"github.com/promptobjects/promptobjects/internal/store"
	"github.com/promptobjects/promptobjects/pkg/models"
)

// Config wires a Server to the runtime.
type Config struct {
	Engine *engine.Engine

	// EnvName and EnvPath describe the hosted environment for /api/environment.
	EnvName string
	EnvPath string
}

// Server is the HTTP + WebSocket connector layer. Sessions created through it
// are tagged source=web.
type Server struct {
	engine   *engine.Engine
	envName  string
	envPath  string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	poStates map[string]models.POState
}

// New creates a server and subscribes it to the bus.
func New(cfg Config) *Server {
	s := &Server{
		engine:  cfg.Engine,
		envName: cfg.EnvName,
		envPath: cfg.EnvPath,
		logger:  slog.Default().With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		poStates: make(map[string]models.POState),
	}
	cfg.Engine.Bus().Subscribe(s)
	return s
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pos", s.handleListPOs)
	mux.HandleFunc("GET /api/pos/{name}", s.handleGetPO)
	mux.HandleFunc("GET /api/pos/{name}/sessions", s.handlePOSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/environment", s.handleEnvironment)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// handleEvents serves bus catch-up by query after dropped frames or a
// reconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.eventsSince(r.Context(), r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if events == nil {
		events = []*models.BusEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// poSummary is the REST listing shape for one prompt object.
type poSummary struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Capabilities []string       `json:"capabilities"`
	State        models.POState `json:"state"`
}

// poDetail adds the full configuration and body.
type poDetail struct {
	poSummary
	Body string `json:"body"`
}

func (s *Server) promptObjects() []*engine.PromptObject {
	var out []*engine.PromptObject
	for _, c := range s.engine.Registry().List(capability.KindPO) {
		if po, ok := c.(*engine.PromptObject); ok {
			out = append(out, po)
		}
	}
	return out
}

func (s *Server) stateOf(name string) models.POState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.poStates[name]; ok {
		return state
	}
	return models.POIdle
}

func (s *Server) summarize(po *engine.PromptObject) poSummary {
	def := po.Definition()
	caps := def.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return poSummary{
		Name:         def.Name,
		Description:  po.Description(),
		Capabilities: caps,
		State:        s.stateOf(def.Name),
	}
}

func (s *Server) handleListPOs(w http.ResponseWriter, r *http.Request) {
	out := make([]poSummary, 0)
	for _, po := range s.promptObjects() {
		out = append(out, s.summarize(po))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPO(w http.ResponseWriter, r *http.Request) {
	po, err := s.findPO(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, poDetail{poSummary: s.summarize(po), Body: po.Body()})
}

func (s *Server) handlePOSessions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.findPO(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	sessions, err := s.engine.Store().ListSessions(r.Context(), store.ListSessionsOptions{PoName: name})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.engine.Store().GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	messages, err := s.engine.Store().GetMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"messages": messages,
	})
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	sessionCount, err := s.engine.Store().CountSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	provider := ""
	if p := s.engine.ActiveProvider(); p != nil {
		provider = p.Name()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           s.envName,
		"path":           s.envPath,
		"prompt_objects": len(s.promptObjects()),
		"sessions":       sessionCount,
		"llm_provider":   provider,
	})
}

func (s *Server) findPO(name string) (*engine.PromptObject, error) {
	target := s.engine.Registry().Get(name)
	if target == nil {
		return nil, errors.New("unknown prompt object: " + name)
	}
	po, ok := target.(*engine.PromptObject)
	if !ok {
		return nil, errors.New(name + " is not a prompt object")
	}
	return po, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// eventsSince serves catch-up after a reconnect.
func (s *Server) eventsSince(ctx context.Context, since string) ([]*models.BusEvent, error) {
	t, err := parseSince(since)
	if err != nil {
		return nil, err
	}
	return s.engine.Store().GetEventsSince(ctx, t)
}
