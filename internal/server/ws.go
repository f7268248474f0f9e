package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promptobjects/promptobjects/internal/engine"
	"github.com/promptobjects/promptobjects/internal/loader"
	"github.com/promptobjects/promptobjects/pkg/models"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 1 << 20
	wsSendBuffer     = 256
)

// envelope is the wire frame in both directions. Unknown types are ignored
// for forward compatibility.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	active map[string]string // po name → selected session id
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		active: make(map[string]string),
	}

	// Register and queue the connect-time snapshot under the broadcast lock so
	// no live event can slip in ahead of it.
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.queueSnapshotLocked(c)
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// queueSnapshotLocked enqueues the full PO state and pending notifications.
// Callers hold s.mu.
func (s *Server) queueSnapshotLocked(c *client) {
	for _, po := range s.promptObjects() {
		name := po.Name()
		state, ok := s.poStates[name]
		if !ok {
			state = models.POIdle
		}
		c.enqueue(marshalEnvelope("po_state", map[string]any{
			"po_name":      name,
			"state":        state,
			"description":  po.Description(),
			"capabilities": po.Capabilities(),
		}), false)
	}
	for _, req := range s.engine.Queue().Pending("") {
		c.enqueue(marshalEnvelope("notification", req), false)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

// broadcast fans an encoded frame to every client. Droppable frames (stream
// chunks) are discarded for slow clients instead of blocking the publisher.
func (s *Server) broadcast(data []byte, droppable bool) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.enqueue(data, droppable)
	}
}

// enqueue offers a frame to the client's send queue without ever blocking.
func (c *client) enqueue(data []byte, droppable bool) {
	select {
	case c.send <- data:
	default:
		if !droppable {
			c.server.logger.Warn("client send buffer full, dropping frame")
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("malformed envelope")
			continue
		}
		c.dispatch(&env)
	}
}

func (c *client) sendError(message string) {
	c.enqueue(marshalEnvelope("error", map[string]string{"message": message}), false)
}

func (c *client) sendEnvelope(typ string, payload any) {
	c.enqueue(marshalEnvelope(typ, payload), false)
}

func marshalEnvelope(typ string, payload any) []byte {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte("{}")
	}
	data, _ := json.Marshal(envelope{Type: typ, Payload: encoded})
	return data
}

// dispatch routes one client command. Unknown types are ignored.
func (c *client) dispatch(env *envelope) {
	s := c.server
	ctx := context.Background()

	switch env.Type {
	case "send_message":
		var p struct {
			PoName    string `json:"po_name"`
			Message   string `json:"message"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.PoName == "" {
			c.sendError("send_message requires po_name and message")
			return
		}
		sessionID := p.SessionID
		if sessionID == "" {
			c.mu.Lock()
			sessionID = c.active[p.PoName]
			c.mu.Unlock()
		}
		// The turn can run for a long time; never block the read pump.
		go func() {
			if _, err := s.engine.SendMessage(ctx, p.PoName, p.Message, engineSendOptions(sessionID)); err != nil {
				c.sendError(err.Error())
			}
		}()

	case "respond_to_notification":
		var p struct {
			RequestID string `json:"request_id"`
			Response  string `json:"response"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RequestID == "" {
			c.sendError("respond_to_notification requires request_id")
			return
		}
		if err := s.engine.Queue().Respond(p.RequestID, p.Response); err != nil {
			c.sendError(err.Error())
		}

	case "update_po", "update_prompt":
		var p struct {
			PoName       string    `json:"po_name"`
			Name         string    `json:"name"`
			Prompt       string    `json:"prompt"`
			Description  *string   `json:"description"`
			Capabilities *[]string `json:"capabilities"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError("malformed payload")
			return
		}
		name := p.PoName
		if name == "" {
			name = p.Name
		}
		po, err := s.findPO(name)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		err = po.Update(func(def *loader.Definition) error {
			if p.Prompt != "" {
				def.Body = p.Prompt
			}
			if p.Description != nil {
				def.Description = *p.Description
			}
			if p.Capabilities != nil {
				def.Capabilities = *p.Capabilities
			}
			return nil
		})
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendEnvelope("po_state", map[string]any{
			"po_name":      po.Name(),
			"state":        s.stateOf(po.Name()),
			"description":  po.Description(),
			"capabilities": po.Capabilities(),
		})

	case "create_session":
		var p struct {
			PoName string `json:"po_name"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.PoName == "" {
			c.sendError("create_session requires po_name")
			return
		}
		session := &models.Session{PoName: p.PoName, Name: p.Name, Source: models.SourceWeb}
		if err := s.engine.Store().CreateSession(ctx, session); err != nil {
			c.sendError(err.Error())
			return
		}
		c.setActive(p.PoName, session.ID)
		c.sendEnvelope("session_created", session)

	case "switch_session":
		var p struct {
			PoName    string `json:"po_name"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			c.sendError("switch_session requires session_id")
			return
		}
		session, err := s.engine.Store().GetSession(ctx, p.SessionID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.setActive(session.PoName, session.ID)
		c.sendEnvelope("session_switched", session)

	case "create_thread":
		var p struct {
			PoName          string `json:"po_name"`
			ParentSessionID string `json:"parent_session_id"`
			ThreadType      string `json:"thread_type"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.PoName == "" {
			c.sendError("create_thread requires po_name")
			return
		}
		threadType := models.ThreadType(p.ThreadType)
		if p.ParentSessionID != "" && threadType == "" {
			threadType = models.ThreadFork
		}
		session := &models.Session{
			PoName:          p.PoName,
			Source:          models.SourceWeb,
			ParentSessionID: p.ParentSessionID,
			ThreadType:      threadType,
		}
		if err := s.engine.Store().CreateSession(ctx, session); err != nil {
			c.sendError(err.Error())
			return
		}
		c.setActive(p.PoName, session.ID)
		c.sendEnvelope("session_created", session)

	case "get_session_usage":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			c.sendError("get_session_usage requires session_id")
			return
		}
		report, err := s.engine.Store().SessionUsage(ctx, p.SessionID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendEnvelope("session_usage", report)

	case "export_thread":
		var p struct {
			SessionID string `json:"session_id"`
			Format    string `json:"format"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			c.sendError("export_thread requires session_id")
			return
		}
		var content string
		var err error
		if p.Format == "json" {
			var data []byte
			data, err = s.engine.Store().ExportThreadTreeJSON(ctx, p.SessionID)
			content = string(data)
		} else {
			content, err = s.engine.Store().ExportThreadTreeMarkdown(ctx, p.SessionID)
		}
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendEnvelope("thread_export", map[string]string{
			"session_id": p.SessionID,
			"format":     p.Format,
			"content":    content,
		})

	case "switch_llm":
		var p struct {
			Provider string `json:"provider"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Provider == "" {
			c.sendError("switch_llm requires provider")
			return
		}
		if err := s.engine.UseProvider(p.Provider); err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendEnvelope("llm_switched", map[string]string{"provider": p.Provider})

	case "request_env_data":
		var p struct {
			SessionID string `json:"session_id"`
			Key       string `json:"key"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SessionID == "" {
			c.sendError("request_env_data requires session_id")
			return
		}
		root, err := s.engine.Store().ResolveRootThread(ctx, p.SessionID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		if p.Key != "" {
			entry, err := s.engine.Store().GetEnvData(ctx, root, p.Key)
			if err != nil {
				c.sendError(err.Error())
				return
			}
			c.sendEnvelope("env_data", entry)
			return
		}
		entries, err := s.engine.Store().ListEnvData(ctx, root)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendEnvelope("env_data", entries)

	default:
		s.logger.Debug("ignoring unknown ws command", "type", env.Type)
	}
}

func (c *client) setActive(poName, sessionID string) {
	c.mu.Lock()
	c.active[poName] = sessionID
	c.mu.Unlock()
}

func engineSendOptions(sessionID string) engine.SendOptions {
	return engine.SendOptions{SessionID: sessionID, Source: models.SourceWeb}
}

func parseSince(since string) (time.Time, error) {
	if since == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since timestamp: %w", err)
	}
	return t, nil
}
