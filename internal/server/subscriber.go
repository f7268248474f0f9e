package server

import (
	"github.com/promptobjects/promptobjects/pkg/models"
)

// The server is a bus subscriber: every bus callback becomes a broadcast
// frame. Stream chunks are droppable; everything else is best-effort with
// catch-up served by /api/events.

func (s *Server) OnMessage(event *models.BusEvent) {
	s.broadcast(marshalEnvelope("bus_message", event), false)
}

func (s *Server) OnPOStateChange(poName string, state models.POState) {
	s.mu.Lock()
	s.poStates[poName] = state
	s.mu.Unlock()
	s.broadcast(marshalEnvelope("po_state", map[string]any{
		"po_name": poName,
		"state":   state,
	}), false)
}

func (s *Server) OnStreamChunk(poName, sessionID, text string) {
	s.broadcast(marshalEnvelope("stream", map[string]string{
		"po_name":    poName,
		"session_id": sessionID,
		"text":       text,
	}), true)
}

func (s *Server) OnStreamEnd(poName, sessionID string) {
	s.broadcast(marshalEnvelope("stream_end", map[string]string{
		"po_name":    poName,
		"session_id": sessionID,
	}), false)
}

func (s *Server) OnNotification(req *models.HumanRequest) {
	s.broadcast(marshalEnvelope("notification", req), false)
}

func (s *Server) OnNotificationResolved(requestID, response string) {
	s.broadcast(marshalEnvelope("notification_resolved", map[string]string{
		"request_id": requestID,
		"response":   response,
	}), false)
}

func (s *Server) OnEnvDataChange(rootThreadID, key string) {
	s.broadcast(marshalEnvelope("env_data_change", map[string]string{
		"root_thread_id": rootThreadID,
		"key":            key,
	}), false)
}
