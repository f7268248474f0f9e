package models

import "time"

// BusEvent is an observable traffic record carried by the message bus and
// persisted to the events table. Content is authoritative; Summary is a short
// single-line rendering for dense displays.
type BusEvent struct {
	ID        int64     `json:"id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	SessionID string    `json:"session_id,omitempty"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// POState describes what a prompt object is currently doing, for live displays.
type POState string

const (
	POIdle        POState = "idle"
	POThinking    POState = "thinking"
	POCallingTool POState = "calling_tool"
	POWaiting     POState = "waiting_for_human"
)
