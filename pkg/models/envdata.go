package models

import (
	"encoding/json"
	"time"
)

// EnvDataEntry is one shared key-value record scoped to the root of a
// delegation tree. Listings omit Value to keep LLM context windows small;
// reads fetch it on demand.
type EnvDataEntry struct {
	RootThreadID     string          `json:"root_thread_id"`
	Key              string          `json:"key"`
	ShortDescription string          `json:"short_description"`
	Value            json.RawMessage `json:"value,omitempty"`
	StoredBy         string          `json:"stored_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
