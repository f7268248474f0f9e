package models

import "time"

// HumanRequestState tracks the lifecycle of an ask_human request.
type HumanRequestState string

const (
	HumanPending   HumanRequestState = "pending"
	HumanResolved  HumanRequestState = "resolved"
	HumanCancelled HumanRequestState = "cancelled"
)

// HumanRequest is a pending ask_human correlated with a suspended turn.
type HumanRequest struct {
	ID        string            `json:"id"`
	PoName    string            `json:"po_name"`
	Question  string            `json:"question"`
	Options   []string          `json:"options,omitempty"`
	State     HumanRequestState `json:"state"`
	Response  string            `json:"response,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
