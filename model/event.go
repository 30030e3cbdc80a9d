package model

import "time"

// EventSource is the capability a domain entity implements to emit a
// timeline event when it is saved. The emitter calls the interface and
// never branches on the concrete type.
type EventSource interface {
	// EventType returns the timeline event type constant.
	EventType() string
	// EventCaseID returns the owning case's ID.
	EventCaseID() string
	// EventValues returns the payload recorded on the event.
	EventValues() map[string]any
}

// CaseEvent is one immutable entry in a case's timeline. Events are
// appended inside the transaction of the mutation that caused them and
// are never updated or deleted.
type CaseEvent struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	Type      string         `json:"type"`
	Values    map[string]any `json:"values,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
