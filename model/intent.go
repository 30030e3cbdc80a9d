package model

import "time"

// Outbox intent kinds.
const (
	IntentProcessEngineStart = "process_engine_start"
	IntentCaseRegistration   = "case_registration"
)

// Outbox intent statuses.
const (
	IntentPending = "pending"
	IntentDone    = "done"
	IntentFailed  = "failed"
)

// OutboxIntent is a durable request to call an external collaborator,
// appended inside the domain transaction that requires it and drained
// asynchronously by the dispatcher. The originating transaction never
// waits on the external call.
type OutboxIntent struct {
	ID            string         `json:"id"`
	CaseID        string         `json:"case_id"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
