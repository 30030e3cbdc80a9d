// Package model contains the domain types shared across the case-management
// back end: cases, workflow instances, user tasks, process definitions, and
// the event timeline.
package model

import "time"

// Event type constants for the case timeline.
const (
	EventTypeCase          = "CASE"
	EventTypeCaseClose     = "CASE_CLOSE"
	EventTypeCitizenReport = "CITIZEN_REPORT"
	EventTypeTask          = "CASE_USER_TASK"
)

// Case is one tracked enforcement or inspection matter. A case owns its
// workflow instances and case states; deleting a case cascades to both.
type Case struct {
	ID             string     `json:"id"`
	Identification string     `json:"identification"`
	Theme          string     `json:"theme"`
	Reason         string     `json:"reason"`
	Description    string     `json:"description,omitempty"`
	Sensitive      bool       `json:"sensitive"`
	AuthorID       string     `json:"author_id,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Closed reports whether the case has been closed.
func (c *Case) Closed() bool {
	return c.EndDate != nil
}

// EventType implements EventSource.
func (c *Case) EventType() string { return EventTypeCase }

// EventCaseID implements EventSource.
func (c *Case) EventCaseID() string { return c.ID }

// EventValues implements EventSource.
func (c *Case) EventValues() map[string]any {
	author := c.AuthorID
	if author == "" {
		author = "unknown"
	}
	return map[string]any{
		"identification": c.Identification,
		"reason":         c.Reason,
		"description":    c.Description,
		"author":         author,
		"start_date":     c.StartDate,
	}
}

// CaseClose records the closure of a case, so that closing emits its own
// timeline event distinct from the case-created one.
type CaseClose struct {
	CaseID      string    `json:"case_id"`
	Description string    `json:"description,omitempty"`
	ClosedAt    time.Time `json:"closed_at"`
}

// EventType implements EventSource.
func (c *CaseClose) EventType() string { return EventTypeCaseClose }

// EventCaseID implements EventSource.
func (c *CaseClose) EventCaseID() string { return c.CaseID }

// EventValues implements EventSource.
func (c *CaseClose) EventValues() map[string]any {
	return map[string]any{
		"description": c.Description,
		"closed_at":   c.ClosedAt,
	}
}

// CitizenReport is the citizen complaint that triggered a case, recorded
// alongside the case in the same transaction.
type CitizenReport struct {
	ID           string    `json:"id"`
	CaseID       string    `json:"case_id"`
	ReporterName string    `json:"reporter_name,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventType implements EventSource.
func (r *CitizenReport) EventType() string { return EventTypeCitizenReport }

// EventCaseID implements EventSource.
func (r *CitizenReport) EventCaseID() string { return r.CaseID }

// EventValues implements EventSource.
func (r *CitizenReport) EventValues() map[string]any {
	return map[string]any{
		"reporter_name": r.ReporterName,
		"phone":         r.Phone,
		"description":   r.Description,
	}
}

// CaseStateType is a named, human-readable status a case can occupy,
// scoped per theme. Rows are created on demand by SetState.
type CaseStateType struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Theme string `json:"theme"`
}

// CaseState is a historical record of a case occupying a named status
// during [StartDate, EndDate). A nil EndDate means currently active.
// A state belongs to at most one workflow instance.
type CaseState struct {
	ID          string     `json:"id"`
	CaseID      string     `json:"case_id"`
	StateTypeID string     `json:"state_type_id"`
	StateName   string     `json:"state_name"`
	WorkflowID  string     `json:"workflow_id,omitempty"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

// Open reports whether the state is currently active.
func (s *CaseState) Open() bool {
	return s.EndDate == nil
}
