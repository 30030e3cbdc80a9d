package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStateVersion is the version written into every serialized
// execution state blob. Blobs with a different version are rejected with
// INCOMPATIBLE_STATE rather than resumed on a best-effort basis.
const ExecutionStateVersion = 1

// Token statuses within an execution state.
const (
	TokenReady   = "ready"
	TokenWaiting = "waiting"
)

// Token marks one position of control flow within a process graph. User
// task nodes hold a ready token carrying the engine-assigned task ID that
// the completion protocol keys on.
type Token struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
	Status string `json:"status"`
}

// ExecutionState is the serialized state of one running execution: the
// token positions plus the accumulated process-scoped variables. It is
// persisted as an opaque versioned JSON blob on the workflow instance.
type ExecutionState struct {
	Version   int            `json:"version"`
	Process   string         `json:"process"`
	Tokens    []Token        `json:"tokens"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Encode serializes the state to its storage form.
func (s *ExecutionState) Encode() ([]byte, error) {
	s.Version = ExecutionStateVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode execution state: %w", err)
	}
	return data, nil
}

// DecodeExecutionState parses a stored blob. Blobs written by a different
// engine version fail with INCOMPATIBLE_STATE instead of being resumed.
func DecodeExecutionState(blob []byte) (*ExecutionState, error) {
	var s ExecutionState
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, NewIncompatibleStateError(
			fmt.Sprintf("serialized state is not readable: %v", err),
		)
	}
	if s.Version != ExecutionStateVersion {
		return nil, NewIncompatibleStateError(
			fmt.Sprintf("serialized state version %d, engine supports %d", s.Version, ExecutionStateVersion),
		)
	}
	return &s, nil
}

// WorkflowInstance is one running execution of a process definition bound
// to one case. SerializedState is nil until the first task action.
type WorkflowInstance struct {
	ID              string    `json:"id"`
	CaseID          string    `json:"case_id"`
	Process         string    `json:"process"`
	Imports         []string  `json:"imports,omitempty"`
	IsMainWorkflow  bool      `json:"is_main_workflow"`
	Completed       bool      `json:"completed"`
	SerializedState []byte    `json:"-"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UserTask is a ready unit of work presented to a human actor inside a
// workflow instance. TaskID is the opaque engine-assigned token ID.
type UserTask struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	CaseID     string    `json:"case_id"`
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	Name       string    `json:"name"`
	Roles      []string  `json:"roles,omitempty"`
	Completed  bool      `json:"completed"`
	CreatedAt  time.Time `json:"created_at"`
}

// CompletedTask records a finished user task: who acted and the submitted
// variables after mapping onto the task's form.
type CompletedTask struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"case_id"`
	UserTaskID  string         `json:"case_user_task_id"`
	TaskName    string         `json:"task_name"`
	Description string         `json:"description"`
	AuthorID    string         `json:"author_id"`
	Variables   map[string]any `json:"variables,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EventType implements EventSource.
func (t *CompletedTask) EventType() string { return EventTypeTask }

// EventCaseID implements EventSource.
func (t *CompletedTask) EventCaseID() string { return t.CaseID }

// EventValues implements EventSource.
func (t *CompletedTask) EventValues() map[string]any {
	return map[string]any{
		"task_name":   t.TaskName,
		"description": t.Description,
		"author":      t.AuthorID,
		"variables":   t.Variables,
	}
}

// TaskRef identifies one currently-actionable task in an execution.
type TaskRef struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
}

// Actor identifies who performs an operation.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}
