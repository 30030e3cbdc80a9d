// Package store is the persistence boundary for cases, workflow
// instances, user tasks, case states, timeline events, and outbox
// intents. It offers a PostgreSQL implementation for production and an
// in-memory implementation for tests.
package store

import (
	"context"
	"time"

	"github.com/stadswerk/caseflow/model"
)

// TaskFilters narrow user task listings.
type TaskFilters struct {
	CaseID string
	Role   string
	// Completed is "all", "completed", or "not_completed". Empty defaults
	// to "not_completed".
	Completed string
}

// Reader holds the read operations available both inside and outside a
// transaction.
type Reader interface {
	// GetCase retrieves a case by ID. Returns NOT_FOUND if absent.
	GetCase(ctx context.Context, caseID string) (model.Case, error)

	// GetWorkflow retrieves a workflow instance by ID.
	GetWorkflow(ctx context.Context, workflowID string) (model.WorkflowInstance, error)

	// ListWorkflows returns all workflow instances of a case, oldest first.
	ListWorkflows(ctx context.Context, caseID string) ([]model.WorkflowInstance, error)

	// ActiveMainWorkflow returns the incomplete main workflow of a case,
	// or NOT_FOUND when the case has none.
	ActiveMainWorkflow(ctx context.Context, caseID string) (model.WorkflowInstance, error)

	// GetUserTask retrieves a user task row by its row ID.
	GetUserTask(ctx context.Context, id string) (model.UserTask, error)

	// ListUserTasks returns user tasks matching the filters, oldest first.
	ListUserTasks(ctx context.Context, filters TaskFilters) ([]model.UserTask, error)

	// OpenCaseStates returns the currently-open states of a case.
	OpenCaseStates(ctx context.Context, caseID string) ([]model.CaseState, error)

	// Timeline returns all events of a case in the order their
	// transactions committed. Re-querying is side-effect-free.
	Timeline(ctx context.Context, caseID string) ([]model.CaseEvent, error)
}

// Tx holds the mutations available inside a transaction. Every
// multi-entity operation in the engine and case service runs through one
// Tx so readers never observe partial results.
type Tx interface {
	Reader

	// CreateCase persists a new case.
	CreateCase(ctx context.Context, c model.Case) error

	// UpdateCase persists case mutations (end date).
	UpdateCase(ctx context.Context, c model.Case) error

	// CreateCitizenReport persists a citizen report row.
	CreateCitizenReport(ctx context.Context, r model.CitizenReport) error

	// CreateWorkflow persists a new workflow instance. Returns CONFLICT
	// when it would be a second active main workflow for the case.
	CreateWorkflow(ctx context.Context, w model.WorkflowInstance) error

	// LockWorkflow loads a workflow instance acquiring a row-level lock
	// held until the transaction ends.
	LockWorkflow(ctx context.Context, workflowID string) (model.WorkflowInstance, error)

	// UpdateWorkflow persists an updated instance with optimistic
	// locking. The version must match the stored version; CONFLICT
	// otherwise.
	UpdateWorkflow(ctx context.Context, w model.WorkflowInstance) error

	// CompleteNonMainWorkflows marks every incomplete non-main workflow
	// of a case completed.
	CompleteNonMainWorkflows(ctx context.Context, caseID string) error

	// CreateUserTask persists a new ready user task.
	CreateUserTask(ctx context.Context, t model.UserTask) error

	// CompleteUserTask marks a user task completed. Returns false when
	// the task was already completed, so racing completions resolve to
	// exactly one winner.
	CompleteUserTask(ctx context.Context, id string) (bool, error)

	// CompleteWorkflowTasks marks all open tasks of a workflow completed.
	CompleteWorkflowTasks(ctx context.Context, workflowID string) error

	// CreateCompletedTask persists a completed-task record.
	CreateCompletedTask(ctx context.Context, t model.CompletedTask) error

	// GetOrCreateStateType returns the state type for (name, theme),
	// creating it on first use.
	GetOrCreateStateType(ctx context.Context, name, theme string) (model.CaseStateType, error)

	// CreateCaseState opens a new case state.
	CreateCaseState(ctx context.Context, s model.CaseState) error

	// CloseCaseStates sets the end date on every open state of a case.
	CloseCaseStates(ctx context.Context, caseID string, endDate time.Time) error

	// CloseWorkflowStates sets the end date on every open state bound to
	// a workflow.
	CloseWorkflowStates(ctx context.Context, workflowID string, endDate time.Time) error

	// AppendEvent appends an immutable timeline event.
	AppendEvent(ctx context.Context, e model.CaseEvent) error

	// EnqueueIntent appends an outbox intent, durable with the enclosing
	// transaction.
	EnqueueIntent(ctx context.Context, i model.OutboxIntent) error
}

// Store is the top-level persistence interface.
type Store interface {
	Reader

	// InTx runs fn inside a single transaction. A non-nil error from fn
	// rolls the whole transaction back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ClaimDueIntents claims up to limit pending intents whose next
	// attempt time has passed, ordered oldest first. Claiming leases the
	// intent by pushing its next attempt time forward, so concurrent
	// claimers get disjoint batches.
	ClaimDueIntents(ctx context.Context, now time.Time, limit int) ([]model.OutboxIntent, error)

	// ResolveIntent records the outcome of a dispatch attempt.
	ResolveIntent(ctx context.Context, i model.OutboxIntent) error
}
