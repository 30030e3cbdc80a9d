package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stadswerk/caseflow/model"
)

// MemStore is an in-memory Store for testing. InTx takes a snapshot of
// all data and restores it when the callback fails, matching the
// all-or-nothing visibility of the PostgreSQL implementation.
type MemStore struct {
	mu sync.RWMutex
	d  *memData
}

type memData struct {
	cases      map[string]model.Case
	reports    map[string]model.CitizenReport
	workflows  map[string]model.WorkflowInstance
	tasks      map[string]model.UserTask
	completed  map[string]model.CompletedTask
	stateTypes map[string]model.CaseStateType // key: name|theme
	states     map[string]model.CaseState
	events     []model.CaseEvent
	intents    map[string]model.OutboxIntent
	intentSeq  []string
}

func newMemData() *memData {
	return &memData{
		cases:      make(map[string]model.Case),
		reports:    make(map[string]model.CitizenReport),
		workflows:  make(map[string]model.WorkflowInstance),
		tasks:      make(map[string]model.UserTask),
		completed:  make(map[string]model.CompletedTask),
		stateTypes: make(map[string]model.CaseStateType),
		states:     make(map[string]model.CaseState),
		intents:    make(map[string]model.OutboxIntent),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.cases {
		c.cases[k] = v
	}
	for k, v := range d.reports {
		c.reports[k] = v
	}
	for k, v := range d.workflows {
		c.workflows[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for k, v := range d.completed {
		c.completed[k] = v
	}
	for k, v := range d.stateTypes {
		c.stateTypes[k] = v
	}
	for k, v := range d.states {
		c.states[k] = v
	}
	for k, v := range d.intents {
		c.intents[k] = v
	}
	c.events = append(c.events, d.events...)
	c.intentSeq = append(c.intentSeq, d.intentSeq...)
	return c
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{d: newMemData()}
}

// InTx runs fn against a working copy of the data and swaps it in only
// when fn succeeds.
func (s *MemStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.d.clone()
	tx := &memTx{d: work}
	if err := fn(tx); err != nil {
		return err
	}
	s.d = work
	return nil
}

// ClaimDueIntents claims pending intents due at now, oldest first. Each
// claimed intent's next_attempt_at moves forward by a lease so a second
// claimer running before the first resolves cannot pick up the same row.
func (s *MemStore) ClaimDueIntents(_ context.Context, now time.Time, limit int) ([]model.OutboxIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.OutboxIntent
	for _, id := range s.d.intentSeq {
		i := s.d.intents[id]
		if i.Status != model.IntentPending || i.NextAttemptAt.After(now) {
			continue
		}
		i.NextAttemptAt = now.Add(intentClaimLease)
		s.d.intents[id] = i
		due = append(due, i)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

// ResolveIntent records a dispatch attempt outcome.
func (s *MemStore) ResolveIntent(_ context.Context, i model.OutboxIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.d.intents[i.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("outbox intent %q not found", i.ID))
	}
	s.d.intents[i.ID] = i
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemStore) HealthCheck(_ context.Context) error {
	return nil
}

// Read methods on the store delegate to the committed data.

func (s *MemStore) GetCase(ctx context.Context, caseID string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{d: s.d}).GetCase(ctx, caseID)
}

func (s *MemStore) GetWorkflow(ctx context.Context, workflowID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{d: s.d}).GetWorkflow(ctx, workflowID)
}

func (s *MemStore) ListWorkflows(ctx context.Context, caseID string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{d: s.d}).ListWorkflows(ctx, caseID)
}

func (s *MemStore) ActiveMainWorkflow(ctx context.Context, caseID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{d: s.d}).ActiveMainWorkflow(ctx, caseID)
}

func (s *MemStore) GetUserTask(ctx context.Context, id string) (model.UserTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{d: s.d}).GetUserTask(ctx, id)
}

func (s *MemStore) ListUserTasks(ctx context.Context, filters TaskFilters) ([]model.UserTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{d: s.d}).ListUserTasks(ctx, filters)
}

func (s *MemStore) OpenCaseStates(ctx context.Context, caseID string) ([]model.CaseState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{d: s.d}).OpenCaseStates(ctx, caseID)
}

func (s *MemStore) Timeline(ctx context.Context, caseID string) ([]model.CaseEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{d: s.d}).Timeline(ctx, caseID)
}

// Intents returns all intents in enqueue order. For testing.
func (s *MemStore) Intents() []model.OutboxIntent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.OutboxIntent, 0, len(s.d.intentSeq))
	for _, id := range s.d.intentSeq {
		out = append(out, s.d.intents[id])
	}
	return out
}

// memTx implements Tx against a working copy.
type memTx struct {
	d *memData
}

func (t *memTx) GetCase(_ context.Context, caseID string) (model.Case, error) {
	c, ok := t.d.cases[caseID]
	if !ok {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	return c, nil
}

func (t *memTx) GetWorkflow(_ context.Context, workflowID string) (model.WorkflowInstance, error) {
	w, ok := t.d.workflows[workflowID]
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", workflowID),
		)
	}
	return w, nil
}

func (t *memTx) ListWorkflows(_ context.Context, caseID string) ([]model.WorkflowInstance, error) {
	var out []model.WorkflowInstance
	for _, w := range t.d.workflows {
		if w.CaseID == caseID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) ActiveMainWorkflow(_ context.Context, caseID string) (model.WorkflowInstance, error) {
	for _, w := range t.d.workflows {
		if w.CaseID == caseID && w.IsMainWorkflow && !w.Completed {
			return w, nil
		}
	}
	return model.WorkflowInstance{}, model.NewNotFoundError(
		fmt.Sprintf("case %q has no active main workflow", caseID),
	)
}

func (t *memTx) GetUserTask(_ context.Context, id string) (model.UserTask, error) {
	task, ok := t.d.tasks[id]
	if !ok {
		return model.UserTask{}, model.NewNotFoundError(fmt.Sprintf("user task %q not found", id))
	}
	return task, nil
}

func (t *memTx) ListUserTasks(_ context.Context, filters TaskFilters) ([]model.UserTask, error) {
	completed := filters.Completed
	if completed == "" {
		completed = "not_completed"
	}

	var out []model.UserTask
	for _, task := range t.d.tasks {
		if filters.CaseID != "" && task.CaseID != filters.CaseID {
			continue
		}
		if filters.Role != "" && !containsRole(task.Roles, filters.Role) {
			continue
		}
		switch completed {
		case "completed":
			if !task.Completed {
				continue
			}
		case "not_completed":
			if task.Completed {
				continue
			}
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) OpenCaseStates(_ context.Context, caseID string) ([]model.CaseState, error) {
	var out []model.CaseState
	for _, s := range t.d.states {
		if s.CaseID == caseID && s.Open() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (t *memTx) Timeline(_ context.Context, caseID string) ([]model.CaseEvent, error) {
	var out []model.CaseEvent
	for _, e := range t.d.events {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) CreateCase(_ context.Context, c model.Case) error {
	if _, exists := t.d.cases[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	t.d.cases[c.ID] = c
	return nil
}

func (t *memTx) UpdateCase(_ context.Context, c model.Case) error {
	if _, exists := t.d.cases[c.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", c.ID))
	}
	c.UpdatedAt = time.Now().UTC()
	t.d.cases[c.ID] = c
	return nil
}

func (t *memTx) CreateCitizenReport(_ context.Context, r model.CitizenReport) error {
	t.d.reports[r.ID] = r
	return nil
}

func (t *memTx) CreateWorkflow(_ context.Context, w model.WorkflowInstance) error {
	if _, exists := t.d.workflows[w.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", w.ID))
	}
	if w.IsMainWorkflow && !w.Completed {
		for _, other := range t.d.workflows {
			if other.CaseID == w.CaseID && other.IsMainWorkflow && !other.Completed {
				return model.NewConflictError(
					fmt.Sprintf("case %q already has an active main workflow", w.CaseID),
				)
			}
		}
	}
	t.d.workflows[w.ID] = w
	return nil
}

func (t *memTx) LockWorkflow(ctx context.Context, workflowID string) (model.WorkflowInstance, error) {
	// The store-wide mutex already serializes transactions.
	return t.GetWorkflow(ctx, workflowID)
}

func (t *memTx) UpdateWorkflow(_ context.Context, w model.WorkflowInstance) error {
	existing, exists := t.d.workflows[w.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", w.ID))
	}
	if existing.Version != w.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", w.ID, w.Version),
		)
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	t.d.workflows[w.ID] = w
	return nil
}

func (t *memTx) CompleteNonMainWorkflows(_ context.Context, caseID string) error {
	for id, w := range t.d.workflows {
		if w.CaseID == caseID && !w.IsMainWorkflow && !w.Completed {
			w.Completed = true
			w.UpdatedAt = time.Now().UTC()
			t.d.workflows[id] = w
		}
	}
	return nil
}

func (t *memTx) CreateUserTask(_ context.Context, task model.UserTask) error {
	if _, exists := t.d.tasks[task.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("user task %q already exists", task.ID))
	}
	t.d.tasks[task.ID] = task
	return nil
}

func (t *memTx) CompleteUserTask(_ context.Context, id string) (bool, error) {
	task, ok := t.d.tasks[id]
	if !ok {
		return false, model.NewNotFoundError(fmt.Sprintf("user task %q not found", id))
	}
	if task.Completed {
		return false, nil
	}
	task.Completed = true
	t.d.tasks[id] = task
	return true, nil
}

func (t *memTx) CompleteWorkflowTasks(_ context.Context, workflowID string) error {
	for id, task := range t.d.tasks {
		if task.WorkflowID == workflowID && !task.Completed {
			task.Completed = true
			t.d.tasks[id] = task
		}
	}
	return nil
}

func (t *memTx) CreateCompletedTask(_ context.Context, ct model.CompletedTask) error {
	t.d.completed[ct.ID] = ct
	return nil
}

func (t *memTx) GetOrCreateStateType(_ context.Context, name, theme string) (model.CaseStateType, error) {
	key := name + "|" + theme
	if st, ok := t.d.stateTypes[key]; ok {
		return st, nil
	}
	st := model.CaseStateType{ID: uuid.New().String(), Name: name, Theme: theme}
	t.d.stateTypes[key] = st
	return st, nil
}

func (t *memTx) CreateCaseState(_ context.Context, s model.CaseState) error {
	t.d.states[s.ID] = s
	return nil
}

func (t *memTx) CloseCaseStates(_ context.Context, caseID string, endDate time.Time) error {
	for id, s := range t.d.states {
		if s.CaseID == caseID && s.Open() {
			end := endDate
			s.EndDate = &end
			t.d.states[id] = s
		}
	}
	return nil
}

func (t *memTx) CloseWorkflowStates(_ context.Context, workflowID string, endDate time.Time) error {
	for id, s := range t.d.states {
		if s.WorkflowID == workflowID && s.Open() {
			end := endDate
			s.EndDate = &end
			t.d.states[id] = s
		}
	}
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e model.CaseEvent) error {
	t.d.events = append(t.d.events, e)
	return nil
}

func (t *memTx) EnqueueIntent(_ context.Context, i model.OutboxIntent) error {
	if _, exists := t.d.intents[i.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("outbox intent %q already exists", i.ID))
	}
	t.d.intents[i.ID] = i
	t.d.intentSeq = append(t.d.intentSeq, i.ID)
	return nil
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
