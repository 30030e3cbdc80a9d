package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/definition"
	"github.com/stadswerk/caseflow/internal/events"
	"github.com/stadswerk/caseflow/internal/form"
	"github.com/stadswerk/caseflow/internal/observability"
	"github.com/stadswerk/caseflow/internal/store"
	"github.com/stadswerk/caseflow/model"
)

// Engine runs workflow instances against the persisted store. Every
// operation that mutates more than one entity goes through a single
// transaction, so readers never observe a half-advanced execution.
type Engine struct {
	store   store.Store
	defs    *definition.Store
	eval    ConditionEvaluator
	emitter *events.Emitter
	metrics *observability.Metrics
	log     *zap.Logger
}

// New builds an Engine. metrics may be nil.
func New(st store.Store, defs *definition.Store, eval ConditionEvaluator, emitter *events.Emitter, metrics *observability.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		defs:    defs,
		eval:    eval,
		emitter: emitter,
		metrics: metrics,
		log:     log,
	}
}

// CompleteResult reports what a task completion changed.
type CompleteResult struct {
	TaskID            string `json:"task_id"`
	TaskName          string `json:"task_name"`
	WorkflowID        string `json:"workflow_id"`
	CaseID            string `json:"case_id"`
	WorkflowCompleted bool   `json:"workflow_completed"`
	CaseClosed        bool   `json:"case_closed"`
}

// StartWorkflow creates and immediately advances a new workflow instance
// for a case inside the caller's transaction. A second active main
// workflow for the same case fails with CONFLICT. A main workflow whose
// tokens run out at start closes the case right away.
func (e *Engine) StartWorkflow(ctx context.Context, tx store.Tx, cse model.Case, process string, imports []string, isMain bool, variables map[string]any) (model.WorkflowInstance, error) {
	spec, err := e.defs.Load(process, imports)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	adv, err := NewExecution(spec, e.eval, variables)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	blob, err := adv.State.Encode()
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := time.Now().UTC()
	wf := model.WorkflowInstance{
		ID:              uuid.New().String(),
		CaseID:          cse.ID,
		Process:         process,
		Imports:         imports,
		IsMainWorkflow:  isMain,
		Completed:       adv.Completed,
		SerializedState: blob,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.CreateWorkflow(ctx, wf); err != nil {
		return model.WorkflowInstance{}, err
	}

	if err := e.applyAdvancement(ctx, tx, cse, wf, spec, adv); err != nil {
		return model.WorkflowInstance{}, err
	}

	if adv.Completed {
		if err := e.finishWorkflow(ctx, tx, wf); err != nil {
			return model.WorkflowInstance{}, err
		}
		if isMain {
			if err := e.CloseCase(ctx, tx, cse, "hoofdworkflow afgerond"); err != nil {
				return model.WorkflowInstance{}, err
			}
		}
	}

	if e.metrics != nil {
		e.metrics.RecordWorkflowStart(process)
		if adv.Completed {
			e.metrics.RecordWorkflowCompletion(process)
		}
	}

	e.log.Info("workflow started",
		zap.String("case_id", cse.ID),
		zap.String("workflow_id", wf.ID),
		zap.String("process", process),
		zap.Bool("main", isMain))
	return wf, nil
}

// CompleteTask completes one ready user task: it validates the submitted
// variables against the task's form, advances the execution, and persists
// every consequence in one transaction. When two callers race on the same
// task exactly one wins; the other fails with TASK_ALREADY_COMPLETED and
// no partial effect.
func (e *Engine) CompleteTask(ctx context.Context, userTaskID string, actor model.Actor, variables map[string]any) (CompleteResult, error) {
	var res CompleteResult
	var process string
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		task, err := tx.GetUserTask(ctx, userTaskID)
		if err != nil {
			return err
		}

		won, err := tx.CompleteUserTask(ctx, userTaskID)
		if err != nil {
			return err
		}
		if !won {
			return model.NewTaskAlreadyCompletedError(
				fmt.Sprintf("task %q was already completed", userTaskID),
			)
		}

		wf, err := tx.LockWorkflow(ctx, task.WorkflowID)
		if err != nil {
			return err
		}
		if wf.Completed {
			return model.NewTaskAlreadyCompletedError(
				fmt.Sprintf("workflow %q has already finished", wf.ID),
			)
		}

		cse, err := tx.GetCase(ctx, wf.CaseID)
		if err != nil {
			return err
		}
		if cse.Closed() {
			return model.NewConflictError(
				fmt.Sprintf("case %q is closed", cse.ID),
			)
		}

		spec, err := e.defs.Load(wf.Process, wf.Imports)
		if err != nil {
			return err
		}
		state, err := model.DecodeExecutionState(wf.SerializedState)
		if err != nil {
			return err
		}

		f, err := form.Resolve(spec, task.TaskName)
		if err != nil {
			return err
		}
		mapped, err := form.MapVariablesOnForm(f, variables)
		if err != nil {
			return err
		}

		adv, err := CompleteToken(spec, e.eval, state, task.TaskID, mapped)
		if err != nil {
			return err
		}

		desc := task.Name
		if desc == "" {
			desc = form.Describe(f)
		}
		completed := model.CompletedTask{
			ID:          uuid.New().String(),
			CaseID:      cse.ID,
			UserTaskID:  task.ID,
			TaskName:    task.TaskName,
			Description: desc,
			AuthorID:    actor.ID,
			Variables:   mapped,
			CreatedAt:   time.Now().UTC(),
		}
		if err := tx.CreateCompletedTask(ctx, completed); err != nil {
			return err
		}
		if err := e.emitter.Emit(ctx, tx, &completed, cse.Sensitive); err != nil {
			return err
		}

		if err := e.applyAdvancement(ctx, tx, cse, wf, spec, adv); err != nil {
			return err
		}

		blob, err := adv.State.Encode()
		if err != nil {
			return err
		}
		wf.SerializedState = blob
		wf.Completed = adv.Completed
		wf.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}

		caseClosed := false
		if adv.Completed {
			if err := e.finishWorkflow(ctx, tx, wf); err != nil {
				return err
			}
			if wf.IsMainWorkflow {
				if err := e.CloseCase(ctx, tx, cse, "hoofdworkflow afgerond"); err != nil {
					return err
				}
				caseClosed = true
			}
		}

		process = wf.Process
		res = CompleteResult{
			TaskID:            task.ID,
			TaskName:          task.TaskName,
			WorkflowID:        wf.ID,
			CaseID:            cse.ID,
			WorkflowCompleted: adv.Completed,
			CaseClosed:        caseClosed,
		}
		return nil
	})
	if e.metrics != nil {
		if err != nil {
			e.metrics.RecordTaskCompletion("failed")
		} else {
			e.metrics.RecordTaskCompletion("completed")
			if res.WorkflowCompleted {
				e.metrics.RecordWorkflowCompletion(process)
			}
		}
	}
	if err != nil {
		return CompleteResult{}, err
	}

	e.log.Info("task completed",
		zap.String("task_id", res.TaskID),
		zap.String("task_name", res.TaskName),
		zap.String("case_id", res.CaseID),
		zap.Bool("workflow_completed", res.WorkflowCompleted))
	return res, nil
}

// TaskForm returns the form bound to a ready user task, with defaults
// applied, for rendering to the actor.
func (e *Engine) TaskForm(ctx context.Context, userTaskID string) (model.FormDefinition, map[string]any, error) {
	task, err := e.store.GetUserTask(ctx, userTaskID)
	if err != nil {
		return model.FormDefinition{}, nil, err
	}
	if task.Completed {
		return model.FormDefinition{}, nil, model.NewTaskAlreadyCompletedError(
			fmt.Sprintf("task %q was already completed", userTaskID),
		)
	}

	wf, err := e.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return model.FormDefinition{}, nil, err
	}
	spec, err := e.defs.Load(wf.Process, wf.Imports)
	if err != nil {
		return model.FormDefinition{}, nil, err
	}
	f, err := form.Resolve(spec, task.TaskName)
	if err != nil {
		return model.FormDefinition{}, nil, err
	}
	return f, form.Defaults(f), nil
}

// CloseCase runs the closure cascade inside the caller's transaction:
// every open case state gets an end date, every incomplete non-main
// workflow is completed, the case gets its end date, and a closure event
// lands on the timeline. All of it commits together or not at all.
func (e *Engine) CloseCase(ctx context.Context, tx store.Tx, cse model.Case, description string) error {
	if cse.Closed() {
		return model.NewConflictError(fmt.Sprintf("case %q is already closed", cse.ID))
	}

	now := time.Now().UTC()
	if err := tx.CloseCaseStates(ctx, cse.ID, now); err != nil {
		return err
	}
	if err := tx.CompleteNonMainWorkflows(ctx, cse.ID); err != nil {
		return err
	}

	cse.EndDate = &now
	cse.UpdatedAt = now
	if err := tx.UpdateCase(ctx, cse); err != nil {
		return err
	}

	closure := model.CaseClose{
		CaseID:      cse.ID,
		Description: description,
		ClosedAt:    now,
	}
	if err := e.emitter.Emit(ctx, tx, &closure, cse.Sensitive); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordCaseClosed()
	}
	e.log.Info("case closed", zap.String("case_id", cse.ID))
	return nil
}

// finishWorkflow settles a workflow that ran out of tokens: any stray
// open task rows and workflow-bound states are closed.
func (e *Engine) finishWorkflow(ctx context.Context, tx store.Tx, wf model.WorkflowInstance) error {
	if err := tx.CompleteWorkflowTasks(ctx, wf.ID); err != nil {
		return err
	}
	return tx.CloseWorkflowStates(ctx, wf.ID, time.Now().UTC())
}

// applyAdvancement persists everything a token walk produced: user task
// rows for newly ready tasks, the matching case states, outbox intents
// for passed service tasks, and non-main instances for passed subprocess
// nodes.
func (e *Engine) applyAdvancement(ctx context.Context, tx store.Tx, cse model.Case, wf model.WorkflowInstance, spec *model.ProcessSpec, adv *Advancement) error {
	now := time.Now().UTC()

	for _, ref := range adv.ReadyTasks {
		node, ok := spec.Node(ref.TaskName)
		if !ok {
			return model.NewIncompatibleStateError(
				fmt.Sprintf("ready task on unknown node %q", ref.TaskName),
			)
		}
		task := model.UserTask{
			ID:         uuid.New().String(),
			WorkflowID: wf.ID,
			CaseID:     cse.ID,
			TaskID:     ref.TaskID,
			TaskName:   node.ID,
			Name:       node.Name,
			Roles:      node.Roles,
			CreatedAt:  now,
		}
		if err := tx.CreateUserTask(ctx, task); err != nil {
			return err
		}
	}

	if err := e.syncStates(ctx, tx, cse, wf, spec, adv.State); err != nil {
		return err
	}

	for _, kind := range adv.Intents {
		intent := model.OutboxIntent{
			ID:     uuid.New().String(),
			CaseID: cse.ID,
			Kind:   kind,
			Payload: map[string]any{
				"case_id":        cse.ID,
				"identification": cse.Identification,
				"workflow_id":    wf.ID,
				"process":        wf.Process,
			},
			Status:        model.IntentPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if err := tx.EnqueueIntent(ctx, intent); err != nil {
			return err
		}
	}

	for _, node := range adv.Subprocesses {
		vars := adv.State.Variables
		if _, err := e.StartWorkflow(ctx, tx, cse, node.Subprocess, node.SubImports, false, vars); err != nil {
			return err
		}
	}
	return nil
}

// syncStates makes the open workflow-bound states of a case mirror the
// case_state names declared by the currently ready tasks. Closed states
// stay in the history.
func (e *Engine) syncStates(ctx context.Context, tx store.Tx, cse model.Case, wf model.WorkflowInstance, spec *model.ProcessSpec, state *model.ExecutionState) error {
	refs, err := ReadyTasks(spec, state)
	if err != nil {
		return err
	}

	want := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		node, ok := spec.Node(ref.TaskName)
		if !ok || node.CaseState == "" || seen[node.CaseState] {
			continue
		}
		seen[node.CaseState] = true
		want = append(want, node.CaseState)
	}

	now := time.Now().UTC()
	if err := tx.CloseWorkflowStates(ctx, wf.ID, now); err != nil {
		return err
	}
	for _, name := range want {
		st, err := tx.GetOrCreateStateType(ctx, name, cse.Theme)
		if err != nil {
			return err
		}
		cs := model.CaseState{
			ID:          uuid.New().String(),
			CaseID:      cse.ID,
			StateTypeID: st.ID,
			StateName:   st.Name,
			WorkflowID:  wf.ID,
			StartDate:   now,
		}
		if err := tx.CreateCaseState(ctx, cs); err != nil {
			return err
		}
	}
	return nil
}
