package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stadswerk/caseflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Multi-entity
// operations run inside a single database transaction; task completion
// additionally takes a row-level lock on the workflow instance so racing
// completions serialize at the database, not in process.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// InTx runs fn inside one database transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if err := fn(&pgTx{tx: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// intentClaimLease is how far ClaimDueIntents pushes next_attempt_at
// forward on claim. A dispatcher that dies mid-batch leaves its intents
// pending; they come due again once the lease runs out.
const intentClaimLease = time.Minute

// ClaimDueIntents claims pending intents due at now, oldest first. The
// claim bumps next_attempt_at by a lease in the same statement, and SKIP
// LOCKED keeps concurrent claimers off each other's rows while the
// update runs, so no two dispatchers claim the same intent.
func (s *PgStore) ClaimDueIntents(ctx context.Context, now time.Time, limit int) ([]model.OutboxIntent, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE outbox_intents SET next_attempt_at = $1
			WHERE id IN (
				SELECT id FROM outbox_intents
				WHERE status = 'pending' AND next_attempt_at <= $2
				ORDER BY created_at ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, case_id, kind, payload, status, attempts, next_attempt_at, last_error, created_at
		)
		SELECT id, case_id, kind, payload, status, attempts, next_attempt_at, last_error, created_at
		FROM claimed
		ORDER BY created_at ASC`,
		now.Add(intentClaimLease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due intents: %w", err)
	}
	defer rows.Close()

	var intents []model.OutboxIntent
	for rows.Next() {
		var i model.OutboxIntent
		var payload []byte
		if err := rows.Scan(
			&i.ID, &i.CaseID, &i.Kind, &payload, &i.Status,
			&i.Attempts, &i.NextAttemptAt, &i.LastError, &i.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox intent: %w", err)
		}
		if payload != nil {
			_ = json.Unmarshal(payload, &i.Payload)
		}
		intents = append(intents, i)
	}
	return intents, rows.Err()
}

// ResolveIntent records a dispatch attempt outcome.
func (s *PgStore) ResolveIntent(ctx context.Context, i model.OutboxIntent) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_intents SET
			status = $1, attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $5`,
		i.Status, i.Attempts, i.NextAttemptAt, i.LastError, i.ID,
	)
	if err != nil {
		return fmt.Errorf("update outbox intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("outbox intent %q not found", i.ID))
	}
	return nil
}

// HealthCheck verifies database connectivity for the readiness endpoint.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Read methods on the pool.

func (s *PgStore) GetCase(ctx context.Context, caseID string) (model.Case, error) {
	return getCase(ctx, s.pool, caseID)
}

func (s *PgStore) GetWorkflow(ctx context.Context, workflowID string) (model.WorkflowInstance, error) {
	return getWorkflow(ctx, s.pool, workflowID, false)
}

func (s *PgStore) ListWorkflows(ctx context.Context, caseID string) ([]model.WorkflowInstance, error) {
	return listWorkflows(ctx, s.pool, caseID)
}

func (s *PgStore) ActiveMainWorkflow(ctx context.Context, caseID string) (model.WorkflowInstance, error) {
	return activeMainWorkflow(ctx, s.pool, caseID)
}

func (s *PgStore) GetUserTask(ctx context.Context, id string) (model.UserTask, error) {
	return getUserTask(ctx, s.pool, id)
}

func (s *PgStore) ListUserTasks(ctx context.Context, filters TaskFilters) ([]model.UserTask, error) {
	return listUserTasks(ctx, s.pool, filters)
}

func (s *PgStore) OpenCaseStates(ctx context.Context, caseID string) ([]model.CaseState, error) {
	return openCaseStates(ctx, s.pool, caseID)
}

func (s *PgStore) Timeline(ctx context.Context, caseID string) ([]model.CaseEvent, error) {
	return timeline(ctx, s.pool, caseID)
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetCase(ctx context.Context, caseID string) (model.Case, error) {
	return getCase(ctx, t.tx, caseID)
}

func (t *pgTx) GetWorkflow(ctx context.Context, workflowID string) (model.WorkflowInstance, error) {
	return getWorkflow(ctx, t.tx, workflowID, false)
}

func (t *pgTx) ListWorkflows(ctx context.Context, caseID string) ([]model.WorkflowInstance, error) {
	return listWorkflows(ctx, t.tx, caseID)
}

func (t *pgTx) ActiveMainWorkflow(ctx context.Context, caseID string) (model.WorkflowInstance, error) {
	return activeMainWorkflow(ctx, t.tx, caseID)
}

func (t *pgTx) GetUserTask(ctx context.Context, id string) (model.UserTask, error) {
	return getUserTask(ctx, t.tx, id)
}

func (t *pgTx) ListUserTasks(ctx context.Context, filters TaskFilters) ([]model.UserTask, error) {
	return listUserTasks(ctx, t.tx, filters)
}

func (t *pgTx) OpenCaseStates(ctx context.Context, caseID string) ([]model.CaseState, error) {
	return openCaseStates(ctx, t.tx, caseID)
}

func (t *pgTx) Timeline(ctx context.Context, caseID string) ([]model.CaseEvent, error) {
	return timeline(ctx, t.tx, caseID)
}

func (t *pgTx) CreateCase(ctx context.Context, c model.Case) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cases (
			id, identification, theme, reason, description, sensitive,
			author_id, start_date, end_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Identification, c.Theme, c.Reason, c.Description, c.Sensitive,
		c.AuthorID, c.StartDate, c.EndDate, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateCase(ctx context.Context, c model.Case) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE cases SET
			description = $1, sensitive = $2, end_date = $3, updated_at = $4
		WHERE id = $5`,
		c.Description, c.Sensitive, c.EndDate, time.Now().UTC(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", c.ID))
	}
	return nil
}

func (t *pgTx) CreateCitizenReport(ctx context.Context, r model.CitizenReport) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO citizen_reports (id, case_id, reporter_name, phone, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.CaseID, r.ReporterName, r.Phone, r.Description, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert citizen report: %w", err)
	}
	return nil
}

func (t *pgTx) CreateWorkflow(ctx context.Context, w model.WorkflowInstance) error {
	// The partial unique index on (case_id) WHERE is_main_workflow AND NOT
	// completed backstops the invariant; check first for a clean error.
	if w.IsMainWorkflow && !w.Completed {
		var exists bool
		err := t.tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM workflow_instances
				WHERE case_id = $1 AND is_main_workflow AND NOT completed
			)`, w.CaseID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check main workflow: %w", err)
		}
		if exists {
			return model.NewConflictError(
				fmt.Sprintf("case %q already has an active main workflow", w.CaseID),
			)
		}
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, case_id, process, imports, is_main_workflow, completed,
			serialized_state, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.CaseID, w.Process, w.Imports, w.IsMainWorkflow, w.Completed,
		w.SerializedState, w.Version, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (t *pgTx) LockWorkflow(ctx context.Context, workflowID string) (model.WorkflowInstance, error) {
	return getWorkflow(ctx, t.tx, workflowID, true)
}

func (t *pgTx) UpdateWorkflow(ctx context.Context, w model.WorkflowInstance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_instances SET
			completed = $1, serialized_state = $2, version = $3, updated_at = $4
		WHERE id = $5 AND version = $6`,
		w.Completed, w.SerializedState, w.Version+1, time.Now().UTC(),
		w.ID, w.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", w.ID, w.Version),
		)
	}
	return nil
}

func (t *pgTx) CompleteNonMainWorkflows(ctx context.Context, caseID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE workflow_instances SET completed = TRUE, updated_at = $1
		WHERE case_id = $2 AND NOT is_main_workflow AND NOT completed`,
		time.Now().UTC(), caseID,
	)
	if err != nil {
		return fmt.Errorf("complete non-main workflows: %w", err)
	}
	return nil
}

func (t *pgTx) CreateUserTask(ctx context.Context, task model.UserTask) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO case_user_tasks (
			id, workflow_id, case_id, task_id, task_name, name, roles, completed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.WorkflowID, task.CaseID, task.TaskID, task.TaskName,
		task.Name, task.Roles, task.Completed, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user task: %w", err)
	}
	return nil
}

func (t *pgTx) CompleteUserTask(ctx context.Context, id string) (bool, error) {
	// The completed guard makes racing completions resolve to one winner.
	tag, err := t.tx.Exec(ctx, `
		UPDATE case_user_tasks SET completed = TRUE
		WHERE id = $1 AND NOT completed`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("complete user task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) CompleteWorkflowTasks(ctx context.Context, workflowID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE case_user_tasks SET completed = TRUE
		WHERE workflow_id = $1 AND NOT completed`,
		workflowID,
	)
	if err != nil {
		return fmt.Errorf("complete workflow tasks: %w", err)
	}
	return nil
}

func (t *pgTx) CreateCompletedTask(ctx context.Context, ct model.CompletedTask) error {
	variables, err := json.Marshal(ct.Variables)
	if err != nil {
		return fmt.Errorf("marshal task variables: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO completed_tasks (
			id, case_id, case_user_task_id, task_name, description, author_id, variables, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ct.ID, ct.CaseID, ct.UserTaskID, ct.TaskName, ct.Description,
		ct.AuthorID, variables, ct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert completed task: %w", err)
	}
	return nil
}

func (t *pgTx) GetOrCreateStateType(ctx context.Context, name, theme string) (model.CaseStateType, error) {
	var st model.CaseStateType
	err := t.tx.QueryRow(ctx, `
		INSERT INTO case_state_types (id, name, theme)
		VALUES (gen_random_uuid(), $1, $2)
		ON CONFLICT (name, theme) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, theme`,
		name, theme,
	).Scan(&st.ID, &st.Name, &st.Theme)
	if err != nil {
		return model.CaseStateType{}, fmt.Errorf("get or create state type: %w", err)
	}
	return st, nil
}

func (t *pgTx) CreateCaseState(ctx context.Context, s model.CaseState) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO case_states (id, case_id, state_type_id, workflow_id, start_date, end_date)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		s.ID, s.CaseID, s.StateTypeID, s.WorkflowID, s.StartDate, s.EndDate,
	)
	if err != nil {
		return fmt.Errorf("insert case state: %w", err)
	}
	return nil
}

func (t *pgTx) CloseCaseStates(ctx context.Context, caseID string, endDate time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE case_states SET end_date = $1
		WHERE case_id = $2 AND end_date IS NULL`,
		endDate, caseID,
	)
	if err != nil {
		return fmt.Errorf("close case states: %w", err)
	}
	return nil
}

func (t *pgTx) CloseWorkflowStates(ctx context.Context, workflowID string, endDate time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE case_states SET end_date = $1
		WHERE workflow_id = $2 AND end_date IS NULL`,
		endDate, workflowID,
	)
	if err != nil {
		return fmt.Errorf("close workflow states: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e model.CaseEvent) error {
	values, err := json.Marshal(e.Values)
	if err != nil {
		return fmt.Errorf("marshal event values: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO case_events (id, case_id, type, event_values, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.CaseID, e.Type, values, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert case event: %w", err)
	}
	return nil
}

func (t *pgTx) EnqueueIntent(ctx context.Context, i model.OutboxIntent) error {
	payload, err := json.Marshal(i.Payload)
	if err != nil {
		return fmt.Errorf("marshal intent payload: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox_intents (
			id, case_id, kind, payload, status, attempts, next_attempt_at, last_error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		i.ID, i.CaseID, i.Kind, payload, i.Status, i.Attempts,
		i.NextAttemptAt, i.LastError, i.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox intent: %w", err)
	}
	return nil
}

// Shared row helpers over pool and transaction.

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getCase(ctx context.Context, q pgQuerier, caseID string) (model.Case, error) {
	var c model.Case
	err := q.QueryRow(ctx, `
		SELECT id, identification, theme, reason, description, sensitive,
		       author_id, start_date, end_date, created_at, updated_at
		FROM cases WHERE id = $1`,
		caseID,
	).Scan(
		&c.ID, &c.Identification, &c.Theme, &c.Reason, &c.Description, &c.Sensitive,
		&c.AuthorID, &c.StartDate, &c.EndDate, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("query case: %w", err)
	}
	return c, nil
}

const workflowColumns = `id, case_id, process, imports, is_main_workflow, completed,
       serialized_state, version, created_at, updated_at`

func scanWorkflow(row pgx.Row) (model.WorkflowInstance, error) {
	var w model.WorkflowInstance
	err := row.Scan(
		&w.ID, &w.CaseID, &w.Process, &w.Imports, &w.IsMainWorkflow, &w.Completed,
		&w.SerializedState, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	return w, err
}

func getWorkflow(ctx context.Context, q pgQuerier, workflowID string, forUpdate bool) (model.WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_instances WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWorkflow(q.QueryRow(ctx, query, workflowID))
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", workflowID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return w, nil
}

func listWorkflows(ctx context.Context, q pgQuerier, caseID string) ([]model.WorkflowInstance, error) {
	rows, err := q.Query(ctx, `
		SELECT `+workflowColumns+` FROM workflow_instances
		WHERE case_id = $1 ORDER BY created_at ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowInstance
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func activeMainWorkflow(ctx context.Context, q pgQuerier, caseID string) (model.WorkflowInstance, error) {
	w, err := scanWorkflow(q.QueryRow(ctx, `
		SELECT `+workflowColumns+` FROM workflow_instances
		WHERE case_id = $1 AND is_main_workflow AND NOT completed`,
		caseID,
	))
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("case %q has no active main workflow", caseID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query main workflow: %w", err)
	}
	return w, nil
}

func getUserTask(ctx context.Context, q pgQuerier, id string) (model.UserTask, error) {
	var t model.UserTask
	err := q.QueryRow(ctx, `
		SELECT id, workflow_id, case_id, task_id, task_name, name, roles, completed, created_at
		FROM case_user_tasks WHERE id = $1`,
		id,
	).Scan(
		&t.ID, &t.WorkflowID, &t.CaseID, &t.TaskID, &t.TaskName,
		&t.Name, &t.Roles, &t.Completed, &t.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.UserTask{}, model.NewNotFoundError(fmt.Sprintf("user task %q not found", id))
	}
	if err != nil {
		return model.UserTask{}, fmt.Errorf("query user task: %w", err)
	}
	return t, nil
}

func listUserTasks(ctx context.Context, q pgQuerier, filters TaskFilters) ([]model.UserTask, error) {
	query := `SELECT id, workflow_id, case_id, task_id, task_name, name, roles, completed, created_at
	          FROM case_user_tasks WHERE 1=1`
	var args []any
	argIdx := 1

	if filters.CaseID != "" {
		query += fmt.Sprintf(" AND case_id = $%d", argIdx)
		args = append(args, filters.CaseID)
		argIdx++
	}
	if filters.Role != "" {
		query += fmt.Sprintf(" AND roles @> ARRAY[$%d]", argIdx)
		args = append(args, filters.Role)
		argIdx++
	}
	switch filters.Completed {
	case "all":
	case "completed":
		query += " AND completed"
	default:
		query += " AND NOT completed"
	}
	query += " ORDER BY created_at ASC"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query user tasks: %w", err)
	}
	defer rows.Close()

	var out []model.UserTask
	for rows.Next() {
		var t model.UserTask
		if err := rows.Scan(
			&t.ID, &t.WorkflowID, &t.CaseID, &t.TaskID, &t.TaskName,
			&t.Name, &t.Roles, &t.Completed, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func openCaseStates(ctx context.Context, q pgQuerier, caseID string) ([]model.CaseState, error) {
	rows, err := q.Query(ctx, `
		SELECT s.id, s.case_id, s.state_type_id, t.name, COALESCE(s.workflow_id::text, ''), s.start_date, s.end_date
		FROM case_states s
		JOIN case_state_types t ON t.id = s.state_type_id
		WHERE s.case_id = $1 AND s.end_date IS NULL
		ORDER BY s.start_date ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query case states: %w", err)
	}
	defer rows.Close()

	var out []model.CaseState
	for rows.Next() {
		var s model.CaseState
		if err := rows.Scan(
			&s.ID, &s.CaseID, &s.StateTypeID, &s.StateName, &s.WorkflowID,
			&s.StartDate, &s.EndDate,
		); err != nil {
			return nil, fmt.Errorf("scan case state: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func timeline(ctx context.Context, q pgQuerier, caseID string) ([]model.CaseEvent, error) {
	// seq is a bigserial assigned at commit order.
	rows, err := q.Query(ctx, `
		SELECT id, case_id, type, event_values, created_at
		FROM case_events
		WHERE case_id = $1
		ORDER BY seq ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query case events: %w", err)
	}
	defer rows.Close()

	var out []model.CaseEvent
	for rows.Next() {
		var e model.CaseEvent
		var values []byte
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Type, &values, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan case event: %w", err)
		}
		if values != nil {
			_ = json.Unmarshal(values, &e.Values)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
