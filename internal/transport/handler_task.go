package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/engine"
	"github.com/stadswerk/caseflow/internal/idempotency"
	"github.com/stadswerk/caseflow/internal/store"
	"github.com/stadswerk/caseflow/model"
)

// maxCompleteBodyBytes bounds the task completion request body.
const maxCompleteBodyBytes = 1 << 20

// TaskHandler serves the user-task endpoints.
type TaskHandler struct {
	engine  *engine.Engine
	store   store.Store
	idem    idempotency.Store
	idemTTL time.Duration
	log     *zap.Logger
}

// NewTaskHandler builds a TaskHandler. idem may be nil when idempotency
// is disabled.
func NewTaskHandler(eng *engine.Engine, st store.Store, idem idempotency.Store, idemTTL time.Duration, log *zap.Logger) *TaskHandler {
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &TaskHandler{
		engine:  eng,
		store:   st,
		idem:    idem,
		idemTTL: idemTTL,
		log:     log,
	}
}

// List handles GET /case-user-tasks with role, completed, and case_id
// filters. Completion defaults to not_completed.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := store.TaskFilters{
		CaseID:    q.Get("case_id"),
		Role:      q.Get("role"),
		Completed: q.Get("completed"),
	}
	switch filters.Completed {
	case "", "all", "completed", "not_completed":
	default:
		WriteError(w, model.NewBadRequestError(
			"completed must be all, completed, or not_completed"))
		return
	}

	tasks, err := h.store.ListUserTasks(r.Context(), filters)
	if err != nil {
		WriteError(w, err)
		return
	}
	if tasks == nil {
		tasks = []model.UserTask{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// Form handles GET /case-user-tasks/{taskId}/form.
func (h *TaskHandler) Form(w http.ResponseWriter, r *http.Request) {
	f, defaults, err := h.engine.TaskForm(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"form":     f,
		"defaults": defaults,
	})
}

// completeRequest is the body of a task completion.
type completeRequest struct {
	Actor     model.Actor    `json:"actor"`
	Variables map[string]any `json:"variables"`
}

// completeResponse is the structured completion outcome.
type completeResponse struct {
	Status string                `json:"status"`
	Result engine.CompleteResult `json:"result"`
}

// Complete handles POST /case-user-tasks/{taskId}/complete. A request
// carrying X-Idempotency-Key replays the original result instead of
// failing with TASK_ALREADY_COMPLETED.
func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCompleteBodyBytes))
	if err != nil {
		WriteError(w, model.NewBadRequestError("reading request body failed"))
		return
	}

	var req completeRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			WriteError(w, model.NewBadRequestError("request body is not valid JSON"))
			return
		}
	}

	idemKey := r.Header.Get("X-Idempotency-Key")
	inputHash := idempotency.HashInput(bytes.TrimSpace(body))
	if h.idem != nil && idemKey != "" {
		key := idempotency.FormatKey(taskID, idemKey)
		cached, found, err := h.idem.Check(r.Context(), key, inputHash)
		if err != nil {
			WriteError(w, err)
			return
		}
		if found {
			WriteJSON(w, http.StatusOK, completeResponse{Status: "completed", Result: *cached})
			return
		}
	}

	result, err := h.engine.CompleteTask(r.Context(), taskID, req.Actor, req.Variables)
	if err != nil {
		WriteError(w, err)
		return
	}

	if h.idem != nil && idemKey != "" {
		key := idempotency.FormatKey(taskID, idemKey)
		if serr := h.idem.Store(r.Context(), key, inputHash, result, h.idemTTL); serr != nil {
			h.log.Warn("storing idempotency result failed",
				zap.String("task_id", taskID),
				zap.Error(serr))
		}
	}

	WriteJSON(w, http.StatusOK, completeResponse{Status: "completed", Result: result})
}
