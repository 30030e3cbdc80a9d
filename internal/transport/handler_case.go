package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stadswerk/caseflow/internal/cases"
	"github.com/stadswerk/caseflow/model"
)

// CaseHandler serves the case lifecycle endpoints.
type CaseHandler struct {
	svc *cases.Service
}

// NewCaseHandler builds a CaseHandler.
func NewCaseHandler(svc *cases.Service) *CaseHandler {
	return &CaseHandler{svc: svc}
}

// Create handles POST /cases.
func (h *CaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in cases.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteError(w, model.NewBadRequestError("request body is not valid JSON"))
		return
	}

	cse, err := h.svc.Create(r.Context(), in)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, cse)
}

// Get handles GET /cases/{caseId}.
func (h *CaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	cse, err := h.svc.Get(r.Context(), chi.URLParam(r, "caseId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cse)
}

// Close handles POST /cases/{caseId}/close.
func (h *CaseHandler) Close(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string `json:"description"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("request body is not valid JSON"))
			return
		}
	}

	cse, err := h.svc.Close(r.Context(), chi.URLParam(r, "caseId"), body.Description)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cse)
}

// Timeline handles GET /cases/{caseId}/timeline.
func (h *CaseHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Timeline(r.Context(), chi.URLParam(r, "caseId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if events == nil {
		events = []model.CaseEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// States handles GET /cases/{caseId}/states.
func (h *CaseHandler) States(w http.ResponseWriter, r *http.Request) {
	states, err := h.svc.ActiveStates(r.Context(), chi.URLParam(r, "caseId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if states == nil {
		states = []model.CaseState{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"states": states})
}

// SetState handles POST /cases/{caseId}/states.
func (h *CaseHandler) SetState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, model.NewBadRequestError("request body is not valid JSON"))
		return
	}

	state, err := h.svc.SetState(r.Context(), chi.URLParam(r, "caseId"), body.WorkflowID, body.Name)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, state)
}
