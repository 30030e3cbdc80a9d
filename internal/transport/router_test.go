package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/cases"
	"github.com/stadswerk/caseflow/internal/config"
	"github.com/stadswerk/caseflow/internal/definition"
	"github.com/stadswerk/caseflow/internal/engine"
	"github.com/stadswerk/caseflow/internal/events"
	"github.com/stadswerk/caseflow/internal/idempotency"
	"github.com/stadswerk/caseflow/internal/observability"
	"github.com/stadswerk/caseflow/internal/store"
	"github.com/stadswerk/caseflow/model"
)

func toezichtDef() model.ProcessDefinition {
	return model.ProcessDefinition{
		Process: "toezicht",
		Start:   "start",
		Nodes: []model.NodeDefinition{
			{ID: "start", Type: model.NodeStart},
			{ID: "registreren", Name: "Registreren", Type: model.NodeUserTask, FormID: "registreren_form", CaseState: "geregistreerd", Roles: []string{"toezichthouder"}},
			{ID: "end", Type: model.NodeEnd},
		},
		Transitions: []model.TransitionDefinition{
			{From: "start", To: "registreren"},
			{From: "registreren", To: "end"},
		},
		Forms: []model.FormDefinition{
			{ID: "registreren_form", Fields: []model.FieldDefinition{
				{Name: "toelichting", Type: "string", Required: true},
			}},
		},
	}
}

// newTestRouter wires a full router over the in-memory store: real
// engine, real case service, memory idempotency.
func newTestRouter(t *testing.T) (chi.Router, *store.MemStore) {
	t.Helper()

	st := store.NewMemStore()
	log := zap.NewNop()
	emitter := events.NewEmitter(log)
	defStore := definition.NewStore([]model.ProcessDefinition{toezichtDef()})
	eng := engine.New(st, defStore, engine.NewExprEvaluator(), emitter, nil, log)
	svc := cases.NewService(st, eng, emitter, nil, nil, log)

	cfg := config.Defaults()
	cfg.Observability.Metrics.Enabled = false

	return NewRouter(Dependencies{
		Config: cfg,
		Cases:  NewCaseHandler(svc),
		Tasks:  NewTaskHandler(eng, st, idempotency.NewMemoryStore(), time.Hour, log),
		Ready: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return true },
		},
		Log: log,
	}), st
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	env, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error envelope: %s", rec.Body.String())
	}
	code, _ := env["code"].(string)
	return code
}

func createTestCase(t *testing.T, r chi.Router) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/cases", map[string]any{
		"theme":  "toezicht",
		"reason": "melding overlast",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create case status = %d, body %s", rec.Code, rec.Body.String())
	}
	id, _ := decodeBody(t, rec)["id"].(string)
	if id == "" {
		t.Fatal("created case has no id")
	}
	return id
}

func openTaskID(t *testing.T, r chi.Router, caseID string) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodGet, "/case-user-tasks?case_id="+caseID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list tasks status = %d", rec.Code)
	}
	tasks, _ := decodeBody(t, rec)["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("open tasks = %d, want 1", len(tasks))
	}
	id, _ := tasks[0].(map[string]any)["id"].(string)
	return id
}

func TestRouter_createCase(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/cases", map[string]any{
		"theme":  "toezicht",
		"reason": "melding overlast",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["theme"] != "toezicht" {
		t.Errorf("theme = %v", body["theme"])
	}
	if id, _ := body["identification"].(string); id == "" {
		t.Error("identification is empty")
	}
	if _, closed := body["end_date"]; closed {
		t.Errorf("end_date = %v on a fresh case", body["end_date"])
	}
}

func TestRouter_createCase_badJSON(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/cases", bytes.NewBufferString("{niet json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrBadRequest {
		t.Errorf("error code = %s", code)
	}
}

func TestRouter_createCase_unknownTheme(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/cases", map[string]any{
		"theme":  "afval",
		"reason": "melding",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrDefinitionNotFound {
		t.Errorf("error code = %s", code)
	}
}

func TestRouter_getCase_notFound(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/cases/onbekend", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrNotFound {
		t.Errorf("error code = %s", code)
	}
}

func TestRouter_listTasks_badFilter(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/case-user-tasks?completed=misschien", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRouter_taskForm(t *testing.T) {
	r, _ := newTestRouter(t)
	caseID := createTestCase(t, r)
	taskID := openTaskID(t, r, caseID)

	rec := doJSON(t, r, http.MethodGet, "/case-user-tasks/"+taskID+"/form", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	form, ok := body["form"].(map[string]any)
	if !ok {
		t.Fatalf("no form in response: %s", rec.Body.String())
	}
	if form["id"] != "registreren_form" {
		t.Errorf("form id = %v", form["id"])
	}
	if _, ok := body["defaults"]; !ok {
		t.Error("response has no defaults")
	}
}

func TestRouter_completeTask_missingRequiredField(t *testing.T) {
	r, _ := newTestRouter(t)
	caseID := createTestCase(t, r)
	taskID := openTaskID(t, r, caseID)

	rec := doJSON(t, r, http.MethodPost, "/case-user-tasks/"+taskID+"/complete", map[string]any{
		"actor":     map[string]any{"id": "user-jan"},
		"variables": map[string]any{},
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != model.ErrFieldMissing {
		t.Errorf("error code = %s", code)
	}
}

func TestRouter_completeTask_closesCase(t *testing.T) {
	r, _ := newTestRouter(t)
	caseID := createTestCase(t, r)
	taskID := openTaskID(t, r, caseID)

	rec := doJSON(t, r, http.MethodPost, "/case-user-tasks/"+taskID+"/complete", map[string]any{
		"actor":     map[string]any{"id": "user-jan"},
		"variables": map[string]any{"toelichting": "afgehandeld"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "completed" {
		t.Errorf("status = %v", body["status"])
	}
	result, _ := body["result"].(map[string]any)
	if result["case_closed"] != true {
		t.Errorf("case_closed = %v, want true", result["case_closed"])
	}

	rec = doJSON(t, r, http.MethodGet, "/cases/"+caseID, nil, nil)
	if end := decodeBody(t, rec)["end_date"]; end == nil {
		t.Error("end_date = nil, want closed case")
	}
}

func TestRouter_completeTask_secondAttemptConflicts(t *testing.T) {
	r, _ := newTestRouter(t)
	caseID := createTestCase(t, r)
	taskID := openTaskID(t, r, caseID)

	body := map[string]any{
		"actor":     map[string]any{"id": "user-jan"},
		"variables": map[string]any{"toelichting": "klaar"},
	}
	if rec := doJSON(t, r, http.MethodPost, "/case-user-tasks/"+taskID+"/complete", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first completion status = %d", rec.Code)
	}

	rec := doJSON(t, r, http.MethodPost, "/case-user-tasks/"+taskID+"/complete", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second completion status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrTaskAlreadyCompleted {
		t.Errorf("error code = %s", code)
	}
}

func TestRouter_completeTask_idempotentReplay(t *testing.T) {
	r, _ := newTestRouter(t)
	caseID := createTestCase(t, r)
	taskID := openTaskID(t, r, caseID)

	body := map[string]any{
		"actor":     map[string]any{"id": "user-jan"},
		"variables": map[string]any{"toelichting": "klaar"},
	}
	headers := map[string]string{"X-Idempotency-Key": "sleutel-1"}

	first := doJSON(t, r, http.MethodPost, "/case-user-tasks/"+taskID+"/complete", body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first completion status = %d, body %s", first.Code, first.Body.String())
	}

	// Retry with the same key and body replays the original result.
	replay := doJSON(t, r, http.MethodPost, "/case-user-tasks/"+taskID+"/complete", body, headers)
	if replay.Code != http.StatusOK {
		t.Fatalf("replay status = %d, body %s", replay.Code, replay.Body.String())
	}
	if first.Body.String() != replay.Body.String() {
		t.Errorf("replay body differs:\nfirst:  %s\nreplay: %s", first.Body.String(), replay.Body.String())
	}

	// Same key with a different body is a conflict.
	other := map[string]any{
		"actor":     map[string]any{"id": "user-jan"},
		"variables": map[string]any{"toelichting": "iets anders"},
	}
	rec := doJSON(t, r, http.MethodPost, "/case-user-tasks/"+taskID+"/complete", other, headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("mismatched replay status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrConflict {
		t.Errorf("error code = %s", code)
	}
}

func TestRouter_closeAndTimeline(t *testing.T) {
	r, _ := newTestRouter(t)
	caseID := createTestCase(t, r)

	rec := doJSON(t, r, http.MethodPost, fmt.Sprintf("/cases/%s/close", caseID), map[string]any{
		"description": "handmatig gesloten",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close status = %d, body %s", rec.Code, rec.Body.String())
	}
	if end := decodeBody(t, rec)["end_date"]; end == nil {
		t.Error("end_date = nil after close")
	}

	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/cases/%s/timeline", caseID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("timeline status = %d", rec.Code)
	}
	evs, _ := decodeBody(t, rec)["events"].([]any)
	if len(evs) != 2 {
		t.Fatalf("timeline events = %d, want 2 (create, close)", len(evs))
	}
	last, _ := evs[len(evs)-1].(map[string]any)
	if last["type"] != model.EventTypeCaseClose {
		t.Errorf("last event type = %v", last["type"])
	}
}

func TestRouter_states(t *testing.T) {
	r, _ := newTestRouter(t)
	caseID := createTestCase(t, r)

	rec := doJSON(t, r, http.MethodGet, fmt.Sprintf("/cases/%s/states", caseID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("states status = %d", rec.Code)
	}
	states, _ := decodeBody(t, rec)["states"].([]any)
	if len(states) != 1 {
		t.Fatalf("states = %d, want 1", len(states))
	}

	rec = doJSON(t, r, http.MethodPost, fmt.Sprintf("/cases/%s/states", caseID), map[string]any{
		"name": "wacht_op_advies",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("set state status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/cases/%s/states", caseID), nil, nil)
	states, _ = decodeBody(t, rec)["states"].([]any)
	if len(states) != 2 {
		t.Errorf("states after set = %d, want 2", len(states))
	}
}

func TestRouter_healthAndReady(t *testing.T) {
	r, _ := newTestRouter(t)

	if rec := doJSON(t, r, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("/health status = %d", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodGet, "/ready", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("/ready status = %d", rec.Code)
	}
}
