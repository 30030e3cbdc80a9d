package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockCollaborator is a configurable HTTP test server standing in for an
// external collaborator (process engine or case registry). It records
// every received request for later assertion.
type MockCollaborator struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	status   int
	received []*RecordedRequest
}

// RecordedRequest captures one request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Body       map[string]any
	ReceivedAt time.Time
}

func newMockCollaborator(t *testing.T) *MockCollaborator {
	t.Helper()

	mc := &MockCollaborator{
		t:      t,
		status: http.StatusCreated,
	}
	mc.server = httptest.NewServer(http.HandlerFunc(mc.handle))
	t.Cleanup(mc.server.Close)
	return mc
}

func (m *MockCollaborator) handle(w http.ResponseWriter, r *http.Request) {
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		ReceivedAt: time.Now(),
	}
	if data, err := io.ReadAll(r.Body); err == nil && len(data) > 0 {
		var body map[string]any
		if err := json.Unmarshal(data, &body); err == nil {
			rec.Body = body
		}
	}

	m.mu.Lock()
	m.received = append(m.received, rec)
	status := m.status
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// URL returns the mock server's base URL.
func (m *MockCollaborator) URL() string {
	return m.server.URL
}

// RespondWith sets the status code returned to subsequent requests.
func (m *MockCollaborator) RespondWith(status int) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

// Received returns a copy of all recorded requests.
func (m *MockCollaborator) Received() []*RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*RecordedRequest(nil), m.received...)
}

// RequestCount returns how many requests the mock has received.
func (m *MockCollaborator) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}
