// Package integration provides a reusable test harness for end-to-end
// testing of the caseflow server: a full HTTP router over the in-memory
// store, real workflow engine, and mock external collaborators.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/cases"
	"github.com/stadswerk/caseflow/internal/config"
	"github.com/stadswerk/caseflow/internal/definition"
	"github.com/stadswerk/caseflow/internal/engine"
	"github.com/stadswerk/caseflow/internal/events"
	"github.com/stadswerk/caseflow/internal/external"
	"github.com/stadswerk/caseflow/internal/idempotency"
	"github.com/stadswerk/caseflow/internal/observability"
	"github.com/stadswerk/caseflow/internal/outbox"
	"github.com/stadswerk/caseflow/internal/store"
	"github.com/stadswerk/caseflow/internal/transport"
)

// TestHarness encapsulates a fully wired caseflow instance with mock
// collaborators for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Store       *store.MemStore
	Definitions *definition.Store
	Engine      *engine.Engine
	Cases       *cases.Service
	Dispatcher  *outbox.Dispatcher

	ProcessEngine *MockCollaborator
	CaseRegistry  *MockCollaborator

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs     []string
	themes             map[string]cases.ProcessBinding
	idempotencyEnabled bool
	handlerTimeout     time.Duration
}

// WithDefinitions sets the definition directories to load. Relative
// paths are resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithTheme binds a case theme to a process.
func WithTheme(theme, process string, imports ...string) HarnessOption {
	return func(c *harnessConfig) {
		if c.themes == nil {
			c.themes = make(map[string]cases.ProcessBinding)
		}
		c.themes[theme] = cases.ProcessBinding{Process: process, Imports: imports}
	}
}

// WithIdempotency enables request deduplication with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full caseflow test instance. The
// server and mock collaborators are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}

	h := &TestHarness{t: t}
	log := zap.NewNop()

	// Step 1: Mock collaborators.
	h.ProcessEngine = newMockCollaborator(t)
	h.CaseRegistry = newMockCollaborator(t)

	// Step 2: Load definitions.
	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	h.Definitions = definition.NewStore(defs)

	// Step 3: In-memory store, engine, case service.
	h.Store = store.NewMemStore()
	emitter := events.NewEmitter(log)
	h.Engine = engine.New(h.Store, h.Definitions, engine.NewExprEvaluator(), emitter, nil, log)
	h.Cases = cases.NewService(h.Store, h.Engine, emitter, hc.themes, nil, log)

	// Step 4: Outbox dispatcher over the mock collaborators. Drained
	// explicitly via DrainOutbox, never on a timer.
	engClient := external.NewProcessEngineClient(h.ProcessEngine.URL(), 5*time.Second, log)
	regClient := external.NewCaseRegistryClient(h.CaseRegistry.URL(), 5*time.Second,
		external.NewCircuitBreaker(5, 2, 30*time.Second), log)
	h.Dispatcher = outbox.New(h.Store, engClient, regClient, nil, outbox.Options{
		BatchSize:        20,
		MaxStartAttempts: 3,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       time.Millisecond,
	}, log)

	// Step 5: Config and router.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Observability.Metrics.Enabled = false

	var idemStore idempotency.Store
	if hc.idempotencyEnabled {
		idemStore = idempotency.NewMemoryStore()
	}

	router := transport.NewRouter(transport.Dependencies{
		Config: h.cfg,
		Cases:  transport.NewCaseHandler(h.Cases),
		Tasks:  transport.NewTaskHandler(h.Engine, h.Store, idemStore, time.Hour, log),
		Ready: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Definitions.Checksum() != "" },
			CaseStore:         h.Store,
		},
		Log: log,
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// DrainOutbox runs one dispatcher pass over the due intents.
func (h *TestHarness) DrainOutbox() {
	h.t.Helper()
	if err := h.Dispatcher.DrainOnce(context.Background()); err != nil {
		h.t.Fatalf("drain outbox: %v", err)
	}
}

// --- HTTP client helpers ---

// GET performs a GET request against the test server.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
