package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	dispatchDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for the back end.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Case metrics
	CaseCreationsTotal prometheus.Counter
	CaseClosuresTotal  prometheus.Counter

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	TaskCompletionsTotal     *prometheus.CounterVec

	// Outbox metrics
	OutboxDispatchTotal    *prometheus.CounterVec
	OutboxDispatchDuration *prometheus.HistogramVec

	// System metrics
	DefinitionsLoaded     prometheus.Gauge
	DefinitionReloadTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		CaseCreationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_case_creations_total",
			Help: "Total number of cases created.",
		}),
		CaseClosuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_case_closures_total",
			Help: "Total number of cases closed.",
		}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"process"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_completions_total",
			Help: "Total number of workflow instances completed.",
		}, []string{"process"}),
		TaskCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_task_completions_total",
			Help: "Total number of user task completion attempts.",
		}, []string{"status"}),

		OutboxDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_outbox_dispatch_total",
			Help: "Total number of outbox intent dispatch attempts.",
		}, []string{"kind", "outcome"}),
		OutboxDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_outbox_dispatch_duration_seconds",
			Help:    "Outbox intent dispatch duration in seconds.",
			Buckets: dispatchDurationBuckets,
		}, []string{"kind"}),

		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_definitions_loaded",
			Help: "Number of loaded process definitions.",
		}),
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CaseCreationsTotal,
		m.CaseClosuresTotal,
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.TaskCompletionsTotal,
		m.OutboxDispatchTotal,
		m.OutboxDispatchDuration,
		m.DefinitionsLoaded,
		m.DefinitionReloadTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordCaseCreated records a case creation.
func (m *Metrics) RecordCaseCreated() {
	m.CaseCreationsTotal.Inc()
}

// RecordCaseClosed records a case closure.
func (m *Metrics) RecordCaseClosed() {
	m.CaseClosuresTotal.Inc()
}

// RecordWorkflowStart records a workflow instance start.
func (m *Metrics) RecordWorkflowStart(process string) {
	m.WorkflowStartsTotal.WithLabelValues(process).Inc()
}

// RecordWorkflowCompletion records a workflow instance completion.
func (m *Metrics) RecordWorkflowCompletion(process string) {
	m.WorkflowCompletionsTotal.WithLabelValues(process).Inc()
}

// RecordTaskCompletion records a task completion attempt.
func (m *Metrics) RecordTaskCompletion(status string) {
	m.TaskCompletionsTotal.WithLabelValues(status).Inc()
}

// RecordOutboxDispatch records one outbox intent dispatch attempt.
func (m *Metrics) RecordOutboxDispatch(kind, outcome string, duration time.Duration) {
	m.OutboxDispatchTotal.WithLabelValues(kind, outcome).Inc()
	m.OutboxDispatchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
