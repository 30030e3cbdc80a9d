package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/config"
	"github.com/stadswerk/caseflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config  *config.Config
	Cases   *CaseHandler
	Tasks   *TaskHandler
	Metrics *observability.Metrics
	Ready   observability.ReadinessChecks
	Log     *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// main middleware group.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Log))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Operational routes — outside the main middleware group.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Ready))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	// API routes — full middleware chain.
	r.Group(func(r chi.Router) {
		if deps.Config.Observability.Tracing.Enabled {
			r.Use(observability.TracingMiddleware)
		}
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Log))

		r.Post("/cases", deps.Cases.Create)
		r.Get("/cases/{caseId}", deps.Cases.Get)
		r.Post("/cases/{caseId}/close", deps.Cases.Close)
		r.Get("/cases/{caseId}/timeline", deps.Cases.Timeline)
		r.Get("/cases/{caseId}/states", deps.Cases.States)
		r.Post("/cases/{caseId}/states", deps.Cases.SetState)

		r.Get("/case-user-tasks", deps.Tasks.List)
		r.Get("/case-user-tasks/{taskId}/form", deps.Tasks.Form)
		r.Post("/case-user-tasks/{taskId}/complete", deps.Tasks.Complete)
	})

	return r
}
