package api

import (
	"net/http"
	"pipelines/internal/health"
	"pipelines/internal/observability"
	"pipelines/internal/run"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Runs          *run.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	WebhookSecret string
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg.Runs, cfg.HealthChecker, cfg.WebhookSecret)

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())

	// Probes
	r.Get("/livez", h.Livez)
	r.Get("/readyz", h.Readyz)

	r.Route("/v1", func(r chi.Router) {
		// Authenticated by signature, not API key.
		r.Post("/webhooks/github", h.GitHubWebhook)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.APIKey))
			r.Use(ContentTypeMiddleware())

			r.Post("/plan", h.PlanRun)
			r.Post("/runs", h.CreateRun)
			r.Get("/runs", h.ListRuns)
			r.Get("/runs/{runId}", h.GetRun)
			r.Delete("/runs/{runId}", h.CancelRun)
		})
	})

	return r
}
