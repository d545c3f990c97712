package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/festion/homelab-gitops-auditor/internal/auth"
	"github.com/festion/homelab-gitops-auditor/internal/capability"
	"github.com/festion/homelab-gitops-auditor/internal/deployment"
	"github.com/festion/homelab-gitops-auditor/internal/eventbus"
	"github.com/festion/homelab-gitops-auditor/internal/orchestration"
	"github.com/festion/homelab-gitops-auditor/internal/pipeline"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
	"github.com/festion/homelab-gitops-auditor/internal/webhook"
)

// Deps bundles everything Server needs to wire routes. All fields are
// required except Orchestrations-related ones, which may be nil when no
// orchestration profiles were loaded.
type Deps struct {
	Store                 store.Store
	AuthService           *auth.Service
	DeploymentEngine      *deployment.Engine
	PipelineSupervisor    *pipeline.Supervisor
	OrchestrationPlanner  *orchestration.Planner
	OrchestrationProfiles []orchestration.OrchestrationProfile
	WebhookPipeline       *webhook.Pipeline
	RepoHost              capability.RepoHost
	Clock                 platform.Clock
	EventBus              *eventbus.Bus
	MetricsRegistry       *prometheus.Registry
	CORSAllowedOrigins    []string
	AllowedShares         []string
}

// Server is the top-level HTTP surface: public health/webhook/websocket
// routes plus the authenticated domain API, following the same
// global-middleware-then-mount-subrouters shape used across the codebase's
// other services.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
}

// NewServer builds the full route tree from deps.
func NewServer(logger *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Metrics)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := NewHealthHandler(deps.Store, deps.EventBus, logger)
	r.Mount("/", health.Routes())

	if deps.MetricsRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	webhooks := NewWebhooksHandler(deps.WebhookPipeline, logger)
	r.Mount("/webhooks", webhooks.Routes())

	wsAuth := deps.AuthService
	wsHandler := eventbus.NewHandler(deps.EventBus, wsAuth, deps.Clock, logger, nil)
	r.Handle("/events", wsHandler)

	r.Group(func(api chi.Router) {
		api.Use(auth.Middleware(deps.AuthService))

		deployments := NewDeploymentsHandler(deps.Store, deps.DeploymentEngine, deps.AllowedShares, deps.AuthService, logger)
		api.Mount("/deployments", deployments.Routes())

		pipelines := NewPipelinesHandler(deps.Store, deps.PipelineSupervisor, deps.AuthService, logger)
		api.Mount("/pipelines", pipelines.Routes())

		complianceHandler := NewComplianceHandler(deps.Store, deps.RepoHost, deps.Clock, deps.AuthService, logger)
		api.Mount("/compliance", complianceHandler.Routes())

		if deps.OrchestrationPlanner != nil {
			orchestrations := NewOrchestrationsHandler(deps.Store, deps.OrchestrationPlanner, deps.OrchestrationProfiles, deps.AuthService, logger)
			api.Mount("/orchestrations", orchestrations.Routes())
		}
	})

	return &Server{Router: r, Logger: logger}
}

// ServeHTTP implements http.Handler by delegating to the underlying router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
