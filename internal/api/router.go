package api

import (
	"net/http"

	"github.com/masshaul/masshaul/internal/auth"
	"github.com/masshaul/masshaul/internal/health"
	"github.com/masshaul/masshaul/internal/metrics"
	"github.com/masshaul/masshaul/internal/validators"
	"github.com/masshaul/masshaul/internal/websocket"
)

// RouterConfig gathers the handler groups the router mounts.
type RouterConfig struct {
	AuthHandlers      *auth.Handlers
	AuthService       *auth.Service
	Jobs              *JobHandlers
	ValidatorHandlers *validators.Handlers
	WS                *websocket.Handler
	Health            *health.Handler
	Metrics           *metrics.Metrics
}

type Router struct {
	mux *http.ServeMux
	cfg RouterConfig
}

func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		mux: http.NewServeMux(),
		cfg: cfg,
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	// Probes and metrics, unauthenticated
	r.mux.HandleFunc("GET /health", r.cfg.Health.HealthHandler)
	r.mux.HandleFunc("GET /health/live", r.cfg.Health.LivenessHandler)
	r.mux.HandleFunc("GET /health/ready", r.cfg.Health.ReadinessHandler)
	r.mux.HandleFunc("GET /health/deep", r.cfg.Health.DeepHandler)
	r.mux.HandleFunc("GET /metrics", r.cfg.Metrics.Handler())

	// Operator login
	r.mux.HandleFunc("POST /api/v1/auth/login", r.cfg.AuthHandlers.Login)

	// Job lifecycle
	r.mux.HandleFunc("POST /api/v1/jobs", r.withAuth(r.cfg.Jobs.Create))
	r.mux.HandleFunc("GET /api/v1/jobs", r.withAuth(r.cfg.Jobs.List))
	r.mux.HandleFunc("GET /api/v1/jobs/{job_id}", r.withAuth(r.cfg.Jobs.Get))
	r.mux.HandleFunc("POST /api/v1/jobs/{job_id}/resume", r.withAuth(r.cfg.Jobs.Resume))
	r.mux.HandleFunc("POST /api/v1/jobs/{job_id}/cancel", r.withAuth(r.cfg.Jobs.Cancel))
	r.mux.HandleFunc("GET /api/v1/jobs/{job_id}/items", r.withAuth(r.cfg.Jobs.Items))
	r.mux.HandleFunc("GET /api/v1/jobs/{job_id}/failures", r.withAuth(r.cfg.Jobs.Failures))

	// Reference pre-checks
	r.mux.HandleFunc("POST /api/v1/validate", r.withAuth(r.cfg.ValidatorHandlers.ValidateRefs))
	r.mux.HandleFunc("GET /api/v1/validate/sources", r.withAuth(r.cfg.ValidatorHandlers.GetSupportedSources))

	// Live progress; the handshake carries its own token
	r.mux.HandleFunc("GET /ws/progress", r.cfg.WS.ServeWS)
}

func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	middleware := auth.Middleware(r.cfg.AuthService)
	return func(w http.ResponseWriter, req *http.Request) {
		middleware(http.HandlerFunc(next)).ServeHTTP(w, req)
	}
}
