package api

import (
	"cloudproc/internal/health"
	"cloudproc/internal/job"
	"cloudproc/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs/{executorId}/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{executorId}/{jobId}", auth(http.HandlerFunc(handler.DeleteJob)))
	mux.Handle("GET /v1/jobs/{executorId}/{jobId}/calls/{callId}", auth(http.HandlerFunc(handler.GetCall)))
	mux.Handle("GET /v1/jobs/{executorId}/{jobId}/calls/{callId}/output", auth(http.HandlerFunc(handler.GetCallOutput)))

	mux.Handle("GET /v1/runtimes", auth(http.HandlerFunc(handler.ListRuntimes)))
	mux.Handle("POST /v1/runtimes", auth(http.HandlerFunc(handler.CreateRuntime)))
	// Runtime names may be image references containing slashes.
	mux.Handle("DELETE /v1/runtimes/{name...}", auth(http.HandlerFunc(handler.DeleteRuntime)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
