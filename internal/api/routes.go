package api

import (
	"net/http"

	"sidecar/internal/health"
	"sidecar/internal/job"
	"sidecar/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Runner        *job.Runner
	HealthChecker *health.Checker
	Metrics       *observability.Metrics
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Runner, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("GET /health", handler.Health)

	// Job submission - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /run", authMiddleware(http.HandlerFunc(handler.Run)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
