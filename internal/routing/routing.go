package routing

import (
	"net/http"

	"tangled.org/arabica.social/modgate/internal/handlers"
	"tangled.org/arabica.social/modgate/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger
	// RateLimits overrides the default limits; nil uses the defaults.
	RateLimits *middleware.RateLimitConfig
	// ServiceName names the server spans.
	ServiceName string
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Detection layer
	mux.HandleFunc("POST /v1/decisions", h.HandleDecision)

	// Legacy generation, always through the guard
	mux.HandleFunc("POST /legacy/users/{id}/mute", h.HandleLegacyMute)
	mux.HandleFunc("POST /legacy/users/{id}/restrict", h.HandleLegacyRestrict)

	// Admin tooling
	mux.HandleFunc("GET /admin/rollout", h.HandleRollout)
	mux.HandleFunc("POST /admin/rollout/validate", h.HandleValidatePhase)
	mux.HandleFunc("POST /admin/rollout/phase", h.HandleAdvancePhase)
	mux.HandleFunc("POST /admin/rollout/mode", h.HandleSetMode)
	mux.HandleFunc("GET /admin/rollout/would-enforce", h.HandleWouldEnforce)
	mux.HandleFunc("POST /admin/authority", h.HandleSetAuthority)
	mux.HandleFunc("GET /admin/users/{id}/counters", h.HandleCounters)
	mux.HandleFunc("GET /admin/users/{id}/forecast", h.HandleForecast)
	mux.HandleFunc("POST /admin/users/{id}/threshold", h.HandleApplyThreshold)
	mux.HandleFunc("GET /admin/audit", h.HandleAuditLog)

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Limit request body size (innermost - runs first on request)
	handler = middleware.LimitBodyMiddleware(handler)

	// 2. Apply rate limiting
	rateLimitConfig := cfg.RateLimits
	if rateLimitConfig == nil {
		rateLimitConfig = middleware.NewDefaultRateLimitConfig()
	}
	handler = middleware.RateLimitMiddleware(rateLimitConfig)(handler)

	// 3. Apply security headers
	handler = middleware.SecurityHeadersMiddleware(handler)

	// 4. Apply logging middleware
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	// 5. Trace every request (outermost)
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "modgate"
	}
	handler = otelhttp.NewHandler(handler, serviceName)

	return handler
}
