package routing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tangled.org/arabica.social/modgate/internal/handlers"
	"tangled.org/arabica.social/modgate/internal/middleware"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (http.Handler, *handlers.TestContext) {
	t.Helper()
	tc := handlers.NewTestContext(t)
	limits := middleware.NewDefaultRateLimitConfig()
	t.Cleanup(limits.Stop)
	return SetupRouter(Config{Handlers: tc.Handler, Logger: zerolog.Nop(), RateLimits: limits}), tc
}

func TestRouter_Routes(t *testing.T) {
	router, _ := setupRouter(t)

	tests := []struct {
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{http.MethodGet, "/healthz", "", nil, http.StatusOK},
		{http.MethodGet, "/admin/rollout", handlers.ViewerToken, nil, http.StatusOK},
		{http.MethodGet, "/admin/rollout", "", nil, http.StatusUnauthorized},
		{http.MethodPost, "/admin/rollout/validate", handlers.ViewerToken, map[string]int{"target": 2}, http.StatusOK},
		{http.MethodGet, "/admin/rollout/would-enforce?action=NOTE", handlers.ViewerToken, nil, http.StatusOK},
		{http.MethodGet, "/admin/users/u1/forecast", handlers.ViewerToken, nil, http.StatusOK},
		{http.MethodGet, "/admin/users/u1/counters", handlers.ViewerToken, nil, http.StatusNotFound},
		{http.MethodPost, "/admin/users/u1/threshold", handlers.AdminToken, nil, http.StatusOK},
		{http.MethodGet, "/admin/audit", handlers.ViewerToken, nil, http.StatusOK},
		{http.MethodPost, "/v1/decisions", handlers.DetectorToken, map[string]string{"userId": "u1", "proposedAction": "NOTE"}, http.StatusOK},
		{http.MethodPost, "/legacy/users/u1/restrict", handlers.LegacyToken, map[string]string{"reason": "spam"}, http.StatusAccepted},
		{http.MethodGet, "/v1/decisions", handlers.DetectorToken, nil, http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, handlers.NewRequest(tt.method, tt.path, tt.token, tt.body))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	router, _ := setupRouter(t)

	// Generate one request so the HTTP counters have a sample.
	router.ServeHTTP(httptest.NewRecorder(), handlers.NewRequest(http.MethodGet, "/healthz", "", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "modgate_http_requests_total"))
}

func TestRouter_SecurityHeaders(t *testing.T) {
	router, _ := setupRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, handlers.NewRequest(http.MethodGet, "/admin/rollout", handlers.ViewerToken, nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
