package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetOperator(r.Context(), "op-1")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	})
	wrapped := LoggingMiddleware(logger)(handler)

	req := httptest.NewRequest(http.MethodPost, "/admin/rollout/phase", nil)
	req.Header.Set("X-Request-ID", "req-9")
	req.Header.Set(DeploymentHeader, "eu")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "/admin/rollout/phase", line["path"])
	assert.Equal(t, float64(http.StatusForbidden), line["status"])
	assert.Equal(t, float64(4), line["bytes_written"])
	assert.Equal(t, "op-1", line["operator_id"])
	assert.Equal(t, "req-9", line["request_id"])
	assert.Equal(t, "eu", line["deployment"])
}

func TestLoggingMiddleware_DebugHeadersOmitAuthorization(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	wrapped := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Accept", "application/json")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), "application/json")
}

func TestSetOperator_OutsideMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() { SetOperator(req.Context(), "op-1") })
}
