package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tangled.org/arabica.social/modgate/internal/middleware"
	"tangled.org/arabica.social/modgate/internal/moderation"

	"github.com/rs/zerolog/log"
)

// Config holds handler configuration options
type Config struct {
	// DefaultLegacyDuration is used by legacy penalties that name no duration.
	DefaultLegacyDuration time.Duration
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{DefaultLegacyDuration: 24 * time.Hour}
}

// Handler contains all HTTP handler methods and their dependencies.
// Dependencies are injected via the constructor for better testability.
type Handler struct {
	engine    *moderation.Engine
	operators *moderation.Operators
	config    Config
}

// NewHandler creates a new Handler with all required dependencies.
func NewHandler(engine *moderation.Engine, operators *moderation.Operators, config Config) *Handler {
	if config.DefaultLegacyDuration <= 0 {
		config.DefaultLegacyDuration = DefaultConfig().DefaultLegacyDuration
	}
	return &Handler{
		engine:    engine,
		operators: operators,
		config:    config,
	}
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string               `json:"error"`
	Code  moderation.ErrorCode `json:"code,omitempty"`
}

// isJSONRequest checks if the request Content-Type is JSON
func isJSONRequest(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.Contains(contentType, "application/json")
}

// decodeJSON decodes a JSON request body into target. An empty body leaves
// target untouched.
func decodeJSON(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !isJSONRequest(r) {
		return errors.New("content type must be application/json")
	}
	err := json.NewDecoder(r.Body).Decode(target)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeJSON encodes and writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any, entityName string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode " + entityName + " response")
	}
}

// writeError writes a JSON error, tagging it with the engine error code when
// err carries one.
func writeError(w http.ResponseWriter, status int, msg string, err error) {
	writeJSON(w, status, errorResponse{Error: msg, Code: moderation.CodeOf(err)}, "error")
}

// bearerToken returns the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// requirePermission authenticates the caller and checks perm. On failure it
// writes the response and returns ok=false.
func (h *Handler) requirePermission(w http.ResponseWriter, r *http.Request, perm moderation.Permission) (string, bool) {
	operatorID, ok := h.operators.Authenticate(bearerToken(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
		return "", false
	}
	middleware.SetOperator(r.Context(), operatorID)

	if !h.operators.HasPermission(operatorID, perm) {
		log.Warn().
			Str("operator_id", operatorID).
			Str("permission", string(perm)).
			Str("endpoint", r.URL.Path).
			Msg("Denied: insufficient permissions")
		writeError(w, http.StatusForbidden, "Permission denied", nil)
		return "", false
	}
	return operatorID, true
}

// deployment returns the deployment a request addresses; empty selects the
// engine default.
func deployment(r *http.Request) string {
	if d := r.URL.Query().Get("deployment"); d != "" {
		return d
	}
	return r.Header.Get(middleware.DeploymentHeader)
}

// HandleHealth handles GET /healthz
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "health")
}
