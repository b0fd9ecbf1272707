package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tangled.org/arabica.social/modgate/internal/moderation"

	"github.com/rs/zerolog/log"
)

// rolloutResponse is the admin view of a deployment's rollout.
type rolloutResponse struct {
	Deployment   string                   `json:"deployment,omitempty"`
	Config       moderation.RolloutConfig `json:"config"`
	CurrentPhase int                      `json:"currentPhase"`
	Primary      moderation.System        `json:"primary"`
	LegacyMode   moderation.LegacyMode    `json:"legacyMode"`
}

func (h *Handler) rolloutView(r *http.Request, cfg moderation.RolloutConfig) rolloutResponse {
	auth := h.engine.Authority(r.Context())
	return rolloutResponse{
		Deployment:   deployment(r),
		Config:       cfg,
		CurrentPhase: cfg.CurrentPhase(),
		Primary:      auth.Primary(),
		LegacyMode:   auth.LegacyMode(),
	}
}

// HandleRollout handles GET /admin/rollout
func (h *Handler) HandleRollout(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionViewRollout); !ok {
		return
	}
	cfg := h.engine.Config(r.Context(), deployment(r))
	writeJSON(w, http.StatusOK, h.rolloutView(r, cfg), "rollout")
}

// phaseRequest is the body of the phase endpoints.
type phaseRequest struct {
	// Current defaults to the effective phase when omitted.
	Current *int `json:"current,omitempty"`
	Target  *int `json:"target"`
}

type validateResponse struct {
	Current int                  `json:"current"`
	Target  int                  `json:"target"`
	Valid   bool                 `json:"valid"`
	Code    moderation.ErrorCode `json:"code,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// HandleValidatePhase handles POST /admin/rollout/validate
func (h *Handler) HandleValidatePhase(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionViewRollout); !ok {
		return
	}

	var req phaseRequest
	if err := decodeJSON(r, &req); err != nil || req.Target == nil {
		writeError(w, http.StatusBadRequest, "target is required", nil)
		return
	}
	var current int
	if req.Current != nil {
		current = *req.Current
	} else {
		current = h.engine.CurrentPhase(r.Context(), deployment(r))
	}

	resp := validateResponse{Current: current, Target: *req.Target, Valid: true}
	if err := h.engine.ValidatePhaseTransition(current, *req.Target); err != nil {
		resp.Valid = false
		resp.Code = moderation.CodeOf(err)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp, "validation")
}

// HandleAdvancePhase handles POST /admin/rollout/phase
func (h *Handler) HandleAdvancePhase(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := h.requirePermission(w, r, moderation.PermissionAdvancePhase)
	if !ok {
		return
	}

	var req phaseRequest
	if err := decodeJSON(r, &req); err != nil || req.Target == nil {
		writeError(w, http.StatusBadRequest, "target is required", nil)
		return
	}

	cfg, err := h.engine.AdvancePhase(r.Context(), deployment(r), *req.Target, operatorID)
	if err != nil {
		h.writeRolloutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.rolloutView(r, cfg), "rollout")
}

type modeRequest struct {
	Mode moderation.Mode `json:"mode"`
}

// HandleSetMode handles POST /admin/rollout/mode
func (h *Handler) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := h.requirePermission(w, r, moderation.PermissionSetMode)
	if !ok {
		return
	}

	var req modeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	mode := moderation.Mode(strings.ToUpper(string(req.Mode)))
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be SHADOW or LIVE", nil)
		return
	}

	cfg, err := h.engine.SetMode(r.Context(), deployment(r), mode, operatorID)
	if err != nil {
		h.writeRolloutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.rolloutView(r, cfg), "rollout")
}

// writeRolloutError maps admin rollout errors: rejected transitions are the
// caller's fault, an unreachable settings store is not.
func (h *Handler) writeRolloutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, moderation.ErrPhaseSkip), errors.Is(err, moderation.ErrInvalidPhaseRange):
		writeError(w, http.StatusConflict, err.Error(), err)
	case errors.Is(err, moderation.ErrReservedDeployment):
		writeError(w, http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, moderation.ErrConfigUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Settings store unavailable", err)
	default:
		log.Error().Err(err).Msg("Failed to update rollout")
		writeError(w, http.StatusInternalServerError, "Failed to update rollout", err)
	}
}

// HandleWouldEnforce handles GET /admin/rollout/would-enforce?action=DAMPEN
func (h *Handler) HandleWouldEnforce(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionViewRollout); !ok {
		return
	}

	action := moderation.Action(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("action"))))
	if !action.Valid() {
		writeError(w, http.StatusBadRequest, "action must be a canonical action", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.WouldEnforce(r.Context(), deployment(r), action), "would-enforce")
}

type authorityRequest struct {
	Primary moderation.System `json:"primary"`
}

type authorityResponse struct {
	Primary    moderation.System     `json:"primary"`
	LegacyMode moderation.LegacyMode `json:"legacyMode"`
}

// HandleSetAuthority handles POST /admin/authority
func (h *Handler) HandleSetAuthority(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := h.requirePermission(w, r, moderation.PermissionSetAuthority)
	if !ok {
		return
	}

	var req authorityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	primary := moderation.System(strings.ToUpper(string(req.Primary)))
	if primary != moderation.SystemCurrent && primary != moderation.SystemLegacy {
		writeError(w, http.StatusBadRequest, "primary must be CURRENT or LEGACY", nil)
		return
	}

	auth, err := h.engine.SetAuthority(r.Context(), primary, operatorID)
	if err != nil {
		h.writeRolloutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorityResponse{Primary: auth.Primary(), LegacyMode: auth.LegacyMode()}, "authority")
}

// HandleForecast handles GET /admin/users/{id}/forecast?category=comment
func (h *Handler) HandleForecast(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionForecast); !ok {
		return
	}

	userID := r.PathValue("id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "User ID is required", nil)
		return
	}
	q := r.URL.Query()
	cat := moderation.ParseCategory(q.Get("category"))

	p, err := h.engine.Forecast(r.Context(), userID, cat, q.Get("violationType"))
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to forecast escalation")
		writeError(w, http.StatusInternalServerError, "Failed to load counters", err)
		return
	}
	writeJSON(w, http.StatusOK, p, "forecast")
}

type thresholdResponse struct {
	moderation.ThresholdResult
	Error string `json:"error,omitempty"`
}

// HandleApplyThreshold handles POST /admin/users/{id}/threshold
//
// Unknown users are a no-op, not an error.
func (h *Handler) HandleApplyThreshold(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := h.requirePermission(w, r, moderation.PermissionApplyThreshold)
	if !ok {
		return
	}

	userID := r.PathValue("id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "User ID is required", nil)
		return
	}

	res := h.engine.ApplyThreshold(r.Context(), userID, operatorID)
	if res.Err != nil {
		writeJSON(w, http.StatusInternalServerError, thresholdResponse{ThresholdResult: res, Error: res.Err.Error()}, "threshold")
		return
	}
	writeJSON(w, http.StatusOK, thresholdResponse{ThresholdResult: res}, "threshold")
}

// HandleAuditLog handles GET /admin/audit?user=...&limit=...
func (h *Handler) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionViewAuditLog); !ok {
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	entries, err := h.engine.ListAudit(r.Context(), q.Get("user"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list audit log")
		writeError(w, http.StatusInternalServerError, "Failed to list audit log", err)
		return
	}
	if entries == nil {
		entries = []moderation.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries, "audit")
}

// HandleCounters handles GET /admin/users/{id}/counters
func (h *Handler) HandleCounters(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionForecast); !ok {
		return
	}

	userID := r.PathValue("id")
	c, err := h.engine.Counters(r.Context(), userID)
	switch {
	case errors.Is(err, moderation.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found", err)
	case err != nil:
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to load counters")
		writeError(w, http.StatusInternalServerError, "Failed to load counters", err)
	default:
		writeJSON(w, http.StatusOK, c, "counters")
	}
}
