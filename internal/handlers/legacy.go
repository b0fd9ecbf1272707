package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tangled.org/arabica.social/modgate/internal/moderation"
)

// legacyPenaltyRequest is sent by the legacy generation when it wants to
// penalize a user.
type legacyPenaltyRequest struct {
	Reason          string `json:"reason"`
	DurationMinutes *int   `json:"durationMinutes,omitempty"`
}

type legacyPenaltyResponse struct {
	moderation.GuardResult
	Error string `json:"error,omitempty"`
}

// HandleLegacyMute handles POST /legacy/users/{id}/mute
func (h *Handler) HandleLegacyMute(w http.ResponseWriter, r *http.Request) {
	h.handleLegacy(w, r, h.engine.Legacy().Mute)
}

// HandleLegacyRestrict handles POST /legacy/users/{id}/restrict
func (h *Handler) HandleLegacyRestrict(w http.ResponseWriter, r *http.Request) {
	h.handleLegacy(w, r, h.engine.Legacy().Restrict)
}

// maxLegacyDurationMinutes keeps the minute count below the point where the
// conversion to time.Duration would overflow.
const maxLegacyDurationMinutes = int64(moderation.MaxLegacyDuration / time.Minute)

type legacyPenaltyFunc func(ctx context.Context, userID, reason string, d time.Duration) moderation.GuardResult

// handleLegacy runs a legacy penalty through the guard. A suppressed
// penalty is a success for the caller: 202 with the would-have entry.
func (h *Handler) handleLegacy(w http.ResponseWriter, r *http.Request, apply legacyPenaltyFunc) {
	if _, ok := h.requirePermission(w, r, moderation.PermissionLegacyEnforce); !ok {
		return
	}

	userID := r.PathValue("id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "User ID is required", nil)
		return
	}
	var req legacyPenaltyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	d := h.config.DefaultLegacyDuration
	if req.DurationMinutes != nil {
		if m := int64(*req.DurationMinutes); m < 0 || m > maxLegacyDurationMinutes {
			writeError(w, http.StatusBadRequest, "durationMinutes must be between 0 and 525600", nil)
			return
		}
		d = time.Duration(*req.DurationMinutes) * time.Minute
	}

	res := apply(r.Context(), userID, req.Reason, d)
	switch {
	case errors.Is(res.Err, moderation.ErrInvalidDuration):
		writeJSON(w, http.StatusBadRequest, legacyPenaltyResponse{GuardResult: res, Error: res.Err.Error()}, "legacy")
	case res.Err != nil:
		writeJSON(w, http.StatusInternalServerError, legacyPenaltyResponse{GuardResult: res, Error: res.Err.Error()}, "legacy")
	case res.Skipped:
		writeJSON(w, http.StatusAccepted, legacyPenaltyResponse{GuardResult: res}, "legacy")
	default:
		writeJSON(w, http.StatusOK, legacyPenaltyResponse{GuardResult: res}, "legacy")
	}
}
