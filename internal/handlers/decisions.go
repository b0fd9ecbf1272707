package handlers

import (
	"errors"
	"net/http"

	"tangled.org/arabica.social/modgate/internal/moderation"

	"github.com/rs/zerolog/log"
)

// decisionResponse is what the host application gets back for a detector
// decision. It carries only what may be shown to the end user; rollout
// state stays in the audit log and the admin API.
type decisionResponse struct {
	ID              string                     `json:"id"`
	Action          moderation.Action          `json:"action"`
	Explanation     moderation.ExplanationCode `json:"explanation"`
	DurationMinutes int                        `json:"durationMinutes,omitempty"`
}

// HandleDecision handles POST /v1/decisions
//
// A body that is not valid JSON is still processed, as a decision with no
// fields, so the detection layer always gets an answer. Operators holding
// view_rollout may add ?explain=1 to receive the full decision.
func (h *Handler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := h.requirePermission(w, r, moderation.PermissionSubmitDecision)
	if !ok {
		return
	}

	var raw moderation.RawDecision
	if err := decodeJSON(r, &raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
			return
		}
		log.Debug().Err(err).Str("operator_id", operatorID).Msg("Undecodable decision body, processing as empty")
		raw = moderation.RawDecision{}
	}

	d := h.engine.Process(r.Context(), deployment(r), &raw)

	if r.URL.Query().Get("explain") == "1" && h.operators.HasPermission(operatorID, moderation.PermissionViewRollout) {
		writeJSON(w, http.StatusOK, d, "decision")
		return
	}

	final := d.Event.Enforcement.FinalAction
	resp := decisionResponse{
		ID:          d.Event.ID,
		Action:      final,
		Explanation: d.Event.Enforcement.Explanation,
	}
	if d.Event.Enforcement.Enforced {
		resp.DurationMinutes = d.Event.DurationMinutes
	}
	writeJSON(w, http.StatusOK, resp, "decision")
}
