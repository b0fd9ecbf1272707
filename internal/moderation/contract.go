package moderation

import (
	"math"
	"strings"
	"time"
)

// Defaults substituted by BuildContract for missing fields.
const (
	DefaultSentiment  = "neutral"
	DefaultConfidence = 0.0
)

// BuildContract normalizes a raw detector decision into a ModerationEvent.
// It never fails: anything it cannot interpret degrades to the most
// conservative contract (ALLOW, zero confidence) and is flagged Malformed.
// Every entry point must pass through here before reaching the gate.
func BuildContract(raw *RawDecision, now time.Time) ModerationEvent {
	ev := ModerationEvent{
		ID:             NewID(),
		System:         SystemCurrent,
		ProposedAction: ActionAllow,
		Category:       CategoryPost,
		Sentiment:      DefaultSentiment,
		Confidence:     DefaultConfidence,
		CreatedAt:      now,
	}
	if raw == nil {
		ev.Malformed = true
		ev.ContentRef = ContentRef{Type: string(ev.Category)}
		return ev
	}

	ev.SubjectUserID = strings.TrimSpace(raw.UserID)
	ev.Category = ParseCategory(strings.ToLower(strings.TrimSpace(raw.Category)))

	if raw.ContentReference != nil {
		ev.ContentRef = ContentRef{Type: raw.ContentReference.Type, ID: raw.ContentReference.ID}
	}
	if ev.ContentRef.Type == "" {
		ev.ContentRef.Type = string(ev.Category)
	}

	if s := strings.TrimSpace(raw.Sentiment); s != "" {
		ev.Sentiment = s
	}

	switch System(strings.ToUpper(strings.TrimSpace(raw.System))) {
	case SystemLegacy:
		ev.System = SystemLegacy
	case SystemSimulation:
		ev.System = SystemSimulation
	}
	if raw.Simulation != nil && *raw.Simulation {
		ev.System = SystemSimulation
	}

	if raw.Confidence != nil {
		c := *raw.Confidence
		switch {
		case math.IsNaN(c) || math.IsInf(c, 0):
			ev.Malformed = true
		case c < 0:
			ev.Confidence = 0
		case c > 1:
			ev.Confidence = 1
		default:
			ev.Confidence = c
		}
	}

	actionName := raw.ProposedAction
	if actionName == "" && raw.Response != nil {
		actionName = raw.Response.Action
	}
	action, ok := ParseAction(actionName)
	if !ok {
		// A missing action is simply ALLOW; an unreadable one also loses its confidence.
		if actionName != "" {
			ev.Malformed = true
			ev.Confidence = 0
		}
		ev.ProposedAction = ActionAllow
		if actionName == "" && ev.System == SystemSimulation {
			ev.ProposedAction = ActionNote
		}
		return withDuration(ev, raw)
	}
	ev.ProposedAction = action
	return withDuration(ev, raw)
}

func withDuration(ev ModerationEvent, raw *RawDecision) ModerationEvent {
	if raw.DurationMinutes != nil && *raw.DurationMinutes > 0 {
		ev.DurationMinutes = *raw.DurationMinutes
	}
	return ev
}
