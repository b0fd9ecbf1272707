package moderation

import (
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Category is the kind of content a decision is about.
type Category string

const (
	CategoryPost    Category = "post"
	CategoryComment Category = "comment"
	CategoryDM      Category = "dm"
	CategoryOther   Category = "other"
)

// ParseCategory normalizes a raw category. Missing values default to post;
// unknown values map to other.
func ParseCategory(raw string) Category {
	switch Category(raw) {
	case "":
		return CategoryPost
	case CategoryPost, CategoryComment, CategoryDM, CategoryOther:
		return Category(raw)
	}
	return CategoryOther
}

// System identifies which moderation generation produced an event.
type System string

const (
	SystemCurrent    System = "CURRENT"
	SystemLegacy     System = "LEGACY"
	SystemSimulation System = "SIMULATION"
)

// Reason records which gate branch produced the final action.
type Reason string

const (
	ReasonSimulation          Reason = "SIMULATION"
	ReasonNonPrimaryAuthority Reason = "NON_PRIMARY_AUTHORITY"
	ReasonShadowMode          Reason = "SHADOW_MODE"
	ReasonActionNotEnabled    Reason = "ACTION_NOT_ENABLED"
	ReasonActionEnabled       Reason = "ACTION_ENABLED"
)

// ContentRef points at the moderated content in the host application.
type ContentRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Enforcement is the gate's verdict. OriginalAction is always what the
// detector proposed; FinalAction is what the rollout policy let through.
type Enforcement struct {
	Enforced       bool            `json:"enforced"`
	Reason         Reason          `json:"reason"`
	OriginalAction Action          `json:"originalAction"`
	FinalAction    Action          `json:"finalAction"`
	Explanation    ExplanationCode `json:"explanation"`
}

// ModerationEvent is one moderation decision. Values are never mutated after
// creation; every stage returns a new value.
type ModerationEvent struct {
	ID              string      `json:"id"`
	ContentRef      ContentRef  `json:"contentReference"`
	SubjectUserID   string      `json:"subjectUserId"`
	System          System      `json:"originatingSystem"`
	ProposedAction  Action      `json:"proposedAction"`
	Category        Category    `json:"category"`
	Sentiment       string      `json:"sentiment"`
	Confidence      float64     `json:"confidence"`
	DurationMinutes int         `json:"durationMinutes"`
	ShadowMode      bool        `json:"shadowMode"`
	Enforcement     Enforcement `json:"enforcement"`
	Malformed       bool        `json:"malformed,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// RawContentRef is the content reference as sent by the detection layer.
type RawContentRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RawResponse is the nested detector response some callers send instead of proposedAction.
type RawResponse struct {
	Action string `json:"action"`
}

// RawDecision is what the detection layer hands the engine. Every field is
// optional; BuildContract fills the gaps.
type RawDecision struct {
	UserID           string         `json:"userId"`
	ProposedAction   string         `json:"proposedAction"`
	Response         *RawResponse   `json:"response,omitempty"`
	Category         string         `json:"category"`
	ContentReference *RawContentRef `json:"contentReference,omitempty"`
	System           string         `json:"system"`
	Sentiment        string         `json:"sentiment"`
	Confidence       *float64       `json:"confidence,omitempty"`
	DurationMinutes  *int           `json:"durationMinutes,omitempty"`
	Simulation       *bool          `json:"simulation,omitempty"`
}

// AuditAction is the kind of an audit log entry.
type AuditAction string

const (
	AuditActionDecision        AuditAction = "decision"
	AuditActionStrike          AuditAction = "strike"
	AuditActionThreshold       AuditAction = "threshold"
	AuditActionPhaseTransition AuditAction = "phase_transition"
	AuditActionModeChange      AuditAction = "mode_change"
	AuditActionLegacyApplied   AuditAction = "legacy_applied"
	AuditActionAuthorityChange AuditAction = "authority_change"
)

// SkippedAction is the audit tag for a legacy penalty the guard suppressed.
func SkippedAction(p LegacyPenalty) AuditAction {
	return AuditAction(string(p) + "-skipped")
}

// LegacySkip describes a legacy penalty that would have been applied.
type LegacySkip struct {
	EnforcementSkipped bool          `json:"enforcementSkipped"`
	WouldHaveApplied   LegacyPenalty `json:"wouldHaveApplied"`
	SkippedBecause     string        `json:"skippedBecause"`
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID            string            `json:"id"`
	Action        AuditAction       `json:"action"`
	ActorID       string            `json:"actor_id"` // admin id, "engine" or "legacy"
	SubjectUserID string            `json:"subject_user_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Event         *ModerationEvent  `json:"event,omitempty"`
	Projection    *Projection       `json:"projection,omitempty"`
	Skip          *LegacySkip       `json:"skip,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

var idClock = syntax.NewTIDClock(0)

// NewID returns a monotonically increasing TID, so IDs sort in creation order.
func NewID() string {
	return idClock.Next().String()
}
