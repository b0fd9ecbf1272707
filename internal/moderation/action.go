package moderation

import "strings"

// Action is a canonical moderation action. Declaration order is severity order.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionNote   Action = "NOTE"
	ActionDampen Action = "DAMPEN"

	// Reserved actions are part of the vocabulary but are never dispatched
	// to enforcement by the current rollout.
	ActionReview Action = "REVIEW"
	ActionMute   Action = "MUTE"
	ActionBlock  Action = "BLOCK"
)

// AllActions returns every canonical action in increasing severity.
func AllActions() []Action {
	return []Action{
		ActionAllow,
		ActionNote,
		ActionDampen,
		ActionReview,
		ActionMute,
		ActionBlock,
	}
}

// Valid reports whether a is one of the canonical actions.
func (a Action) Valid() bool {
	return a.Severity() >= 0
}

// Severity returns the position of a in the severity order, or -1.
func (a Action) Severity() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionNote:
		return 1
	case ActionDampen:
		return 2
	case ActionReview:
		return 3
	case ActionMute:
		return 4
	case ActionBlock:
		return 5
	}
	return -1
}

// Reserved reports whether a is defined but never dispatched.
func (a Action) Reserved() bool {
	switch a {
	case ActionReview, ActionMute, ActionBlock:
		return true
	}
	return false
}

// IsPenalty reports whether applying a live changes what other users see
// or what the subject can do. ALLOW and NOTE are bookkeeping only.
func (a Action) IsPenalty() bool {
	return a.Severity() >= ActionDampen.Severity()
}

// RiskWeight is the amount an enforced action adds to the subject's risk score.
func (a Action) RiskWeight() float64 {
	switch a {
	case ActionNote:
		return 1
	case ActionDampen:
		return 3
	case ActionReview:
		return 5
	case ActionMute:
		return 8
	case ActionBlock:
		return 20
	}
	return 0
}

// ExplanationCode is the human-readable code attached to an enforced action.
type ExplanationCode string

const (
	ExplanationAllowed            ExplanationCode = "ALLOWED"
	ExplanationNoteApplied        ExplanationCode = "NOTE_APPLIED"
	ExplanationVisibilityDampened ExplanationCode = "VISIBILITY_DAMPENED"
	ExplanationQueuedForReview    ExplanationCode = "QUEUED_FOR_REVIEW"
	ExplanationUserMuted          ExplanationCode = "USER_MUTED"
	ExplanationContentBlocked     ExplanationCode = "CONTENT_BLOCKED"
)

// Explanation maps a canonical action to its explanation code.
func (a Action) Explanation() ExplanationCode {
	switch a {
	case ActionNote:
		return ExplanationNoteApplied
	case ActionDampen:
		return ExplanationVisibilityDampened
	case ActionReview:
		return ExplanationQueuedForReview
	case ActionMute:
		return ExplanationUserMuted
	case ActionBlock:
		return ExplanationContentBlocked
	}
	return ExplanationAllowed
}

// LegacyAction is the action vocabulary of the older moderation generation.
type LegacyAction string

const (
	LegacyAllow                 LegacyAction = "ALLOW"
	LegacyAllowWithInternalNote LegacyAction = "ALLOW_WITH_INTERNAL_NOTE"
	LegacyVisibilityDampen      LegacyAction = "VISIBILITY_DAMPEN"
	LegacyQueueForReview        LegacyAction = "QUEUE_FOR_REVIEW"
	LegacyTempMute              LegacyAction = "TEMP_MUTE"
	LegacyHardBlock             LegacyAction = "HARD_BLOCK"
)

// AllLegacyActions returns every legacy action.
func AllLegacyActions() []LegacyAction {
	return []LegacyAction{
		LegacyAllow,
		LegacyAllowWithInternalNote,
		LegacyVisibilityDampen,
		LegacyQueueForReview,
		LegacyTempMute,
		LegacyHardBlock,
	}
}

// Canonical maps a legacy action onto the canonical vocabulary without
// applying rollout policy. ok is false for values outside the legacy set.
func (l LegacyAction) Canonical() (a Action, ok bool) {
	switch l {
	case LegacyAllow:
		return ActionAllow, true
	case LegacyAllowWithInternalNote:
		return ActionNote, true
	case LegacyVisibilityDampen:
		return ActionDampen, true
	case LegacyQueueForReview:
		return ActionReview, true
	case LegacyTempMute:
		return ActionMute, true
	case LegacyHardBlock:
		return ActionBlock, true
	}
	return ActionAllow, false
}

// Dispatchable applies the rollout policy for reserved actions: anything the
// current rollout cannot dispatch is downgraded to NOTE. This is policy, not
// an error.
func Dispatchable(a Action) Action {
	if a.Reserved() {
		return ActionNote
	}
	return a
}

// ParseAction accepts a canonical or legacy action name, case-insensitively,
// and returns the dispatchable canonical action. ok is false when the input
// names no known action.
func ParseAction(raw string) (Action, bool) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	if name == "" {
		return ActionAllow, false
	}
	if a := Action(name); a.Valid() {
		return Dispatchable(a), true
	}
	if a, ok := LegacyAction(name).Canonical(); ok {
		return Dispatchable(a), true
	}
	return ActionAllow, false
}

// TaxonomyVersion selects which canonical actions a deployment may enable.
// Version 1 is the older enforcer (NOTE only); version 2 adds DAMPEN.
type TaxonomyVersion int

const (
	TaxonomyV1 TaxonomyVersion = 1
	TaxonomyV2 TaxonomyVersion = 2

	CurrentTaxonomy = TaxonomyV2
)

// Valid reports whether v is a known taxonomy version.
func (v TaxonomyVersion) Valid() bool {
	return v == TaxonomyV1 || v == TaxonomyV2
}

// Enableable returns the actions that can be switched on under v.
func (v TaxonomyVersion) Enableable() []Action {
	switch v {
	case TaxonomyV1:
		return []Action{ActionNote}
	case TaxonomyV2:
		return []Action{ActionNote, ActionDampen}
	}
	return nil
}

// CanEnable reports whether a may be enabled under v. ALLOW is always
// enabled and reserved actions never are.
func (v TaxonomyVersion) CanEnable(a Action) bool {
	if a == ActionAllow {
		return true
	}
	for _, e := range v.Enableable() {
		if e == a {
			return true
		}
	}
	return false
}
