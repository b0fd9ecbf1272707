package moderation

import "time"

// Escalation ladder constants.
const (
	// DecayWindow is how long after the last violation all strike counters reset.
	DecayWindow = 30 * 24 * time.Hour
	// PermanentBanGlobalStrikes is the global count that wins over any category level.
	PermanentBanGlobalStrikes = 4
	// ShadowCategoryStrikes is the category level that yields a 30-day shadow restriction.
	ShadowCategoryStrikes = 3
	// RestrictionCategoryStrikes is the category level that yields a 48-hour restriction.
	RestrictionCategoryStrikes = 2
)

// Escalation is the ladder step a violation resolves to.
type Escalation string

const (
	EscalationNone                   Escalation = "NONE"
	EscalationWould48HourRestriction Escalation = "WOULD_48_HOUR_RESTRICTION"
	EscalationWould30DayShadow       Escalation = "WOULD_30_DAY_SHADOW"
	EscalationWouldPermanentBan      Escalation = "WOULD_PERMANENT_BAN"
)

// RiskLevel is the coarse account risk bucket.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// UserCounters is the per-user moderation state. Only the threshold
// enforcer and the strike path write it.
type UserCounters struct {
	UserID          string     `json:"userId"`
	PostStrikes     int        `json:"postStrikes"`
	CommentStrikes  int        `json:"commentStrikes"`
	DMStrikes       int        `json:"dmStrikes"`
	GlobalStrikes   int        `json:"globalStrikes"`
	LastViolationAt *time.Time `json:"lastViolationAt,omitempty"`
	RiskScore       float64    `json:"riskScore"`
	RiskLevel       RiskLevel  `json:"riskLevel"`
	ProbationUntil  *time.Time `json:"probationUntil,omitempty"`
	Muted           bool       `json:"muted"`
	MuteExpires     *time.Time `json:"muteExpires,omitempty"`
	MuteReason      string     `json:"muteReason,omitempty"`
	// Version increments on every write and backs optimistic concurrency.
	Version int64 `json:"version"`
}

// CategoryStrikes returns the counter for cat; other has no counter.
func (c UserCounters) CategoryStrikes(cat Category) int {
	switch cat {
	case CategoryPost:
		return c.PostStrikes
	case CategoryComment:
		return c.CommentStrikes
	case CategoryDM:
		return c.DMStrikes
	}
	return 0
}

// Projection is a simulated escalation outcome. Nothing in it is persisted.
type Projection struct {
	UserID        string       `json:"userId"`
	Category      Category     `json:"category"`
	ViolationType string       `json:"violationType,omitempty"`
	Before        UserCounters `json:"before"`
	After         UserCounters `json:"after"`
	Decayed       bool         `json:"decayed"`
	CategoryLevel int          `json:"categoryLevel"`
	Verdict       Escalation   `json:"verdict"`
	ProjectedAt   time.Time    `json:"projectedAt"`
}

// Simulate projects what one more violation in cat would do to c. It works
// on copies and never writes, so it is safe to call repeatedly and
// concurrently for previews. Decay is measured from the persisted
// LastViolationAt to now.
func Simulate(c UserCounters, cat Category, violationType string, now time.Time) Projection {
	after := c
	decayed, level := advanceStrikes(&after, cat, now)
	// The simulated record keeps the persisted violation time.
	after.LastViolationAt = c.LastViolationAt
	return Projection{
		UserID:        c.UserID,
		Category:      cat,
		ViolationType: violationType,
		Before:        c,
		After:         after,
		Decayed:       decayed,
		CategoryLevel: level,
		Verdict:       ResolveEscalation(after.GlobalStrikes, level),
		ProjectedAt:   now,
	}
}

// ResolveEscalation applies the ladder. The global threshold wins over any
// category level.
func ResolveEscalation(globalStrikes, categoryLevel int) Escalation {
	switch {
	case globalStrikes >= PermanentBanGlobalStrikes:
		return EscalationWouldPermanentBan
	case categoryLevel >= ShadowCategoryStrikes:
		return EscalationWould30DayShadow
	case categoryLevel == RestrictionCategoryStrikes:
		return EscalationWould48HourRestriction
	}
	return EscalationNone
}

// advanceStrikes applies decay and one increment to c in place and returns
// whether decay fired and the new category level. It is shared by the
// simulator (on a copy) and the real strike path.
func advanceStrikes(c *UserCounters, cat Category, now time.Time) (decayed bool, level int) {
	if c.LastViolationAt != nil && now.Sub(*c.LastViolationAt) > DecayWindow {
		c.PostStrikes, c.CommentStrikes, c.DMStrikes, c.GlobalStrikes = 0, 0, 0, 0
		decayed = true
	}
	switch cat {
	case CategoryPost:
		c.PostStrikes++
		level = c.PostStrikes
	case CategoryComment:
		c.CommentStrikes++
		level = c.CommentStrikes
	case CategoryDM:
		c.DMStrikes++
		level = c.DMStrikes
	}
	c.GlobalStrikes++
	return decayed, level
}
