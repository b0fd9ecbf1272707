package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tangled.org/arabica.social/modgate/internal/metrics"
	"tangled.org/arabica.social/modgate/internal/tracing"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Risk thresholds
const (
	// RestrictRiskScore puts the user on probation.
	RestrictRiskScore = 10
	// SuspendRiskScore mutes the user indefinitely; only an admin can clear it.
	SuspendRiskScore = 20
	// ProbationDuration is how long a restriction lasts.
	ProbationDuration = 24 * time.Hour
)

// ThresholdAction is the outcome of a threshold check.
type ThresholdAction string

const (
	ThresholdNone     ThresholdAction = "none"
	ThresholdRestrict ThresholdAction = "restrict"
	ThresholdSuspend  ThresholdAction = "suspend"
)

// Thresholds configures the risk threshold enforcer.
type Thresholds struct {
	Restrict  float64
	Suspend   float64
	Probation time.Duration
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Restrict:  RestrictRiskScore,
		Suspend:   SuspendRiskScore,
		Probation: ProbationDuration,
	}
}

// ThresholdResult reports what a threshold check did. When Err is set the
// action was decided but could not be persisted.
type ThresholdResult struct {
	UserID         string          `json:"userId"`
	Action         ThresholdAction `json:"action"`
	RiskScore      float64         `json:"riskScore"`
	RiskLevel      RiskLevel       `json:"riskLevel"`
	ProbationUntil *time.Time      `json:"probationUntil,omitempty"`
	Err            error           `json:"-"`
}

// StrikeResult reports a real, persisted strike.
type StrikeResult struct {
	UserID        string          `json:"userId"`
	Category      Category        `json:"category"`
	CategoryLevel int             `json:"categoryLevel"`
	Decayed       bool            `json:"decayed"`
	Verdict       Escalation      `json:"verdict"`
	Counters      *UserCounters   `json:"counters,omitempty"`
	Threshold     ThresholdResult `json:"threshold"`
	Err           error           `json:"-"`
}

// ThresholdEnforcer is the mutating side of the engine. Every mutation for a
// user runs under that user's lock and as a single store read-modify-write,
// so concurrent violations cannot lose updates.
type ThresholdEnforcer struct {
	store      CounterStore
	thresholds Thresholds
	now        func() time.Time

	// locks only holds users with a mutation running or waiting.
	locks *xsync.MapOf[string, *userLock]
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewThresholdEnforcer creates an enforcer backed by store.
func NewThresholdEnforcer(store CounterStore, thresholds Thresholds) *ThresholdEnforcer {
	return &ThresholdEnforcer{
		store:      store,
		thresholds: thresholds,
		now:        time.Now,
		locks:      xsync.NewMapOf[string, *userLock](),
	}
}

// lockUser takes userID's lock. The entry is reference counted and removed
// by the last holder, so the map never outgrows the set of busy users.
func (e *ThresholdEnforcer) lockUser(userID string) func() {
	l, _ := e.locks.Compute(userID, func(l *userLock, loaded bool) (*userLock, bool) {
		if !loaded {
			l = &userLock{}
		}
		l.refs++
		return l, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locks.Compute(userID, func(l *userLock, _ bool) (*userLock, bool) {
			l.refs--
			return l, l.refs == 0
		})
	}
}

// ApplyThreshold restricts or suspends userID once its risk score crosses a
// threshold, and heals a stale risk level once the score has dropped. A user
// that cannot be loaded yields ThresholdNone; it never panics or fails the
// caller's request.
func (e *ThresholdEnforcer) ApplyThreshold(ctx context.Context, userID string) ThresholdResult {
	unlock := e.lockUser(userID)
	defer unlock()
	return e.applyLocked(ctx, userID)
}

// AddRisk adds delta to the user's risk score and re-evaluates thresholds in
// the same critical section.
func (e *ThresholdEnforcer) AddRisk(ctx context.Context, userID string, delta float64) ThresholdResult {
	unlock := e.lockUser(userID)
	defer unlock()

	_, err := e.store.UpdateCounters(ctx, userID, func(c *UserCounters) error {
		c.RiskScore += delta
		if c.RiskScore < 0 {
			c.RiskScore = 0
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ThresholdResult{UserID: userID, Action: ThresholdNone}
		}
		log.Error().Err(err).Str("user_id", userID).Float64("delta", delta).Msg("moderation: failed to add risk")
		metrics.EnforcementErrorsTotal.WithLabelValues("add_risk").Inc()
		return ThresholdResult{UserID: userID, Action: ThresholdNone, Err: err}
	}
	return e.applyLocked(ctx, userID)
}

// RecordStrike persists one violation in cat for userID, adds riskWeight to
// its score and then runs the threshold check. The escalation verdict is
// reported, not applied.
func (e *ThresholdEnforcer) RecordStrike(ctx context.Context, userID string, cat Category, riskWeight float64) StrikeResult {
	ctx, span := tracing.EnforcementSpan(ctx, "record_strike", userID)
	defer span.End()

	unlock := e.lockUser(userID)
	defer unlock()

	res := StrikeResult{UserID: userID, Category: cat, Verdict: EscalationNone}
	if err := e.store.CreateCounters(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("moderation: failed to create counters")
		metrics.EnforcementErrorsTotal.WithLabelValues("record_strike").Inc()
		tracing.EndWithError(span, err)
		res.Err = err
		return res
	}

	now := e.now()
	updated, err := e.store.UpdateCounters(ctx, userID, func(c *UserCounters) error {
		res.Decayed, res.CategoryLevel = advanceStrikes(c, cat, now)
		at := now
		c.LastViolationAt = &at
		c.RiskScore += riskWeight
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("category", string(cat)).Msg("moderation: failed to record strike")
		metrics.EnforcementErrorsTotal.WithLabelValues("record_strike").Inc()
		tracing.EndWithError(span, err)
		res.Err = err
		return res
	}

	res.Counters = updated
	res.Verdict = ResolveEscalation(updated.GlobalStrikes, res.CategoryLevel)
	metrics.StrikesTotal.WithLabelValues(string(cat), string(res.Verdict)).Inc()
	res.Threshold = e.applyLocked(ctx, userID)
	return res
}

func (e *ThresholdEnforcer) applyLocked(ctx context.Context, userID string) ThresholdResult {
	res := ThresholdResult{UserID: userID, Action: ThresholdNone}

	current, err := e.store.GetCounters(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			log.Warn().Err(err).Str("user_id", userID).Msg("moderation: threshold check could not load user")
		}
		return res
	}
	res.RiskScore = current.RiskScore
	res.RiskLevel = current.RiskLevel

	now := e.now()
	var action ThresholdAction
	updated, err := e.store.UpdateCounters(ctx, userID, func(c *UserCounters) error {
		var changed bool
		action, changed = e.evaluate(c, now)
		if !changed {
			return ErrSkipWrite
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return res
		}
		log.Error().
			Err(err).
			Str("user_id", userID).
			Str("action", string(action)).
			Float64("risk_score", current.RiskScore).
			Msg("moderation: failed to persist threshold action")
		metrics.EnforcementErrorsTotal.WithLabelValues("threshold").Inc()
		res.Action = action
		res.Err = err
		return res
	}

	res.Action = action
	res.RiskScore = updated.RiskScore
	res.RiskLevel = updated.RiskLevel
	res.ProbationUntil = updated.ProbationUntil
	metrics.ThresholdActionsTotal.WithLabelValues(string(action)).Inc()

	if action != ThresholdNone {
		log.Warn().
			Str("user_id", userID).
			Str("action", string(action)).
			Float64("risk_score", updated.RiskScore).
			Str("risk_level", string(updated.RiskLevel)).
			Msg("moderation: risk threshold crossed")
	}
	return res
}

// evaluate applies the threshold ladder to c in place.
func (e *ThresholdEnforcer) evaluate(c *UserCounters, now time.Time) (ThresholdAction, bool) {
	switch {
	case c.RiskScore >= e.thresholds.Suspend:
		if c.Muted && c.MuteExpires == nil && c.RiskLevel == RiskHigh {
			return ThresholdSuspend, false
		}
		c.Muted = true
		c.MuteExpires = nil
		c.MuteReason = fmt.Sprintf("risk threshold breached: score %.1f >= %.0f", c.RiskScore, e.thresholds.Suspend)
		c.RiskLevel = RiskHigh
		return ThresholdSuspend, true

	case c.RiskScore >= e.thresholds.Restrict:
		until := now.Add(e.thresholds.Probation)
		c.ProbationUntil = &until
		c.RiskLevel = RiskModerate
		return ThresholdRestrict, true

	default:
		if c.RiskLevel == RiskLow {
			return ThresholdNone, false
		}
		c.RiskLevel = RiskLow
		return ThresholdNone, true
	}
}
