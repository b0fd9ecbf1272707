package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tangled.org/arabica.social/modgate/internal/metrics"

	"github.com/rs/zerolog/log"
)

// LegacyPenalty is a penalty the legacy generation knows how to apply.
type LegacyPenalty string

const (
	LegacyPenaltyMute     LegacyPenalty = "mute"
	LegacyPenaltyRestrict LegacyPenalty = "restrict"
)

// SkippedBecauseLegacyPassive is recorded on every suppressed legacy penalty.
const SkippedBecauseLegacyPassive = "LEGACY_PASSIVE_MODE"

// SkippedBecauseAuthorityUnknown is recorded when the primary system could
// not be read; the legacy generation stays passive until it can.
const SkippedBecauseAuthorityUnknown = "AUTHORITY_UNAVAILABLE"

// MaxLegacyDuration caps legacy mute and probation durations.
const MaxLegacyDuration = 365 * 24 * time.Hour

// ErrInvalidDuration is returned for a legacy penalty duration outside
// [0, MaxLegacyDuration].
var ErrInvalidDuration = errors.New("invalid penalty duration")

// AuthoritySource reads the current authority.
type AuthoritySource func(ctx context.Context) (Authority, error)

// GuardResult is the outcome of a guarded legacy call.
type GuardResult struct {
	Enforced bool        `json:"enforced"`
	Skipped  bool        `json:"skipped"`
	Entry    *AuditEntry `json:"entry,omitempty"`
	Err      error       `json:"-"`
}

// LegacyGuard decides whether a legacy penalty may run. While the legacy
// generation is passive the penalty is recorded as a would-have event and
// never applied.
type LegacyGuard struct {
	authority AuthoritySource
	audit     AuditLog
	now       func() time.Time
}

// NewLegacyGuard returns a guard that consults authority on every call, so
// a switch of primary system takes effect immediately.
func NewLegacyGuard(authority AuthoritySource, audit AuditLog) *LegacyGuard {
	return &LegacyGuard{authority: authority, audit: audit, now: time.Now}
}

// Guard runs apply only when the legacy generation is ACTIVE.
func (g *LegacyGuard) Guard(ctx context.Context, penalty LegacyPenalty, userID, reason string, apply func(context.Context) error) GuardResult {
	auth, err := g.authority(ctx)
	skippedBecause := SkippedBecauseLegacyPassive
	if err != nil {
		skippedBecause = SkippedBecauseAuthorityUnknown
	}
	if err == nil && auth.LegacyMode() == LegacyActive {
		if err := apply(ctx); err != nil {
			log.Error().
				Err(err).
				Str("penalty", string(penalty)).
				Str("user_id", userID).
				Msg("legacy: failed to apply penalty")
			metrics.EnforcementErrorsTotal.WithLabelValues("legacy").Inc()
			return GuardResult{Err: err}
		}
		entry := &AuditEntry{
			ID:            NewID(),
			Action:        AuditActionLegacyApplied,
			ActorID:       "legacy",
			SubjectUserID: userID,
			Reason:        reason,
			Details:       map[string]string{"penalty": string(penalty)},
			Timestamp:     g.now(),
		}
		g.append(ctx, entry)
		return GuardResult{Enforced: true, Entry: entry}
	}

	entry := &AuditEntry{
		ID:            NewID(),
		Action:        SkippedAction(penalty),
		ActorID:       "legacy",
		SubjectUserID: userID,
		Reason:        reason,
		Skip: &LegacySkip{
			EnforcementSkipped: true,
			WouldHaveApplied:   penalty,
			SkippedBecause:     skippedBecause,
		},
		Timestamp: g.now(),
	}
	g.append(ctx, entry)
	metrics.LegacySkippedTotal.WithLabelValues(string(penalty)).Inc()
	log.Info().
		Str("penalty", string(penalty)).
		Str("user_id", userID).
		Str("reason", reason).
		Str("skipped_because", skippedBecause).
		Msg("legacy: enforcement skipped, legacy generation is passive")
	return GuardResult{Skipped: true, Entry: entry}
}

func (g *LegacyGuard) append(ctx context.Context, entry *AuditEntry) {
	if err := g.audit.AppendAudit(ctx, *entry); err != nil {
		log.Error().Err(err).Str("audit_action", string(entry.Action)).Msg("legacy: failed to write audit entry")
	}
}

// LegacyEnforcer is the legacy generation's penalty surface. Its mutating
// functions are unexported and only run through the guard.
type LegacyEnforcer struct {
	guard *LegacyGuard
	store CounterStore
	now   func() time.Time
}

// NewLegacyEnforcer wires the legacy penalties to store behind guard.
func NewLegacyEnforcer(guard *LegacyGuard, store CounterStore) *LegacyEnforcer {
	return &LegacyEnforcer{guard: guard, store: store, now: time.Now}
}

// Mute silences userID for d. A zero d mutes indefinitely.
func (l *LegacyEnforcer) Mute(ctx context.Context, userID, reason string, d time.Duration) GuardResult {
	if err := checkDuration(d); err != nil {
		return GuardResult{Err: err}
	}
	return l.guard.Guard(ctx, LegacyPenaltyMute, userID, reason, func(ctx context.Context) error {
		return l.mute(ctx, userID, reason, d)
	})
}

// Restrict puts userID on probation for d.
func (l *LegacyEnforcer) Restrict(ctx context.Context, userID, reason string, d time.Duration) GuardResult {
	if err := checkDuration(d); err != nil {
		return GuardResult{Err: err}
	}
	return l.guard.Guard(ctx, LegacyPenaltyRestrict, userID, reason, func(ctx context.Context) error {
		return l.restrict(ctx, userID, d)
	})
}

func checkDuration(d time.Duration) error {
	if d < 0 || d > MaxLegacyDuration {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}
	return nil
}

func (l *LegacyEnforcer) mute(ctx context.Context, userID, reason string, d time.Duration) error {
	if err := l.store.CreateCounters(ctx, userID); err != nil {
		return fmt.Errorf("legacy mute: %w", err)
	}
	now := l.now()
	_, err := l.store.UpdateCounters(ctx, userID, func(c *UserCounters) error {
		c.Muted = true
		c.MuteReason = reason
		c.MuteExpires = nil
		if d > 0 {
			until := now.Add(d)
			c.MuteExpires = &until
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("legacy mute: %w", err)
	}
	return nil
}

func (l *LegacyEnforcer) restrict(ctx context.Context, userID string, d time.Duration) error {
	if err := l.store.CreateCounters(ctx, userID); err != nil {
		return fmt.Errorf("legacy restrict: %w", err)
	}
	until := l.now().Add(d)
	_, err := l.store.UpdateCounters(ctx, userID, func(c *UserCounters) error {
		c.ProbationUntil = &until
		return nil
	})
	if err != nil {
		return fmt.Errorf("legacy restrict: %w", err)
	}
	return nil
}
