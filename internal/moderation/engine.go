package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tangled.org/arabica.social/modgate/internal/metrics"
	"tangled.org/arabica.social/modgate/internal/tracing"

	"github.com/rs/zerolog/log"
)

// DefaultDeployment is used when a caller names no deployment.
const DefaultDeployment = "default"

// EngineActor is the audit actor for decisions the engine takes on its own.
const EngineActor = "engine"

// EngineOptions configures an Engine.
type EngineOptions struct {
	Deployment string
	// Authority is the primary system until an operator stores another one.
	Authority  Authority
	Thresholds Thresholds
	Settings   SettingsOptions
}

// DefaultEngineOptions returns the production options: the current
// generation is primary and thresholds are 10 and 20.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Deployment: DefaultDeployment,
		Authority:  NewAuthority(SystemCurrent),
		Thresholds: DefaultThresholds(),
		Settings:   DefaultSettingsOptions(),
	}
}

// Decision is the result of processing one raw detector decision.
type Decision struct {
	Event          ModerationEvent `json:"event"`
	Mode           Mode            `json:"mode"`
	Phase          int             `json:"phase"`
	ConfigFallback bool            `json:"configFallback,omitempty"`
	// Projection is the would-have forecast for a penalty that was not applied.
	Projection *Projection `json:"projection,omitempty"`
	// Strike is set when a live penalty was applied.
	Strike *StrikeResult `json:"strike,omitempty"`
}

// Engine ties the pipeline together: contract, rollout snapshot, gate,
// strike and threshold side effects, and the audit log.
type Engine struct {
	store      Store
	settings   *SettingsProvider
	thresholds *ThresholdEnforcer
	legacy     *LegacyEnforcer
	deployment string
	now        func() time.Time

	// adminMu serializes override read-modify-writes in this process.
	adminMu sync.Mutex
}

// NewEngine creates an engine backed by store.
func NewEngine(store Store, opts EngineOptions) *Engine {
	if opts.Deployment == "" {
		opts.Deployment = DefaultDeployment
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	e := &Engine{
		store:      store,
		settings:   NewSettingsProvider(store, opts.Settings),
		thresholds: NewThresholdEnforcer(store, opts.Thresholds),
		deployment: opts.Deployment,
		now:        time.Now,
	}
	e.settings.primary = opts.Authority.Primary()
	e.legacy = NewLegacyEnforcer(NewLegacyGuard(e.settings.Authority, store), store)
	return e
}

// Authority returns the stored authority. If the store cannot be read it
// returns the passive-legacy fallback; see SettingsProvider.Authority.
func (e *Engine) Authority(ctx context.Context) Authority {
	auth, _ := e.settings.Authority(ctx)
	return auth
}

// SetAuthority switches the primary generation. The choice is persisted, so
// every engine sharing the store sees it on its next decision and it
// survives restarts.
func (e *Engine) SetAuthority(ctx context.Context, primary System, actor string) (Authority, error) {
	if primary != SystemCurrent && primary != SystemLegacy {
		return Authority{}, fmt.Errorf("primary must be %s or %s, got %q", SystemCurrent, SystemLegacy, primary)
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	o, err := e.settings.Overrides(ctx, AuthorityRecord)
	if err != nil {
		return Authority{}, err
	}
	prev := authorityFrom(o, e.settings.primary)
	next := NewAuthority(primary)

	var record RolloutOverrides
	if o != nil {
		record = *o
	}
	record.Primary = &primary
	if err := e.settings.Save(ctx, AuthorityRecord, record); err != nil {
		return Authority{}, err
	}

	e.appendAudit(ctx, AuditEntry{
		ID:      NewID(),
		Action:  AuditActionAuthorityChange,
		ActorID: actor,
		Details: map[string]string{
			"from": string(prev.Primary()),
			"to":   string(next.Primary()),
		},
		Timestamp: e.now(),
	})
	log.Info().
		Str("from", string(prev.Primary())).
		Str("to", string(next.Primary())).
		Str("actor", actor).
		Msg("moderation: authority changed")
	return next, nil
}

// Legacy returns the guarded legacy penalty surface.
func (e *Engine) Legacy() *LegacyEnforcer {
	return e.legacy
}

// Thresholds returns the threshold enforcer.
func (e *Engine) Thresholds() *ThresholdEnforcer {
	return e.thresholds
}

func (e *Engine) resolve(deployment string) string {
	if deployment == "" {
		return e.deployment
	}
	return deployment
}

// Config returns the rollout snapshot for deployment.
func (e *Engine) Config(ctx context.Context, deployment string) RolloutConfig {
	deployment = e.resolve(deployment)
	cfg := e.settings.Config(ctx, deployment)
	metrics.EffectivePhase.WithLabelValues(deployment).Set(float64(cfg.CurrentPhase()))
	return cfg
}

// Process runs one raw detector decision through the pipeline. It always
// returns a decision; failures in the strike or threshold side effects are
// carried on Decision.Strike and logged.
func (e *Engine) Process(ctx context.Context, deployment string, raw *RawDecision) Decision {
	deployment = e.resolve(deployment)
	ctx, span := tracing.DecisionSpan(ctx, deployment)
	defer span.End()

	ev := BuildContract(raw, e.now())
	if ev.Malformed {
		metrics.MalformedEventsTotal.Inc()
		log.Debug().
			Str("event_id", ev.ID).
			Str("code", string(CodeMalformedEvent)).
			Msg("moderation: malformed detector decision normalized to safe defaults")
	}

	cfg := e.Config(ctx, deployment)
	auth, err := e.settings.Authority(ctx)
	if err != nil {
		// Without a known primary neither generation may enforce.
		cfg = e.settings.fallback()
	}
	out := Decide(ev, cfg, auth)
	tracing.AnnotateDecision(span, string(out.Enforcement.Reason), string(out.Enforcement.FinalAction), out.Enforcement.Enforced)
	metrics.DecisionsTotal.WithLabelValues(string(out.Enforcement.Reason), string(out.Enforcement.FinalAction)).Inc()

	d := Decision{
		Event:          out,
		Mode:           cfg.Mode,
		Phase:          cfg.CurrentPhase(),
		ConfigFallback: cfg.Fallback,
	}

	switch {
	case out.SubjectUserID == "":
	case out.Enforcement.Enforced && out.Enforcement.FinalAction.IsPenalty():
		strike := e.thresholds.RecordStrike(ctx, out.SubjectUserID, out.Category, out.Enforcement.FinalAction.RiskWeight())
		d.Strike = &strike
	case out.Enforcement.OriginalAction.IsPenalty():
		d.Projection = e.project(ctx, out.SubjectUserID, out.Category, string(out.Enforcement.OriginalAction))
	}

	e.appendAudit(ctx, AuditEntry{
		ID:            out.ID,
		Action:        AuditActionDecision,
		ActorID:       EngineActor,
		SubjectUserID: out.SubjectUserID,
		Reason:        string(out.Enforcement.Reason),
		Event:         &out,
		Projection:    d.Projection,
		Timestamp:     out.CreatedAt,
	})
	if d.Strike != nil && d.Strike.Err == nil {
		e.auditStrike(ctx, *d.Strike)
	}

	log.Debug().
		Str("event_id", out.ID).
		Str("user_id", out.SubjectUserID).
		Str("original_action", string(out.Enforcement.OriginalAction)).
		Str("final_action", string(out.Enforcement.FinalAction)).
		Str("reason", string(out.Enforcement.Reason)).
		Bool("enforced", out.Enforcement.Enforced).
		Msg("moderation: decision")
	return d
}

// project is best effort: a user that cannot be loaded gets no forecast.
func (e *Engine) project(ctx context.Context, userID string, cat Category, violationType string) *Projection {
	p, err := e.Forecast(ctx, userID, cat, violationType)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("moderation: could not project escalation")
		return nil
	}
	return &p
}

func (e *Engine) auditStrike(ctx context.Context, s StrikeResult) {
	e.appendAudit(ctx, AuditEntry{
		ID:            NewID(),
		Action:        AuditActionStrike,
		ActorID:       EngineActor,
		SubjectUserID: s.UserID,
		Reason:        string(s.Verdict),
		Details: map[string]string{
			"category":       string(s.Category),
			"category_level": strconv.Itoa(s.CategoryLevel),
			"decayed":        strconv.FormatBool(s.Decayed),
		},
		Timestamp: e.now(),
	})
	if s.Threshold.Action != ThresholdNone && s.Threshold.Err == nil {
		e.auditThreshold(ctx, s.Threshold, EngineActor)
	}
}

func (e *Engine) auditThreshold(ctx context.Context, r ThresholdResult, actor string) {
	e.appendAudit(ctx, AuditEntry{
		ID:            NewID(),
		Action:        AuditActionThreshold,
		ActorID:       actor,
		SubjectUserID: r.UserID,
		Reason:        string(r.Action),
		Details: map[string]string{
			"risk_score": strconv.FormatFloat(r.RiskScore, 'f', -1, 64),
			"risk_level": string(r.RiskLevel),
		},
		Timestamp: e.now(),
	})
}

// CurrentPhase returns the effective phase of deployment.
func (e *Engine) CurrentPhase(ctx context.Context, deployment string) int {
	return e.Config(ctx, deployment).CurrentPhase()
}

// ValidatePhaseTransition checks a phase change without applying it.
func (e *Engine) ValidatePhaseTransition(current, target int) error {
	return ValidateTransition(current, target)
}

// WouldEnforce previews what the gate would do with action a.
func (e *Engine) WouldEnforce(ctx context.Context, deployment string, a Action) WouldEnforceResult {
	return e.Config(ctx, deployment).WouldEnforce(a, e.Authority(ctx))
}

// AdvancePhase moves deployment to target after validating the transition
// against the effective phase. Rejected transitions change nothing.
func (e *Engine) AdvancePhase(ctx context.Context, deployment string, target int, actor string) (RolloutConfig, error) {
	deployment = e.resolve(deployment)
	if ReservedDeployment(deployment) {
		return RolloutConfig{}, fmt.Errorf("%w: %q", ErrReservedDeployment, deployment)
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	o, err := e.settings.Overrides(ctx, deployment)
	if err != nil {
		return RolloutConfig{}, err
	}
	now := e.now()
	current := GetConfig(o, now).CurrentPhase()

	next, err := ApplyTransition(o, target, actor, now)
	if err != nil {
		metrics.PhaseTransitionsTotal.WithLabelValues(string(CodeOf(err))).Inc()
		log.Info().
			Err(err).
			Str("deployment", deployment).
			Int("current", current).
			Int("target", target).
			Str("actor", actor).
			Msg("rollout: phase transition rejected")
		return RolloutConfig{}, err
	}
	if err := e.settings.Save(ctx, deployment, next); err != nil {
		return RolloutConfig{}, err
	}
	metrics.PhaseTransitionsTotal.WithLabelValues("ok").Inc()

	e.appendAudit(ctx, AuditEntry{
		ID:      NewID(),
		Action:  AuditActionPhaseTransition,
		ActorID: actor,
		Details: map[string]string{
			"deployment": deployment,
			"from":       strconv.Itoa(current),
			"to":         strconv.Itoa(target),
		},
		Timestamp: now,
	})
	log.Info().
		Str("deployment", deployment).
		Int("from", current).
		Int("to", target).
		Str("actor", actor).
		Msg("rollout: phase changed")

	cfg := GetConfig(&next, now)
	metrics.EffectivePhase.WithLabelValues(deployment).Set(float64(cfg.CurrentPhase()))
	return cfg, nil
}

// SetMode switches deployment between SHADOW and LIVE.
func (e *Engine) SetMode(ctx context.Context, deployment string, mode Mode, actor string) (RolloutConfig, error) {
	if !mode.Valid() {
		return RolloutConfig{}, fmt.Errorf("unknown mode %q", mode)
	}
	deployment = e.resolve(deployment)
	if ReservedDeployment(deployment) {
		return RolloutConfig{}, fmt.Errorf("%w: %q", ErrReservedDeployment, deployment)
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	o, err := e.settings.Overrides(ctx, deployment)
	if err != nil {
		return RolloutConfig{}, err
	}
	now := e.now()
	prev := GetConfig(o, now).Mode
	next := WithMode(o, mode)
	if err := e.settings.Save(ctx, deployment, next); err != nil {
		return RolloutConfig{}, err
	}

	e.appendAudit(ctx, AuditEntry{
		ID:      NewID(),
		Action:  AuditActionModeChange,
		ActorID: actor,
		Details: map[string]string{
			"deployment": deployment,
			"from":       string(prev),
			"to":         string(mode),
		},
		Timestamp: now,
	})
	log.Info().
		Str("deployment", deployment).
		Str("from", string(prev)).
		Str("to", string(mode)).
		Str("actor", actor).
		Msg("rollout: mode changed")
	return GetConfig(&next, now), nil
}

// Forecast projects one more violation for userID without writing anything.
// Unknown users are projected from zeroed counters.
func (e *Engine) Forecast(ctx context.Context, userID string, cat Category, violationType string) (Projection, error) {
	c, err := e.store.GetCounters(ctx, userID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		c = &UserCounters{UserID: userID, RiskLevel: RiskLow}
	case err != nil:
		return Projection{}, fmt.Errorf("failed to load counters for %s: %w", userID, err)
	}
	p := Simulate(*c, cat, violationType, e.now())
	metrics.SimulationVerdictsTotal.WithLabelValues(string(p.Verdict)).Inc()
	return p, nil
}

// ApplyThreshold runs the threshold enforcer for userID on behalf of actor.
func (e *Engine) ApplyThreshold(ctx context.Context, userID, actor string) ThresholdResult {
	r := e.thresholds.ApplyThreshold(ctx, userID)
	if r.Action != ThresholdNone && r.Err == nil {
		e.auditThreshold(ctx, r, actor)
	}
	return r
}

// Counters returns the persisted counters for userID.
func (e *Engine) Counters(ctx context.Context, userID string) (*UserCounters, error) {
	return e.store.GetCounters(ctx, userID)
}

// ListAudit returns the newest audit entries, optionally for one user.
func (e *Engine) ListAudit(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if userID != "" {
		return e.store.ListAuditForUser(ctx, userID, limit)
	}
	return e.store.ListAudit(ctx, limit)
}

// appendAudit never fails the caller; a lost audit entry is logged and counted.
func (e *Engine) appendAudit(ctx context.Context, entry AuditEntry) {
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		metrics.EnforcementErrorsTotal.WithLabelValues("audit").Inc()
		log.Error().
			Err(err).
			Str("audit_id", entry.ID).
			Str("audit_action", string(entry.Action)).
			Msg("moderation: failed to write audit entry")
	}
}
