package moderation

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Mode is the global enforcement mode.
type Mode string

const (
	// ModeShadow detects and logs but never applies a consequence.
	ModeShadow Mode = "SHADOW"
	ModeLive   Mode = "LIVE"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeShadow || m == ModeLive
}

// MaxPhase is the last rollout phase: 0 shadow only, 1 NOTE live, 2 NOTE+DAMPEN live.
const MaxPhase = 2

// PhaseEntry records when a phase was entered.
type PhaseEntry struct {
	Phase     int       `json:"phase"`
	EnteredAt time.Time `json:"enteredAt"`
	By        string    `json:"by,omitempty"`
}

// RolloutRecord is the persisted phase bookkeeping.
type RolloutRecord struct {
	Phase        int          `json:"phase"`
	PhaseHistory []PhaseEntry `json:"phaseHistory,omitempty"`
}

// RolloutOverrides is the single persisted override record for a deployment.
// Nil fields and absent map keys leave the defaults untouched.
type RolloutOverrides struct {
	Mode            *Mode            `json:"mode,omitempty"`
	EnabledActions  map[Action]bool  `json:"enabledActions,omitempty"`
	TaxonomyVersion *TaxonomyVersion `json:"taxonomyVersion,omitempty"`
	Rollout         RolloutRecord    `json:"rollout"`
	// Primary is only set on the AuthorityRecord.
	Primary *System `json:"primary,omitempty"`
}

// RolloutConfig is an immutable, timestamped snapshot of what the system may
// currently do. It is passed explicitly into every decision.
type RolloutConfig struct {
	Mode            Mode            `json:"mode"`
	Phase           int             `json:"phase"`
	EnabledActions  map[Action]bool `json:"enabledActions"`
	PhaseHistory    []PhaseEntry    `json:"phaseHistory,omitempty"`
	TaxonomyVersion TaxonomyVersion `json:"taxonomyVersion"`
	TakenAt         time.Time       `json:"takenAt"`
	// Fallback is true when the snapshot is the hard-coded default because
	// the settings store could not be read.
	Fallback bool `json:"fallback,omitempty"`
}

// DefaultConfig is the safest configuration: shadow mode, phase 0, NOTE only.
func DefaultConfig() RolloutConfig {
	return RolloutConfig{
		Mode:            ModeShadow,
		Phase:           0,
		EnabledActions:  map[Action]bool{ActionNote: true, ActionDampen: false},
		TaxonomyVersion: CurrentTaxonomy,
	}
}

// GetConfig merges o field by field onto the defaults. An override that only
// names DAMPEN leaves NOTE at its default. Actions the taxonomy cannot enable
// are dropped.
func GetConfig(o *RolloutOverrides, now time.Time) RolloutConfig {
	cfg := DefaultConfig()
	cfg.TakenAt = now
	if o == nil {
		return cfg
	}

	if o.TaxonomyVersion != nil && o.TaxonomyVersion.Valid() {
		cfg.TaxonomyVersion = *o.TaxonomyVersion
	}
	if o.Mode != nil && o.Mode.Valid() {
		cfg.Mode = *o.Mode
	}
	for action, enabled := range o.EnabledActions {
		if action == ActionAllow {
			continue
		}
		if !cfg.TaxonomyVersion.CanEnable(action) {
			if enabled {
				log.Warn().
					Str("action", string(action)).
					Int("taxonomy", int(cfg.TaxonomyVersion)).
					Msg("rollout: ignoring override for action that cannot be enabled")
			}
			continue
		}
		cfg.EnabledActions[action] = enabled
	}
	for action := range cfg.EnabledActions {
		if !cfg.TaxonomyVersion.CanEnable(action) {
			delete(cfg.EnabledActions, action)
		}
	}

	if o.Rollout.Phase >= 0 && o.Rollout.Phase <= MaxPhase {
		cfg.Phase = o.Rollout.Phase
	}
	if len(o.Rollout.PhaseHistory) > 0 {
		cfg.PhaseHistory = append([]PhaseEntry(nil), o.Rollout.PhaseHistory...)
	}
	return cfg
}

// IsEnabled reports whether a passes the enabled-action check. ALLOW is
// always enabled because it is not a consequence.
func (c RolloutConfig) IsEnabled(a Action) bool {
	if a == ActionAllow {
		return true
	}
	return c.EnabledActions[a] && c.TaxonomyVersion.CanEnable(a)
}

// CurrentPhase is the effective phase derived from the enabled actions.
func (c RolloutConfig) CurrentPhase() int {
	return CurrentPhase(c.EnabledActions)
}

// Enabled returns the enabled actions in severity order.
func (c RolloutConfig) Enabled() []Action {
	var out []Action
	for a, on := range c.EnabledActions {
		if on && c.IsEnabled(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Severity() < out[j].Severity() })
	return out
}

// CurrentPhase derives the effective phase from which of the gradually
// introduced actions are on, ignoring any stored phase counter.
func CurrentPhase(enabled map[Action]bool) int {
	switch {
	case enabled[ActionDampen]:
		return 2
	case enabled[ActionNote]:
		return 1
	}
	return 0
}

// PhaseActions is the bundle of actions a phase switches on. Every
// enableable action appears with an explicit value, so applying a bundle
// also switches off what the phase does not include.
func PhaseActions(phase int) map[Action]bool {
	return map[Action]bool{
		ActionNote:   phase >= 1,
		ActionDampen: phase >= 2,
	}
}

// ValidateTransition checks an administrative phase change. Forward moves
// may only advance one phase; rollbacks are always allowed. A forward jump
// of more than one phase reports PHASE_SKIP even when the target is also
// beyond MaxPhase.
func ValidateTransition(current, target int) error {
	if target > current+1 {
		return &TransitionError{Code: CodePhaseSkip, Current: current, Target: target}
	}
	if target < 0 || target > MaxPhase {
		return &TransitionError{Code: CodeInvalidPhaseRange, Current: current, Target: target}
	}
	return nil
}

// ApplyTransition validates a move to target against the effective phase of
// o and returns the updated override record. o is not modified.
func ApplyTransition(o *RolloutOverrides, target int, by string, now time.Time) (RolloutOverrides, error) {
	current := GetConfig(o, now).CurrentPhase()
	if err := ValidateTransition(current, target); err != nil {
		return RolloutOverrides{}, err
	}

	var next RolloutOverrides
	if o != nil {
		next.Mode = o.Mode
		next.TaxonomyVersion = o.TaxonomyVersion
		next.Primary = o.Primary
		next.Rollout.PhaseHistory = append([]PhaseEntry(nil), o.Rollout.PhaseHistory...)
	}
	next.EnabledActions = PhaseActions(target)
	next.Rollout.Phase = target
	next.Rollout.PhaseHistory = append(next.Rollout.PhaseHistory, PhaseEntry{
		Phase:     target,
		EnteredAt: now,
		By:        by,
	})
	return next, nil
}

// WithMode returns a copy of o with the mode set.
func WithMode(o *RolloutOverrides, mode Mode) RolloutOverrides {
	var next RolloutOverrides
	if o != nil {
		next = *o
		next.EnabledActions = make(map[Action]bool, len(o.EnabledActions))
		for a, on := range o.EnabledActions {
			next.EnabledActions[a] = on
		}
		next.Rollout.PhaseHistory = append([]PhaseEntry(nil), o.Rollout.PhaseHistory...)
	}
	next.Mode = &mode
	return next
}

// WouldEnforceResult is the admin dry-run answer for one action.
type WouldEnforceResult struct {
	Action Action `json:"action"`
	// Dispatchable is false for reserved actions, which are always downgraded.
	Dispatchable bool        `json:"dispatchable"`
	Now          Enforcement `json:"now"`
	ShadowNow    bool        `json:"shadowNow"`
	// IfEnabled is the verdict with the action switched on and the mode LIVE.
	IfEnabled Enforcement `json:"ifEnabled"`
}

// WouldEnforce previews what the gate does with a CURRENT-system event
// proposing a, both under c and with a switched on in LIVE mode.
func (c RolloutConfig) WouldEnforce(a Action, auth Authority) WouldEnforceResult {
	probe := ModerationEvent{System: SystemCurrent, ProposedAction: Dispatchable(a), Category: CategoryPost}
	now := Decide(probe, c, auth)

	live := c.clone()
	live.Mode = ModeLive
	if live.TaxonomyVersion.CanEnable(a) {
		live.EnabledActions[a] = true
	}
	ifEnabled := Decide(probe, live, auth)

	return WouldEnforceResult{
		Action:       a,
		Dispatchable: !a.Reserved() && c.TaxonomyVersion.CanEnable(a),
		Now:          now.Enforcement,
		ShadowNow:    now.ShadowMode,
		IfEnabled:    ifEnabled.Enforcement,
	}
}

func (c RolloutConfig) clone() RolloutConfig {
	out := c
	out.EnabledActions = make(map[Action]bool, len(c.EnabledActions))
	for a, on := range c.EnabledActions {
		out.EnabledActions[a] = on
	}
	out.PhaseHistory = append([]PhaseEntry(nil), c.PhaseHistory...)
	return out
}
