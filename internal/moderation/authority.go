package moderation

// LegacyMode is whether the legacy generation may mutate user state.
type LegacyMode string

const (
	LegacyPassive LegacyMode = "PASSIVE"
	LegacyActive  LegacyMode = "ACTIVE"
)

// Authority says which generation may apply real penalties. It is built
// from the primary system alone, so the legacy mode can never disagree with
// it and at most one generation is authoritative. The zero value makes the
// current generation primary.
type Authority struct {
	primary System
}

// NewAuthority returns the authority with primary as the sole enforcer.
// Anything other than LEGACY selects the current generation.
func NewAuthority(primary System) Authority {
	if primary == SystemLegacy {
		return Authority{primary: SystemLegacy}
	}
	return Authority{primary: SystemCurrent}
}

// Primary returns the authoritative generation.
func (a Authority) Primary() System {
	if a.primary == SystemLegacy {
		return SystemLegacy
	}
	return SystemCurrent
}

// IsCurrentPrimary reports whether the current generation holds sole authority.
func (a Authority) IsCurrentPrimary() bool {
	return a.Primary() == SystemCurrent
}

// LegacyMode is ACTIVE only while the legacy generation is primary.
func (a Authority) LegacyMode() LegacyMode {
	if a.Primary() == SystemLegacy {
		return LegacyActive
	}
	return LegacyPassive
}

// Permits reports whether an event from origin may apply a live penalty.
// An empty origin is treated as the current generation.
func (a Authority) Permits(origin System) bool {
	if origin == "" {
		origin = SystemCurrent
	}
	return origin == a.Primary()
}

// Arbitrate forces an event from a non-primary generation down to a
// zero-duration NOTE. ok is false when the event was overridden.
func (a Authority) Arbitrate(ev ModerationEvent) (out ModerationEvent, ok bool) {
	if a.Permits(ev.System) {
		return ev, true
	}
	ev.DurationMinutes = 0
	ev.Enforcement = Enforcement{
		Enforced:       false,
		Reason:         ReasonNonPrimaryAuthority,
		OriginalAction: ev.ProposedAction,
		FinalAction:    ActionNote,
		Explanation:    ActionNote.Explanation(),
	}
	return ev, false
}
