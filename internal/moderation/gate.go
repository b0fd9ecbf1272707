package moderation

// Decide is the enforcement gate. It is pure and total: given an event, a
// rollout snapshot and the authority, it returns a new event carrying the
// final action and verdict. Checks run in a fixed order and the first match
// wins:
//
//  1. simulation events stay in shadow with their proposed action; in
//     SHADOW mode their duration is zeroed like every other event
//  2. events from a non-primary generation are forced to NOTE, and still
//     marked shadow in SHADOW mode
//  3. SHADOW mode forces NOTE, zero duration, shadow
//  4. in LIVE mode, actions that are not enabled are forced to NOTE
//  5. everything else passes through
//
// Enforcement.OriginalAction always holds what the detector proposed.
func Decide(ev ModerationEvent, cfg RolloutConfig, auth Authority) ModerationEvent {
	if ev.System == SystemSimulation {
		if !ev.ProposedAction.Valid() {
			ev.ProposedAction = ActionNote
		}
		ev.ShadowMode = true
		if cfg.Mode != ModeLive {
			ev.DurationMinutes = 0
		}
		ev.Enforcement = verdict(false, ReasonSimulation, ev.ProposedAction, ev.ProposedAction)
		return ev
	}

	if !ev.ProposedAction.Valid() {
		ev.ProposedAction = ActionAllow
	}
	if ev.System == "" {
		ev.System = SystemCurrent
	}
	original := ev.ProposedAction

	if out, ok := auth.Arbitrate(ev); !ok {
		if cfg.Mode != ModeLive {
			out.ShadowMode = true
		}
		return out
	}

	if cfg.Mode != ModeLive {
		ev.ShadowMode = true
		ev.DurationMinutes = 0
		ev.Enforcement = verdict(false, ReasonShadowMode, original, ActionNote)
		return ev
	}

	if !cfg.IsEnabled(original) {
		ev.Enforcement = verdict(false, ReasonActionNotEnabled, original, ActionNote)
		return ev
	}

	ev.ShadowMode = false
	ev.Enforcement = verdict(true, ReasonActionEnabled, original, original)
	return ev
}

func verdict(enforced bool, reason Reason, original, final Action) Enforcement {
	return Enforcement{
		Enforced:       enforced,
		Reason:         reason,
		OriginalAction: original,
		FinalAction:    final,
		Explanation:    final.Explanation(),
	}
}
