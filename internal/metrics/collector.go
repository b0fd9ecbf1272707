package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RolloutState is a point-in-time view of one deployment's rollout.
type RolloutState struct {
	Deployment string
	Phase      int
	Live       bool
}

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Each function returns the current count; returning -1 indicates the source is unavailable.
type StatsSource struct {
	TrackedUserCount func() int
	MutedUserCount   func() int
	AuditEntryCount  func() int
	Rollout          func() RolloutState
	CurrentIsPrimary func() bool
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	setCount := func(fn func() int, set func(float64)) {
		if fn == nil {
			return
		}
		if n := fn(); n >= 0 {
			set(float64(n))
		}
	}
	setCount(src.TrackedUserCount, TrackedUsers.Set)
	setCount(src.MutedUserCount, MutedUsers.Set)
	setCount(src.AuditEntryCount, AuditEntries.Set)

	if src.Rollout != nil {
		st := src.Rollout()
		EffectivePhase.WithLabelValues(st.Deployment).Set(float64(st.Phase))
		LiveMode.WithLabelValues(st.Deployment).Set(boolGauge(st.Live))
	}
	if src.CurrentIsPrimary != nil {
		CurrentPrimary.Set(boolGauge(src.CurrentIsPrimary()))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
