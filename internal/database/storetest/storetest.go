// Package storetest is the behaviour every database.Store backend must share.
// Each backend's tests call Run with a constructor for a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/moderation"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises newStore against the shared contract.
func Run(t *testing.T, newStore func(t *testing.T) database.Store) {
	t.Run("overrides", func(t *testing.T) { testOverrides(t, newStore(t)) })
	t.Run("counters", func(t *testing.T) { testCounters(t, newStore(t)) })
	t.Run("concurrent updates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("audit", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("stats", func(t *testing.T) { testStats(t, newStore(t)) })
}

func testOverrides(t *testing.T, s database.Store) {
	ctx := context.Background()

	o, err := s.LoadRolloutOverrides(ctx, "prod")
	require.NoError(t, err)
	assert.Nil(t, o, "missing overrides load as nil")

	entered := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next, err := moderation.ApplyTransition(nil, 1, "alice", entered)
	require.NoError(t, err)
	next = moderation.WithMode(&next, moderation.ModeLive)
	require.NoError(t, s.SaveRolloutOverrides(ctx, "prod", next))

	got, err := s.LoadRolloutOverrides(ctx, "prod")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Mode)
	assert.Equal(t, moderation.ModeLive, *got.Mode)
	assert.Equal(t, map[moderation.Action]bool{moderation.ActionNote: true, moderation.ActionDampen: false}, got.EnabledActions)
	assert.Equal(t, 1, got.Rollout.Phase)
	require.Len(t, got.Rollout.PhaseHistory, 1)
	assert.True(t, entered.Equal(got.Rollout.PhaseHistory[0].EnteredAt))
	assert.Equal(t, "alice", got.Rollout.PhaseHistory[0].By)

	other, err := s.LoadRolloutOverrides(ctx, "staging")
	require.NoError(t, err)
	assert.Nil(t, other, "deployments are independent")
}

func testCounters(t *testing.T, s database.Store) {
	ctx := context.Background()

	_, err := s.GetCounters(ctx, "u1")
	assert.ErrorIs(t, err, moderation.ErrUserNotFound)

	_, err = s.UpdateCounters(ctx, "u1", func(c *moderation.UserCounters) error { return nil })
	assert.ErrorIs(t, err, moderation.ErrUserNotFound)

	require.NoError(t, s.CreateCounters(ctx, "u1"))
	c, err := s.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, moderation.RiskLow, c.RiskLevel)
	assert.Equal(t, int64(1), c.Version)
	assert.Zero(t, c.GlobalStrikes)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	updated, err := s.UpdateCounters(ctx, "u1", func(c *moderation.UserCounters) error {
		c.PostStrikes = 2
		c.GlobalStrikes = 2
		c.RiskScore = 6.5
		c.LastViolationAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	c, err = s.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.PostStrikes)
	assert.Equal(t, 6.5, c.RiskScore)
	require.NotNil(t, c.LastViolationAt)
	assert.True(t, now.Equal(*c.LastViolationAt))

	require.NoError(t, s.CreateCounters(ctx, "u1"))
	c, err = s.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.PostStrikes, "create is a no-op for existing users")

	skipped, err := s.UpdateCounters(ctx, "u1", func(c *moderation.UserCounters) error {
		c.PostStrikes = 99
		return moderation.ErrSkipWrite
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), skipped.Version)
	assert.Equal(t, 2, skipped.PostStrikes)

	boom := errors.New("boom")
	_, err = s.UpdateCounters(ctx, "u1", func(c *moderation.UserCounters) error {
		c.PostStrikes = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)

	c, err = s.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.PostStrikes)
	assert.Equal(t, int64(2), c.Version)
}

func testConcurrentUpdates(t *testing.T, s database.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCounters(ctx, "u1"))

	const n = 20
	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		wg.Go(func() {
			_, err := s.UpdateCounters(ctx, "u1", func(c *moderation.UserCounters) error {
				c.GlobalStrikes++
				c.RiskScore += 1
				return nil
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	c, err := s.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, n, c.GlobalStrikes)
	assert.Equal(t, float64(n), c.RiskScore)
	assert.Equal(t, int64(n+1), c.Version)
}

func testAudit(t *testing.T, s database.Store) {
	ctx := context.Background()

	entries, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		e := moderation.AuditEntry{
			ID:            moderation.NewID(),
			Action:        moderation.AuditActionDecision,
			ActorID:       moderation.EngineActor,
			SubjectUserID: user,
			Reason:        string(moderation.ReasonShadowMode),
			Details:       map[string]string{"seq": fmt.Sprint(i)},
			Timestamp:     base.Add(time.Duration(i) * time.Second),
		}
		if i == 4 {
			e.Skip = &moderation.LegacySkip{
				EnforcementSkipped: true,
				WouldHaveApplied:   moderation.LegacyPenaltyMute,
				SkippedBecause:     moderation.SkippedBecauseLegacyPassive,
			}
			e.Action = moderation.SkippedAction(moderation.LegacyPenaltyMute)
		}
		require.NoError(t, s.AppendAudit(ctx, e))
		ids = append(ids, e.ID)
	}

	entries, err = s.ListAudit(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{ids[4], ids[3], ids[2]}, []string{entries[0].ID, entries[1].ID, entries[2].ID})
	require.NotNil(t, entries[0].Skip)
	assert.Equal(t, moderation.LegacyPenaltyMute, entries[0].Skip.WouldHaveApplied)
	assert.Equal(t, "3", entries[1].Details["seq"])

	all, err := s.ListAudit(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "a non-positive limit lists everything")

	u1, err := s.ListAuditForUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, u1, 3)
	assert.Equal(t, []string{ids[4], ids[2], ids[0]}, []string{u1[0].ID, u1[1].ID, u1[2].ID})

	u2, err := s.ListAuditForUser(ctx, "u2", 1)
	require.NoError(t, err)
	require.Len(t, u2, 1)
	assert.Equal(t, ids[3], u2[0].ID)

	none, err := s.ListAuditForUser(ctx, "u", 10)
	require.NoError(t, err)
	assert.Empty(t, none, "user ids are matched exactly, not by prefix")
}

func testStats(t *testing.T, s database.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCounters(ctx, "u1"))
	require.NoError(t, s.CreateCounters(ctx, "u2"))
	_, err := s.UpdateCounters(ctx, "u2", func(c *moderation.UserCounters) error {
		c.Muted = true
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.AppendAudit(ctx, moderation.AuditEntry{
		ID:        moderation.NewID(),
		Action:    moderation.AuditActionModeChange,
		ActorID:   "alice",
		Timestamp: time.Now(),
	}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, database.Stats{TrackedUsers: 2, MutedUsers: 1, AuditEntries: 1}, st)
}
