package moderation_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/database/memstore"
	"tangled.org/arabica.social/modgate/internal/moderation"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, store moderation.CounterStore, userID string, fn func(c *moderation.UserCounters)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateCounters(ctx, userID))
	_, err := store.UpdateCounters(ctx, userID, func(c *moderation.UserCounters) error {
		fn(c)
		return nil
	})
	require.NoError(t, err)
}

func TestApplyThreshold_Boundaries(t *testing.T) {
	ctx := context.Background()

	t.Run("9 heals a stale level", func(t *testing.T) {
		store := memstore.New()
		seedUser(t, store, "u1", func(c *moderation.UserCounters) {
			c.RiskScore = 9
			c.RiskLevel = moderation.RiskModerate
		})
		enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

		res := enf.ApplyThreshold(ctx, "u1")
		assert.Equal(t, moderation.ThresholdNone, res.Action)
		assert.Equal(t, moderation.RiskLow, res.RiskLevel)
		assert.NoError(t, res.Err)

		c, err := store.GetCounters(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, moderation.RiskLow, c.RiskLevel)
	})

	t.Run("9 already low writes nothing", func(t *testing.T) {
		store := memstore.New()
		seedUser(t, store, "u1", func(c *moderation.UserCounters) { c.RiskScore = 9 })
		before, _ := store.GetCounters(ctx, "u1")
		enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

		res := enf.ApplyThreshold(ctx, "u1")
		assert.Equal(t, moderation.ThresholdNone, res.Action)

		after, _ := store.GetCounters(ctx, "u1")
		assert.Equal(t, before.Version, after.Version)
	})

	t.Run("10 restricts for 24h", func(t *testing.T) {
		store := memstore.New()
		seedUser(t, store, "u1", func(c *moderation.UserCounters) { c.RiskScore = 10 })
		enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

		res := enf.ApplyThreshold(ctx, "u1")
		assert.Equal(t, moderation.ThresholdRestrict, res.Action)
		assert.Equal(t, moderation.RiskModerate, res.RiskLevel)
		require.NotNil(t, res.ProbationUntil)
		assert.WithinDuration(t, time.Now().Add(24*time.Hour), *res.ProbationUntil, 5*time.Second)

		c, _ := store.GetCounters(ctx, "u1")
		assert.False(t, c.Muted)
	})

	t.Run("20 suspends indefinitely", func(t *testing.T) {
		store := memstore.New()
		seedUser(t, store, "u1", func(c *moderation.UserCounters) { c.RiskScore = 20 })
		enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

		res := enf.ApplyThreshold(ctx, "u1")
		assert.Equal(t, moderation.ThresholdSuspend, res.Action)
		assert.Equal(t, moderation.RiskHigh, res.RiskLevel)

		c, _ := store.GetCounters(ctx, "u1")
		assert.True(t, c.Muted)
		assert.Nil(t, c.MuteExpires)
		assert.Contains(t, c.MuteReason, "risk threshold breached")
	})

	t.Run("repeat suspend does not rewrite", func(t *testing.T) {
		store := memstore.New()
		seedUser(t, store, "u1", func(c *moderation.UserCounters) { c.RiskScore = 25 })
		enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

		enf.ApplyThreshold(ctx, "u1")
		first, _ := store.GetCounters(ctx, "u1")
		res := enf.ApplyThreshold(ctx, "u1")
		second, _ := store.GetCounters(ctx, "u1")

		assert.Equal(t, moderation.ThresholdSuspend, res.Action)
		assert.Equal(t, first.Version, second.Version)
	})
}

func TestApplyThreshold_UnknownUser(t *testing.T) {
	enf := moderation.NewThresholdEnforcer(memstore.New(), moderation.DefaultThresholds())
	res := enf.ApplyThreshold(context.Background(), "ghost")
	assert.Equal(t, moderation.ThresholdNone, res.Action)
	assert.NoError(t, res.Err)
}

func TestApplyThreshold_LoadFailureIsSwallowed(t *testing.T) {
	store := &database.MockStore{
		GetCountersFunc: func(ctx context.Context, userID string) (*moderation.UserCounters, error) {
			return nil, errors.New("connection reset")
		},
	}
	enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

	res := enf.ApplyThreshold(context.Background(), "u1")
	assert.Equal(t, moderation.ThresholdNone, res.Action)
	assert.NoError(t, res.Err)
}

func TestApplyThreshold_WriteFailureIsReportedNotRetried(t *testing.T) {
	var updates atomic.Int32
	store := &database.MockStore{
		GetCountersFunc: func(ctx context.Context, userID string) (*moderation.UserCounters, error) {
			return &moderation.UserCounters{UserID: userID, RiskScore: 15, RiskLevel: moderation.RiskLow}, nil
		},
		UpdateCountersFunc: func(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
			updates.Add(1)
			c := &moderation.UserCounters{UserID: userID, RiskScore: 15}
			if err := fn(c); err != nil {
				return nil, err
			}
			return nil, errors.New("disk full")
		},
	}
	enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

	res := enf.ApplyThreshold(context.Background(), "u1")
	assert.Equal(t, moderation.ThresholdRestrict, res.Action)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "disk full")
	assert.Equal(t, int32(1), updates.Load())
}

func TestRecordStrike(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

	res := enf.RecordStrike(ctx, "u1", moderation.CategoryPost, 3)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.CategoryLevel)
	assert.Equal(t, moderation.EscalationNone, res.Verdict)
	assert.Equal(t, moderation.ThresholdNone, res.Threshold.Action)

	res = enf.RecordStrike(ctx, "u1", moderation.CategoryPost, 3)
	assert.Equal(t, moderation.EscalationWould48HourRestriction, res.Verdict)

	res = enf.RecordStrike(ctx, "u1", moderation.CategoryComment, 3)
	assert.Equal(t, moderation.EscalationNone, res.Verdict)
	assert.Equal(t, moderation.ThresholdNone, res.Threshold.Action)

	c, err := store.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.PostStrikes)
	assert.Equal(t, 1, c.CommentStrikes)
	assert.Equal(t, 3, c.GlobalStrikes)
	assert.Equal(t, float64(9), c.RiskScore)
	require.NotNil(t, c.LastViolationAt)

	res = enf.RecordStrike(ctx, "u1", moderation.CategoryDM, 3)
	assert.Equal(t, moderation.EscalationWouldPermanentBan, res.Verdict)
	assert.Equal(t, moderation.ThresholdRestrict, res.Threshold.Action)
}

func TestRecordStrike_WriteFailure(t *testing.T) {
	store := &database.MockStore{
		UpdateCountersFunc: func(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
			return nil, errors.New("read-only filesystem")
		},
	}
	enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

	res := enf.RecordStrike(context.Background(), "u1", moderation.CategoryPost, 3)
	require.Error(t, res.Err)
	assert.Nil(t, res.Counters)
}

func TestAddRisk_ConcurrentViolationsAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.CreateCounters(ctx, "u1"))
	enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

	var wg conc.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Go(func() { enf.AddRisk(ctx, "u1", 9) })
	}
	wg.Wait()

	c, err := store.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(18), c.RiskScore)
	assert.Equal(t, moderation.RiskModerate, c.RiskLevel, "aggregate 18 must restrict")
	assert.NotNil(t, c.ProbationUntil)
}

// racyStore splits every update into a separate read and write with a gap
// in between, so only the enforcer's own per-user lock prevents lost updates.
type racyStore struct {
	*memstore.Store
}

func (s *racyStore) UpdateCounters(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
	current, err := s.Store.GetCounters(ctx, userID)
	if err != nil {
		return nil, err
	}
	next := *current
	if err := fn(&next); err != nil {
		if errors.Is(err, moderation.ErrSkipWrite) {
			return current, nil
		}
		return nil, err
	}
	time.Sleep(time.Millisecond)
	return s.Store.UpdateCounters(ctx, userID, func(c *moderation.UserCounters) error {
		*c = next
		return nil
	})
}

func TestRecordStrike_SerializesPerUser(t *testing.T) {
	ctx := context.Background()
	store := &racyStore{Store: memstore.New()}
	enf := moderation.NewThresholdEnforcer(store, moderation.DefaultThresholds())

	const n = 25
	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		wg.Go(func() {
			res := enf.RecordStrike(ctx, "u1", moderation.CategoryPost, 1)
			assert.NoError(t, res.Err)
		})
	}
	wg.Wait()

	c, err := store.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, n, c.PostStrikes)
	assert.Equal(t, n, c.GlobalStrikes)
	assert.Equal(t, float64(n), c.RiskScore)
	assert.True(t, c.Muted, "25 points crosses the suspend threshold")
}
