package moderation

import (
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var simNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(d int) *time.Time {
	t := simNow.Add(-time.Duration(d) * 24 * time.Hour)
	return &t
}

func TestSimulate_EscalationPriority(t *testing.T) {
	c := UserCounters{UserID: "u1", PostStrikes: 3, GlobalStrikes: 3, LastViolationAt: daysAgo(1)}

	p := Simulate(c, CategoryComment, "harassment", simNow)

	assert.Equal(t, 4, p.After.GlobalStrikes)
	assert.Equal(t, 1, p.After.CommentStrikes)
	assert.Equal(t, 1, p.CategoryLevel)
	assert.Equal(t, EscalationWouldPermanentBan, p.Verdict)
}

func TestSimulate_DecayReset(t *testing.T) {
	c := UserCounters{UserID: "u1", PostStrikes: 2, GlobalStrikes: 2, LastViolationAt: daysAgo(40)}

	p := Simulate(c, CategoryPost, "spam", simNow)

	assert.True(t, p.Decayed)
	assert.Equal(t, 1, p.After.PostStrikes)
	assert.Equal(t, 1, p.After.GlobalStrikes)
	assert.Equal(t, EscalationNone, p.Verdict)
	assert.Equal(t, c.LastViolationAt, p.After.LastViolationAt, "decay is measured from the persisted timestamp")
}

func TestSimulate_DecayBoundary(t *testing.T) {
	exactly := simNow.Add(-DecayWindow)
	c := UserCounters{PostStrikes: 1, GlobalStrikes: 1, LastViolationAt: &exactly}
	p := Simulate(c, CategoryPost, "", simNow)
	assert.False(t, p.Decayed, "decay needs strictly more than the window")
	assert.Equal(t, 2, p.After.PostStrikes)
}

func TestSimulate_Ladder(t *testing.T) {
	tests := []struct {
		name     string
		counters UserCounters
		cat      Category
		want     Escalation
		level    int
	}{
		{"first strike", UserCounters{}, CategoryPost, EscalationNone, 1},
		{"second strike", UserCounters{PostStrikes: 1, GlobalStrikes: 1}, CategoryPost, EscalationWould48HourRestriction, 2},
		{"third strike", UserCounters{DMStrikes: 2, GlobalStrikes: 2}, CategoryDM, EscalationWould30DayShadow, 3},
		{"global wins", UserCounters{DMStrikes: 2, GlobalStrikes: 3}, CategoryDM, EscalationWouldPermanentBan, 3},
		{"other only counts globally", UserCounters{GlobalStrikes: 1}, CategoryOther, EscalationNone, 0},
		{"other still reaches the ban", UserCounters{GlobalStrikes: 3}, CategoryOther, EscalationWouldPermanentBan, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.counters.LastViolationAt = daysAgo(2)
			p := Simulate(tt.counters, tt.cat, "", simNow)
			assert.Equal(t, tt.want, p.Verdict)
			assert.Equal(t, tt.level, p.CategoryLevel)
			assert.Equal(t, tt.counters.GlobalStrikes+1, p.After.GlobalStrikes)
		})
	}
}

func TestSimulate_NoLastViolation(t *testing.T) {
	p := Simulate(UserCounters{PostStrikes: 1, GlobalStrikes: 1}, CategoryPost, "", simNow)
	assert.False(t, p.Decayed)
	assert.Equal(t, 2, p.After.PostStrikes)
}

func TestSimulate_Purity(t *testing.T) {
	input := UserCounters{
		UserID:          "u1",
		PostStrikes:     1,
		CommentStrikes:  2,
		GlobalStrikes:   3,
		LastViolationAt: daysAgo(3),
		RiskScore:       12,
		RiskLevel:       RiskModerate,
	}
	snapshot := input
	lastViolation := *input.LastViolationAt
	first := Simulate(input, CategoryComment, "abuse", simNow)

	for i := 0; i < 1000; i++ {
		p := Simulate(input, CategoryComment, "abuse", simNow)
		require.Equal(t, first, p)
	}
	assert.Equal(t, snapshot, input)
	assert.Equal(t, lastViolation, *input.LastViolationAt)
	assert.Equal(t, snapshot, first.Before)
}

func TestSimulate_ConcurrentPurity(t *testing.T) {
	input := UserCounters{UserID: "u1", DMStrikes: 1, GlobalStrikes: 2, LastViolationAt: daysAgo(5)}
	want := Simulate(input, CategoryDM, "", simNow)

	results := make([]Projection, 1000)
	var wg conc.WaitGroup
	for i := range results {
		wg.Go(func() {
			results[i] = Simulate(input, CategoryDM, "", simNow)
		})
	}
	wg.Wait()

	for _, p := range results {
		assert.Equal(t, want, p)
	}
	assert.Equal(t, 1, input.DMStrikes)
}

func TestResolveEscalation(t *testing.T) {
	assert.Equal(t, EscalationNone, ResolveEscalation(1, 1))
	assert.Equal(t, EscalationWould48HourRestriction, ResolveEscalation(2, 2))
	assert.Equal(t, EscalationWould30DayShadow, ResolveEscalation(3, 3))
	assert.Equal(t, EscalationWould30DayShadow, ResolveEscalation(3, 5))
	assert.Equal(t, EscalationWouldPermanentBan, ResolveEscalation(4, 1))
}

func TestUserCounters_CategoryStrikes(t *testing.T) {
	c := UserCounters{PostStrikes: 1, CommentStrikes: 2, DMStrikes: 3, GlobalStrikes: 9}
	assert.Equal(t, 1, c.CategoryStrikes(CategoryPost))
	assert.Equal(t, 2, c.CategoryStrikes(CategoryComment))
	assert.Equal(t, 3, c.CategoryStrikes(CategoryDM))
	assert.Equal(t, 0, c.CategoryStrikes(CategoryOther))
}
