package moderation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestBuildContract_Defaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := BuildContract(&RawDecision{UserID: "u1"}, now)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "u1", ev.SubjectUserID)
	assert.Equal(t, SystemCurrent, ev.System)
	assert.Equal(t, ActionAllow, ev.ProposedAction)
	assert.Equal(t, CategoryPost, ev.Category)
	assert.Equal(t, "post", ev.ContentRef.Type)
	assert.Equal(t, DefaultSentiment, ev.Sentiment)
	assert.Zero(t, ev.Confidence)
	assert.False(t, ev.ShadowMode)
	assert.False(t, ev.Malformed)
	assert.Equal(t, now, ev.CreatedAt)
}

func TestBuildContract_NilIsMalformed(t *testing.T) {
	ev := BuildContract(nil, time.Now())
	assert.True(t, ev.Malformed)
	assert.Equal(t, ActionAllow, ev.ProposedAction)
	assert.Zero(t, ev.Confidence)
}

func TestBuildContract_Fields(t *testing.T) {
	ev := BuildContract(&RawDecision{
		UserID:           "u2",
		ProposedAction:   "visibility_dampen",
		Category:         "Comment",
		ContentReference: &RawContentRef{Type: "comment", ID: "c-9"},
		System:           "legacy",
		Sentiment:        "hostile",
		Confidence:       ptr(0.8),
		DurationMinutes:  ptr(60),
	}, time.Now())

	assert.False(t, ev.Malformed)
	assert.Equal(t, ActionDampen, ev.ProposedAction)
	assert.Equal(t, CategoryComment, ev.Category)
	assert.Equal(t, ContentRef{Type: "comment", ID: "c-9"}, ev.ContentRef)
	assert.Equal(t, SystemLegacy, ev.System)
	assert.Equal(t, "hostile", ev.Sentiment)
	assert.Equal(t, 0.8, ev.Confidence)
	assert.Equal(t, 60, ev.DurationMinutes)
}

func TestBuildContract_ResponseActionFallback(t *testing.T) {
	ev := BuildContract(&RawDecision{Response: &RawResponse{Action: "NOTE"}}, time.Now())
	assert.Equal(t, ActionNote, ev.ProposedAction)

	ev = BuildContract(&RawDecision{ProposedAction: "DAMPEN", Response: &RawResponse{Action: "NOTE"}}, time.Now())
	assert.Equal(t, ActionDampen, ev.ProposedAction)
}

func TestBuildContract_ReservedDowngraded(t *testing.T) {
	for _, raw := range []string{"REVIEW", "MUTE", "BLOCK", "QUEUE_FOR_REVIEW", "TEMP_MUTE", "HARD_BLOCK"} {
		ev := BuildContract(&RawDecision{ProposedAction: raw}, time.Now())
		assert.Equal(t, ActionNote, ev.ProposedAction, raw)
		assert.False(t, ev.Malformed, raw)
	}
}

func TestBuildContract_UnknownActionIsConservative(t *testing.T) {
	ev := BuildContract(&RawDecision{ProposedAction: "OBLITERATE", Confidence: ptr(0.99)}, time.Now())
	assert.True(t, ev.Malformed)
	assert.Equal(t, ActionAllow, ev.ProposedAction)
	assert.Zero(t, ev.Confidence)
}

func TestBuildContract_MissingActionKeepsConfidence(t *testing.T) {
	ev := BuildContract(&RawDecision{UserID: "u1", Confidence: ptr(0.7)}, time.Now())
	assert.False(t, ev.Malformed)
	assert.Equal(t, ActionAllow, ev.ProposedAction)
	assert.Equal(t, 0.7, ev.Confidence)

	ev = BuildContract(&RawDecision{UserID: "u1", Confidence: ptr(3.0)}, time.Now())
	assert.Equal(t, 1.0, ev.Confidence)

	ev = BuildContract(&RawDecision{UserID: "u1", Confidence: ptr(math.NaN())}, time.Now())
	assert.True(t, ev.Malformed)
	assert.Zero(t, ev.Confidence)
}

func TestBuildContract_Simulation(t *testing.T) {
	ev := BuildContract(&RawDecision{Simulation: ptr(true)}, time.Now())
	assert.Equal(t, SystemSimulation, ev.System)
	assert.Equal(t, ActionNote, ev.ProposedAction, "simulations without an action default to NOTE")

	ev = BuildContract(&RawDecision{System: "simulation", ProposedAction: "DAMPEN"}, time.Now())
	assert.Equal(t, SystemSimulation, ev.System)
	assert.Equal(t, ActionDampen, ev.ProposedAction)
}

func TestBuildContract_Categories(t *testing.T) {
	tests := map[string]Category{
		"":        CategoryPost,
		"post":    CategoryPost,
		"DM":      CategoryDM,
		"comment": CategoryComment,
		"other":   CategoryOther,
		"profile": CategoryOther,
	}
	for raw, want := range tests {
		ev := BuildContract(&RawDecision{Category: raw}, time.Now())
		assert.Equal(t, want, ev.Category, "category %q", raw)
	}
}

func TestBuildContract_ConfidenceClamped(t *testing.T) {
	tests := []struct {
		in        float64
		want      float64
		malformed bool
	}{
		{-0.5, 0, false},
		{1.7, 1, false},
		{0.25, 0.25, false},
		{math.NaN(), 0, true},
		{math.Inf(1), 0, true},
	}
	for _, tt := range tests {
		ev := BuildContract(&RawDecision{ProposedAction: "NOTE", Confidence: ptr(tt.in)}, time.Now())
		assert.Equal(t, tt.want, ev.Confidence)
		assert.Equal(t, tt.malformed, ev.Malformed)
	}
}

func TestBuildContract_NegativeDurationIgnored(t *testing.T) {
	ev := BuildContract(&RawDecision{ProposedAction: "DAMPEN", DurationMinutes: ptr(-5)}, time.Now())
	assert.Zero(t, ev.DurationMinutes)
}

func TestBuildContract_IDsAreOrdered(t *testing.T) {
	a := BuildContract(&RawDecision{}, time.Now())
	b := BuildContract(&RawDecision{}, time.Now())
	assert.Less(t, a.ID, b.ID)
}
