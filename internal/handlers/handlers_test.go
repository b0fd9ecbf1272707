package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tangled.org/arabica.social/modgate/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandleDecision_Unauthenticated(t *testing.T) {
	tc := NewTestContext(t)

	req := NewRequest(http.MethodPost, "/v1/decisions", "", map[string]string{"userId": "u1"})
	rec := httptest.NewRecorder()
	tc.Handler.HandleDecision(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authentication required")
}

func TestHandleDecision_WrongPermission(t *testing.T) {
	tc := NewTestContext(t)

	req := NewRequest(http.MethodPost, "/v1/decisions", ViewerToken, map[string]string{"userId": "u1"})
	rec := httptest.NewRecorder()
	tc.Handler.HandleDecision(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleDecision_ShadowHidesRolloutState(t *testing.T) {
	tc := NewTestContext(t)

	req := NewRequest(http.MethodPost, "/v1/decisions", DetectorToken, map[string]any{
		"userId":         "u1",
		"proposedAction": "VISIBILITY_DAMPEN",
		"category":       "comment",
	})
	rec := httptest.NewRecorder()
	tc.Handler.HandleDecision(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "shadowMode")
	assert.NotContains(t, body, "SHADOW_MODE")

	resp := decode[decisionResponse](t, rec)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, moderation.ActionNote, resp.Action)
	assert.Equal(t, moderation.ActionNote.Explanation(), resp.Explanation)

	entries, err := tc.Engine.ListAudit(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, resp.ID, entries[0].ID)
	assert.Equal(t, moderation.ReasonShadowMode, entries[0].Event.Enforcement.Reason)
	assert.Equal(t, moderation.ActionDampen, entries[0].Event.Enforcement.OriginalAction)
}

func TestHandleDecision_Explain(t *testing.T) {
	tc := NewTestContext(t)

	req := NewRequest(http.MethodPost, "/v1/decisions?explain=1", AdminToken, map[string]any{
		"userId":         "u1",
		"proposedAction": "DAMPEN",
	})
	rec := httptest.NewRecorder()
	tc.Handler.HandleDecision(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[moderation.Decision](t, rec)
	assert.True(t, d.Event.ShadowMode)
	assert.Equal(t, moderation.ReasonShadowMode, d.Event.Enforcement.Reason)
	assert.NotNil(t, d.Projection)
}

func TestHandleDecision_MalformedBodyDegrades(t *testing.T) {
	tc := NewTestContext(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+DetectorToken)
	rec := httptest.NewRecorder()
	tc.Handler.HandleDecision(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[decisionResponse](t, rec)
	assert.Equal(t, moderation.ActionNote, resp.Action, "shadow mode forces NOTE even for the empty contract")
	assert.NotEmpty(t, resp.ID)
}

func TestHandleDecision_LiveDampen(t *testing.T) {
	tc := NewTestContext(t)
	ctx := context.Background()
	_, err := tc.Engine.AdvancePhase(ctx, "", 2, "alice")
	require.NoError(t, err)
	_, err = tc.Engine.SetMode(ctx, "", moderation.ModeLive, "alice")
	require.NoError(t, err)

	req := NewRequest(http.MethodPost, "/v1/decisions", DetectorToken, map[string]any{
		"userId":          "u1",
		"proposedAction":  "DAMPEN",
		"durationMinutes": 30,
	})
	rec := httptest.NewRecorder()
	tc.Handler.HandleDecision(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[decisionResponse](t, rec)
	assert.Equal(t, moderation.ActionDampen, resp.Action)
	assert.Equal(t, 30, resp.DurationMinutes)

	c, err := tc.Store.GetCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.PostStrikes)
}

func TestHandleRollout(t *testing.T) {
	tc := NewTestContext(t)

	rec := httptest.NewRecorder()
	tc.Handler.HandleRollout(rec, NewRequest(http.MethodGet, "/admin/rollout", ViewerToken, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[rolloutResponse](t, rec)
	assert.Equal(t, moderation.ModeShadow, resp.Config.Mode)
	assert.Equal(t, 1, resp.CurrentPhase)
	assert.Equal(t, moderation.SystemCurrent, resp.Primary)
	assert.Equal(t, moderation.LegacyPassive, resp.LegacyMode)
}

func TestHandleValidatePhase(t *testing.T) {
	tc := NewTestContext(t)

	tests := []struct {
		name  string
		body  map[string]int
		valid bool
		code  moderation.ErrorCode
	}{
		{"next phase from effective", map[string]int{"target": 2}, true, ""},
		{"skip", map[string]int{"current": 0, "target": 2}, false, moderation.CodePhaseSkip},
		{"out of range", map[string]int{"current": 2, "target": 3}, false, moderation.CodeInvalidPhaseRange},
		{"step back", map[string]int{"current": 2, "target": 1}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.Handler.HandleValidatePhase(rec, NewRequest(http.MethodPost, "/admin/rollout/validate", ViewerToken, tt.body))

			require.Equal(t, http.StatusOK, rec.Code)
			resp := decode[validateResponse](t, rec)
			assert.Equal(t, tt.valid, resp.Valid)
			assert.Equal(t, tt.code, resp.Code)
		})
	}

	t.Run("missing target", func(t *testing.T) {
		rec := httptest.NewRecorder()
		tc.Handler.HandleValidatePhase(rec, NewRequest(http.MethodPost, "/admin/rollout/validate", ViewerToken, map[string]int{}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleAdvancePhase(t *testing.T) {
	tc := NewTestContext(t)

	t.Run("viewer is denied", func(t *testing.T) {
		rec := httptest.NewRecorder()
		tc.Handler.HandleAdvancePhase(rec, NewRequest(http.MethodPost, "/admin/rollout/phase", ViewerToken, map[string]int{"target": 2}))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("skip is rejected with code", func(t *testing.T) {
		rec := httptest.NewRecorder()
		tc.Handler.HandleAdvancePhase(rec, NewRequest(http.MethodPost, "/admin/rollout/phase", AdminToken, map[string]int{"target": 3}))
		assert.Equal(t, http.StatusConflict, rec.Code)
		resp := decode[errorResponse](t, rec)
		assert.Equal(t, moderation.CodePhaseSkip, resp.Code)
		assert.Equal(t, 1, tc.Engine.CurrentPhase(context.Background(), ""))
	})

	t.Run("advance", func(t *testing.T) {
		rec := httptest.NewRecorder()
		tc.Handler.HandleAdvancePhase(rec, NewRequest(http.MethodPost, "/admin/rollout/phase", AdminToken, map[string]int{"target": 2}))
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[rolloutResponse](t, rec)
		assert.Equal(t, 2, resp.CurrentPhase)
		assert.True(t, resp.Config.EnabledActions[moderation.ActionDampen])

		entries, err := tc.Engine.ListAudit(context.Background(), "", 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, moderation.AuditActionPhaseTransition, entries[0].Action)
		assert.Equal(t, "alice", entries[0].ActorID)
	})
}

func TestHandleSetMode(t *testing.T) {
	tc := NewTestContext(t)

	rec := httptest.NewRecorder()
	tc.Handler.HandleSetMode(rec, NewRequest(http.MethodPost, "/admin/rollout/mode", AdminToken, map[string]string{"mode": "chaos"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	tc.Handler.HandleSetMode(rec, NewRequest(http.MethodPost, "/admin/rollout/mode", AdminToken, map[string]string{"mode": "live"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, moderation.ModeLive, decode[rolloutResponse](t, rec).Config.Mode)
}

func TestHandleSetMode_PerDeployment(t *testing.T) {
	tc := NewTestContext(t)

	req := NewRequest(http.MethodPost, "/admin/rollout/mode?deployment=eu", AdminToken, map[string]string{"mode": "LIVE"})
	rec := httptest.NewRecorder()
	tc.Handler.HandleSetMode(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	assert.Equal(t, moderation.ModeLive, tc.Engine.Config(ctx, "eu").Mode)
	assert.Equal(t, moderation.ModeShadow, tc.Engine.Config(ctx, "").Mode)
}

func TestHandleSetMode_ReservedDeployment(t *testing.T) {
	tc := NewTestContext(t)

	req := NewRequest(http.MethodPost, "/admin/rollout/mode?deployment=_authority", AdminToken, map[string]string{"mode": "LIVE"})
	rec := httptest.NewRecorder()
	tc.Handler.HandleSetMode(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = NewRequest(http.MethodPost, "/admin/rollout/phase?deployment=_authority", AdminToken, map[string]int{"target": 2})
	rec = httptest.NewRecorder()
	tc.Handler.HandleAdvancePhase(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.True(t, tc.Engine.Authority(context.Background()).IsCurrentPrimary())
}

func TestHandleWouldEnforce(t *testing.T) {
	tc := NewTestContext(t)

	rec := httptest.NewRecorder()
	tc.Handler.HandleWouldEnforce(rec, NewRequest(http.MethodGet, "/admin/rollout/would-enforce?action=dampen", ViewerToken, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[moderation.WouldEnforceResult](t, rec)
	assert.Equal(t, moderation.ActionDampen, res.Action)
	assert.False(t, res.Now.Enforced)
	assert.True(t, res.IfEnabled.Enforced)

	rec = httptest.NewRecorder()
	tc.Handler.HandleWouldEnforce(rec, NewRequest(http.MethodGet, "/admin/rollout/would-enforce?action=TEMP_MUTE", ViewerToken, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSetAuthority(t *testing.T) {
	tc := NewTestContext(t)

	rec := httptest.NewRecorder()
	tc.Handler.HandleSetAuthority(rec, NewRequest(http.MethodPost, "/admin/authority", AdminToken, map[string]string{"primary": "SIMULATION"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	tc.Handler.HandleSetAuthority(rec, NewRequest(http.MethodPost, "/admin/authority", AdminToken, map[string]string{"primary": "legacy"}))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[authorityResponse](t, rec)
	assert.Equal(t, moderation.SystemLegacy, resp.Primary)
	assert.Equal(t, moderation.LegacyActive, resp.LegacyMode)
	assert.False(t, tc.Engine.Authority(context.Background()).IsCurrentPrimary())
}

func TestHandleForecast(t *testing.T) {
	tc := NewTestContext(t)

	req := NewRequest(http.MethodGet, "/admin/users/u1/forecast?category=dm&violationType=DAMPEN", ViewerToken, nil)
	req.SetPathValue("id", "u1")
	rec := httptest.NewRecorder()
	tc.Handler.HandleForecast(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[moderation.Projection](t, rec)
	assert.Equal(t, moderation.CategoryDM, p.Category)
	assert.Equal(t, 1, p.After.DMStrikes)
	assert.Equal(t, "DAMPEN", p.ViolationType)

	_, err := tc.Store.GetCounters(context.Background(), "u1")
	assert.ErrorIs(t, err, moderation.ErrUserNotFound, "forecasts never write")
}

func TestHandleApplyThreshold(t *testing.T) {
	tc := NewTestContext(t)
	ctx := context.Background()

	t.Run("unknown user is a no-op", func(t *testing.T) {
		req := NewRequest(http.MethodPost, "/admin/users/ghost/threshold", AdminToken, nil)
		req.SetPathValue("id", "ghost")
		rec := httptest.NewRecorder()
		tc.Handler.HandleApplyThreshold(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, moderation.ThresholdNone, decode[thresholdResponse](t, rec).Action)
	})

	t.Run("restrict", func(t *testing.T) {
		require.NoError(t, tc.Store.CreateCounters(ctx, "u1"))
		_, err := tc.Store.UpdateCounters(ctx, "u1", func(c *moderation.UserCounters) error {
			c.RiskScore = 12
			return nil
		})
		require.NoError(t, err)

		req := NewRequest(http.MethodPost, "/admin/users/u1/threshold", AdminToken, nil)
		req.SetPathValue("id", "u1")
		rec := httptest.NewRecorder()
		tc.Handler.HandleApplyThreshold(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[thresholdResponse](t, rec)
		assert.Equal(t, moderation.ThresholdRestrict, resp.Action)
		assert.NotNil(t, resp.ProbationUntil)
	})
}

func TestHandleCounters(t *testing.T) {
	tc := NewTestContext(t)

	req := NewRequest(http.MethodGet, "/admin/users/ghost/counters", ViewerToken, nil)
	req.SetPathValue("id", "ghost")
	rec := httptest.NewRecorder()
	tc.Handler.HandleCounters(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, moderation.CodeUserNotFound, decode[errorResponse](t, rec).Code)
}

func TestHandleAuditLog(t *testing.T) {
	tc := NewTestContext(t)
	ctx := context.Background()
	tc.Engine.Process(ctx, "", &moderation.RawDecision{UserID: "u1", ProposedAction: "NOTE"})
	tc.Engine.Process(ctx, "", &moderation.RawDecision{UserID: "u2", ProposedAction: "NOTE"})

	rec := httptest.NewRecorder()
	tc.Handler.HandleAuditLog(rec, NewRequest(http.MethodGet, "/admin/audit?user=u2", ViewerToken, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]moderation.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "u2", entries[0].SubjectUserID)

	rec = httptest.NewRecorder()
	tc.Handler.HandleAuditLog(rec, NewRequest(http.MethodGet, "/admin/audit?limit=-1", ViewerToken, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	tc.Handler.HandleAuditLog(rec, NewRequest(http.MethodGet, "/admin/audit", DetectorToken, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleLegacyMute(t *testing.T) {
	tc := NewTestContext(t)
	ctx := context.Background()

	t.Run("passive legacy is skipped", func(t *testing.T) {
		req := NewRequest(http.MethodPost, "/legacy/users/u1/mute", LegacyToken, map[string]any{"reason": "spam", "durationMinutes": 60})
		req.SetPathValue("id", "u1")
		rec := httptest.NewRecorder()
		tc.Handler.HandleLegacyMute(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)
		resp := decode[legacyPenaltyResponse](t, rec)
		assert.True(t, resp.Skipped)
		require.NotNil(t, resp.Entry)
		require.NotNil(t, resp.Entry.Skip)
		assert.Equal(t, moderation.SkippedBecauseLegacyPassive, resp.Entry.Skip.SkippedBecause)

		_, err := tc.Store.GetCounters(ctx, "u1")
		assert.ErrorIs(t, err, moderation.ErrUserNotFound)
	})

	t.Run("active legacy applies", func(t *testing.T) {
		_, err := tc.Engine.SetAuthority(ctx, moderation.SystemLegacy, "alice")
		require.NoError(t, err)

		req := NewRequest(http.MethodPost, "/legacy/users/u1/mute", LegacyToken, map[string]any{"reason": "spam"})
		req.SetPathValue("id", "u1")
		rec := httptest.NewRecorder()
		tc.Handler.HandleLegacyMute(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[legacyPenaltyResponse](t, rec).Enforced)

		c, err := tc.Store.GetCounters(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, c.Muted)
		require.NotNil(t, c.MuteExpires, "default duration applies")
	})

	t.Run("negative duration", func(t *testing.T) {
		req := NewRequest(http.MethodPost, "/legacy/users/u1/restrict", LegacyToken, map[string]any{"durationMinutes": -5})
		req.SetPathValue("id", "u1")
		rec := httptest.NewRecorder()
		tc.Handler.HandleLegacyRestrict(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duration that would overflow", func(t *testing.T) {
		req := NewRequest(http.MethodPost, "/legacy/users/u9/mute", LegacyToken, map[string]any{"durationMinutes": 200000000000})
		req.SetPathValue("id", "u9")
		rec := httptest.NewRecorder()
		tc.Handler.HandleLegacyMute(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		_, err := tc.Store.GetCounters(ctx, "u9")
		assert.ErrorIs(t, err, moderation.ErrUserNotFound, "user must not be muted indefinitely")
	})

	t.Run("largest accepted duration", func(t *testing.T) {
		req := NewRequest(http.MethodPost, "/legacy/users/u8/restrict", LegacyToken, map[string]any{"durationMinutes": 525600})
		req.SetPathValue("id", "u8")
		rec := httptest.NewRecorder()
		tc.Handler.HandleLegacyRestrict(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		c, err := tc.Store.GetCounters(ctx, "u8")
		require.NoError(t, err)
		require.NotNil(t, c.ProbationUntil)
		assert.WithinDuration(t, time.Now().Add(moderation.MaxLegacyDuration), *c.ProbationUntil, time.Minute)
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer ", ""},
		{"Basic abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(req), tt.header)
	}
}
