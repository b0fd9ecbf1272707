package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modgate_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Decision metrics
var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_decisions_total",
		Help: "Total number of gate decisions by reason and final action",
	}, []string{"reason", "final_action"})

	MalformedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modgate_malformed_events_total",
		Help: "Total number of detector decisions normalized from malformed input",
	})

	SimulationVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_simulation_verdicts_total",
		Help: "Total number of simulated escalation verdicts",
	}, []string{"verdict"})
)

// Enforcement metrics
var (
	StrikesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_strikes_total",
		Help: "Total number of persisted strikes by category and ladder verdict",
	}, []string{"category", "verdict"})

	ThresholdActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_threshold_actions_total",
		Help: "Total number of risk threshold checks by outcome",
	}, []string{"action"})

	EnforcementErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_enforcement_errors_total",
		Help: "Total number of failed enforcement side effects",
	}, []string{"op"})

	LegacySkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_legacy_skipped_total",
		Help: "Total number of legacy penalties suppressed while the legacy generation is passive",
	}, []string{"penalty"})
)

// Rollout metrics
var (
	ConfigFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modgate_config_fallbacks_total",
		Help: "Total number of times the settings store was unavailable and defaults were used",
	})

	PhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_phase_transitions_total",
		Help: "Total number of phase transition attempts by result",
	}, []string{"result"})

	EffectivePhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modgate_effective_phase",
		Help: "Rollout phase derived from the enabled actions",
	}, []string{"deployment"})

	LiveMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modgate_live_mode",
		Help: "Enforcement mode (1=LIVE, 0=SHADOW)",
	}, []string{"deployment"})

	CurrentPrimary = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modgate_current_primary",
		Help: "Authoritative generation (1=CURRENT, 0=LEGACY)",
	})
)

// Store gauges (updated periodically by collector)
var (
	TrackedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modgate_tracked_users",
		Help: "Number of users with persisted moderation counters",
	})

	MutedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modgate_muted_users",
		Help: "Number of users currently muted",
	})

	AuditEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modgate_audit_entries",
		Help: "Number of entries in the audit log",
	})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) < 3 {
		return path
	}

	switch segments[0] {
	case "admin":
		// /admin/users/{id}/forecast, /admin/users/{id}/threshold
		if segments[1] == "users" && len(segments) == 4 {
			return "/admin/users/:id/" + segments[3]
		}
	case "legacy":
		// /legacy/users/{id}/mute
		if segments[1] == "users" && len(segments) == 4 {
			return "/legacy/users/:id/" + segments[3]
		}
	}
	return path
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	// Skip leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	// Split on /
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
