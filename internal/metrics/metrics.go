// Package metrics provides Prometheus instrumentation for the radar service.
// It exposes gauges for active users and connections, counters for store
// mutations and cache behaviour, and histograms for scoring and query latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of radar WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "radar_connections_total",
		Help: "Current number of active radar WebSocket connections",
	})

	// ActiveUsers tracks the number of users with a position entry.
	ActiveUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "radar_active_users",
		Help: "Current number of users with a broadcast position",
	})

	// PositionUpdates counts position writes by outcome: "applied", "stale"
	// or "rejected".
	PositionUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_position_updates_total",
		Help: "Position updates processed",
	}, []string{"outcome"})

	// ExpiredUsers counts users hidden by the auto-expiry sweep.
	ExpiredUsers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "radar_expired_users_total",
		Help: "Users marked invisible after the auto-expire window",
	})

	// AnswersSubmitted counts accepted answer submissions, labeled by whether
	// they bumped the user's answer version.
	AnswersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_answers_submitted_total",
		Help: "Answer submissions accepted",
	}, []string{"version_bump"})

	// CompatCache counts compatibility cache lookups by result: "hit",
	// "miss" or "shared" (joined an in-flight computation).
	CompatCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_compat_cache_total",
		Help: "Compatibility cache lookups",
	}, []string{"result"})

	// ScoreDuration records the time to compute one compatibility result.
	ScoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "radar_score_duration_seconds",
		Help:    "Compatibility scoring latency in seconds",
		Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05},
	})

	// FindMatchesDuration records end-to-end radar query latency.
	FindMatchesDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "radar_find_matches_duration_seconds",
		Help:    "Radar query latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// CandidatesReturned records the number of candidates per radar query.
	CandidatesReturned = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "radar_candidates_returned",
		Help:    "Candidates returned per radar query",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})

	// ContentBlocked counts screened text rejected, by field ("answer" or
	// "handle") and reason.
	ContentBlocked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_content_blocked_total",
		Help: "Shared answers and handles rejected by content screening",
	}, []string{"field", "reason"})

	// BestMatchesSelected counts daily best match records created.
	BestMatchesSelected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "radar_best_matches_selected_total",
		Help: "Daily best match records created",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveUsers,
		PositionUpdates,
		ExpiredUsers,
		AnswersSubmitted,
		CompatCache,
		ScoreDuration,
		FindMatchesDuration,
		CandidatesReturned,
		ContentBlocked,
		BestMatchesSelected,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
