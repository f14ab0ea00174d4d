package sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Action labels for the per-match counter.
const (
	actionCreated  = "created"
	actionExisting = "existing"
	actionStale    = "stale"
	actionFailed   = "failed"
)

// Status labels for the per-run counter.
const (
	statusOK               = "ok"
	statusFetchError       = "fetch_error"
	statusNoMatches        = "no_matches"
	statusCalendarNotFound = "calendar_not_found"
	statusError            = "error"
)

// Metrics counts reconciler outcomes.
type Metrics struct {
	matches *prometheus.CounterVec
	runs    *prometheus.CounterVec
	lastRun prometheus.Gauge
}

// NewMetrics creates the reconciler counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchsync",
			Name:      "matches_total",
			Help:      "Matches processed, by action taken.",
		}, []string{"action"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchsync",
			Name:      "runs_total",
			Help:      "Reconciler runs, by outcome.",
		}, []string{"status"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchsync",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.matches, m.runs, m.lastRun)
	}
	return m
}

func (m *Metrics) match(action string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(action).Inc()
}

func (m *Metrics) run(status string, finished float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.lastRun.Set(finished)
}
