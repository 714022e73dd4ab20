package history

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the run counters and duration histogram a host registers
// against its own Prometheus registry — this package never starts an
// HTTP server or owns a global registry (§1 Non-goals: platform/HTTP
// surface is a host concern).
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	healedTotal   prometheus.Counter
	healingFailed prometheus.Counter
	runDuration   prometheus.Histogram
}

// NewMetrics constructs and registers a Metrics against reg. A host
// typically calls this once per process and shares the result across
// every task's history Store via WithMetrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bugninja",
			Subsystem: "history",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"status"}),
		healedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bugninja",
			Subsystem: "history",
			Name:      "healed_runs_total",
			Help:      "Replay runs that recovered via a healing sub-run.",
		}),
		healingFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bugninja",
			Subsystem: "history",
			Name:      "healing_failed_runs_total",
			Help:      "Replay runs whose healing sub-run could not recover.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bugninja",
			Subsystem: "history",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a completed run (AI-navigated or replay).",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.runsTotal, m.healedTotal, m.healingFailed, m.runDuration)
	return m
}

func (m *Metrics) observeRun(status State, duration time.Duration, outcome HealingOutcome) {
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(duration.Seconds())
	switch outcome {
	case HealingHealed:
		m.healedTotal.Inc()
	case HealingFailed:
		m.healingFailed.Inc()
	}
}
