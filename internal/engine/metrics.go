package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_runs_total",
			Help: "Runs dispatched through the engine, by platform and final status.",
		},
		[]string{"platform", "status"},
	)

	runDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_run_duration_seconds",
			Help:    "Wall-clock run duration from dispatch to backend return.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"platform"},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_active_runs",
			Help: "Runs currently executing on a backend.",
		},
	)

	queueWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gantry_run_queue_wait_seconds",
			Help:    "Time spent waiting for a backend concurrency slot.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDurationSeconds)
	prometheus.MustRegister(activeRuns)
	prometheus.MustRegister(queueWaitSeconds)
}
