package localexec

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftworks/gantry/internal/backend"
)

// Metric label values for run stages.
const (
	stageInputs         = "stage_inputs"
	stageExecute        = "execute"
	stageCollectOutputs = "collect_outputs"
)

var (
	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gantry_localexec_active_processes",
			Help: "Number of currently running local processes.",
		},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gantry_localexec_stage_seconds",
			Help:    "Duration of run stages: input staging, execution, output collection.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_localexec_runs_total",
			Help: "Total number of runs processed by the local process backend.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(activeProcesses)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(runsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, status := range []string{
		backend.StatusSucceeded,
		backend.StatusFailed,
		backend.StatusBackendError,
		backend.StatusCancelled,
	} {
		runsTotal.WithLabelValues(status)
	}
	for _, stage := range []string{stageInputs, stageExecute, stageCollectOutputs} {
		stageDuration.WithLabelValues(stage)
	}
}
