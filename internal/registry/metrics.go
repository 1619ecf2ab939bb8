package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftworks/gantry/internal/artifact"
)

var (
	artifactsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gantry_artifacts_by_state",
			Help: "Number of registered artifacts per lifecycle state.",
		},
		[]string{"state"},
	)

	artifactsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gantry_artifacts_created_total",
			Help: "Total number of artifacts created, by kind.",
		},
		[]string{"kind"},
	)

	artifactsDestroyedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_artifacts_destroyed_total",
			Help: "Total number of artifacts destroyed.",
		},
	)

	bytesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_artifact_bytes_stored_total",
			Help: "Total artifact content bytes accepted by the registry.",
		},
	)

	bytesRetrievedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gantry_artifact_bytes_retrieved_total",
			Help: "Total artifact content bytes served by the registry.",
		},
	)
)

func init() {
	prometheus.MustRegister(artifactsByState)
	prometheus.MustRegister(artifactsCreatedTotal)
	prometheus.MustRegister(artifactsDestroyedTotal)
	prometheus.MustRegister(bytesStoredTotal)
	prometheus.MustRegister(bytesRetrievedTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, state := range []string{
		artifact.StateUnmaterialized,
		artifact.StatePending,
		artifact.StateMaterialized,
		artifact.StateDestroyed,
	} {
		artifactsByState.WithLabelValues(state)
	}
	for _, kind := range []string{
		artifact.KindInput,
		artifact.KindOutput,
		artifact.KindCache,
		artifact.KindImage,
	} {
		artifactsCreatedTotal.WithLabelValues(kind)
	}
}

// observeTransition keeps the per-state gauge aligned with lifecycle moves.
// An empty from marks creation.
func observeTransition(from, to string) {
	if from != "" {
		artifactsByState.WithLabelValues(from).Dec()
	}
	artifactsByState.WithLabelValues(to).Inc()
}
