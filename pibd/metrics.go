package pibd

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsOnce sync.Once

var (
	snapshotsBuilt   prometheus.Counter
	segmentsServed   *prometheus.CounterVec
	segmentsApplied  *prometheus.CounterVec
	desegmentersDone prometheus.Counter
)

func registerMetrics() {
	metricsOnce.Do(func() {
		snapshotsBuilt = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "mwnode",
			Subsystem: "pibd",
			Name:      "snapshots_built_total",
			Help:      "Archive snapshots materialized by the segmenter, one per archive period per archive header.",
		})

		segmentsServed = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mwnode",
			Subsystem: "pibd",
			Name:      "segments_served_total",
			Help:      "Segments built by the segmenter, labeled by MMR kind.",
		}, []string{"kind"})

		segmentsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mwnode",
			Subsystem: "pibd",
			Name:      "segments_applied_total",
			Help:      "Segments processed by a desegmenter, labeled by MMR kind and result.",
		}, []string{"kind", "result"})

		desegmentersDone = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "mwnode",
			Subsystem: "pibd",
			Name:      "desegmenters_finalized_total",
			Help:      "Desegmenter syncs that finalized into a reassembled txhashset.",
		})
	})
}
