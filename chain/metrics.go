package chain

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered once per process regardless of how many Pipelines
// are constructed (tests build several), following the teacher's
// promauto+sync.Once registration idiom.
var metricsOnce sync.Once

var (
	blocksProcessed *prometheus.CounterVec
	reorgDepth      prometheus.Histogram
	orphansHeld     prometheus.Gauge
	denylistHits    prometheus.Counter
)

func registerMetrics() {
	metricsOnce.Do(func() {
		blocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mwnode",
			Subsystem: "chain",
			Name:      "blocks_processed_total",
			Help:      "Blocks processed by the acceptance pipeline, labeled by outcome.",
		}, []string{"outcome"})

		reorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mwnode",
			Subsystem: "chain",
			Name:      "reorg_depth_blocks",
			Help:      "Number of blocks disconnected from the prior best chain per reorg.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		})

		orphansHeld = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "mwnode",
			Subsystem: "chain",
			Name:      "orphans_held",
			Help:      "Blocks currently held in the orphan pool.",
		})

		denylistHits = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "mwnode",
			Subsystem: "chain",
			Name:      "denylist_rejections_total",
			Help:      "Blocks rejected outright because their hash is denylisted.",
		})
	})
}
