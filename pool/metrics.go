package pool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsOnce sync.Once

var (
	admissions   *prometheus.CounterVec
	mempoolSize  prometheus.Gauge
	stempoolSize prometheus.Gauge
	reorgCacheSz prometheus.Gauge
)

func registerMetrics() {
	metricsOnce.Do(func() {
		admissions = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mwnode",
			Subsystem: "pool",
			Name:      "admissions_total",
			Help:      "Transaction admission attempts, labeled by target pool and result.",
		}, []string{"pool", "result"})

		mempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "mwnode",
			Subsystem: "pool",
			Name:      "mempool_size",
			Help:      "Transactions currently resident in the fluffed mempool.",
		})

		stempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "mwnode",
			Subsystem: "pool",
			Name:      "stempool_size",
			Help:      "Transactions currently resident in the stemmed stempool.",
		})

		reorgCacheSz = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "mwnode",
			Subsystem: "pool",
			Name:      "reorg_cache_size",
			Help:      "Transactions held in the time-bounded reorg cache awaiting replay.",
		})
	})
}
