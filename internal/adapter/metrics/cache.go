package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics covers both layers of the sensor status cache.
type CacheMetrics struct {
	Hits          *prometheus.CounterVec
	Misses        *prometheus.CounterVec
	Invalidations prometheus.Counter
	Entries       prometheus.Gauge
}

// NewCacheMetrics creates and registers cache metrics on the given registry.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "hits_total",
			Help:      "Sensor status cache hits, by layer (memory, redis).",
		}, []string{"layer"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "misses_total",
			Help:      "Sensor status cache misses, by layer (memory, redis).",
		}, []string{"layer"}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "invalidations_total",
			Help:      "Sensor status cache invalidations after activation changes.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "status_cache",
			Name:      "memory_entries",
			Help:      "In-process entries left after the last eviction sweep.",
		}),
	}

	reg.MustRegister(m.Hits, m.Misses, m.Invalidations, m.Entries)
	return m
}
