package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics holds Prometheus metrics for the broadcast tick loop.
type SchedulerMetrics struct {
	Ticks           prometheus.Counter
	TickFailures    prometheus.Counter
	TickDuration    prometheus.Histogram
	ActiveSensors   prometheus.Gauge
	OracleFailures  prometheus.Counter
	PointsGenerated prometheus.Counter
	MessagesSent    *prometheus.CounterVec
	SendFailures    prometheus.Counter
}

// NewSchedulerMetrics creates and registers scheduler metrics on the given registry.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Completed broadcast ticks.",
		}),
		TickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_failures_total",
			Help:      "Ticks abandoned after an unexpected failure.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one broadcast tick.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ActiveSensors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active_sensors",
			Help:      "Sensors that produced data in the last tick.",
		}),
		OracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "oracle_failures_total",
			Help:      "Sensor activity lookups that failed and were treated as inactive.",
		}),
		PointsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "points_generated_total",
			Help:      "Synthesized waveform points.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "messages_sent_total",
			Help:      "Messages handed to connections, by mode (direct, global).",
		}, []string{"mode"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "send_failures_total",
			Help:      "Failed sends; each one removes the connection.",
		}),
	}

	reg.MustRegister(m.Ticks, m.TickFailures, m.TickDuration, m.ActiveSensors,
		m.OracleFailures, m.PointsGenerated, m.MessagesSent, m.SendFailures)
	return m
}
