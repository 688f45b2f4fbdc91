package queue

import "github.com/prometheus/client_golang/prometheus"

// queueMetrics holds the offline queue's instrumentation.
type queueMetrics struct {
	depth   prometheus.Gauge
	queued  prometheus.Counter
	evicted prometheus.Counter
	expired prometheus.Counter
	drained prometheus.Counter
}

func newQueueMetrics(reg prometheus.Registerer) *queueMetrics {
	m := &queueMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlink",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of messages waiting for offline recipients.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "queue",
			Name:      "queued_total",
			Help:      "Total messages admitted to the offline queue.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "queue",
			Name:      "evicted_total",
			Help:      "Total messages evicted to make room under capacity pressure.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "queue",
			Name:      "expired_total",
			Help:      "Total messages dropped after exceeding their retention.",
		}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "queue",
			Name:      "drained_total",
			Help:      "Total messages dequeued for delivery to reconnected peers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.depth, m.queued, m.evicted, m.expired, m.drained)
	}
	return m
}
