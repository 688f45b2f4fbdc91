package delivery

import "github.com/prometheus/client_golang/prometheus"

// trackerMetrics holds the tracker's instrumentation. A nil registerer at
// construction leaves collectors allocated but unregistered, so callers that
// do not run a metrics endpoint pay nothing.
type trackerMetrics struct {
	pending       prometheus.Gauge
	delivered     prometheus.Counter
	failed        prometheus.Counter
	retries       prometheus.Counter
	duplicateAcks prometheus.Counter
}

func newTrackerMetrics(reg prometheus.Registerer) *trackerMetrics {
	m := &trackerMetrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlink",
			Subsystem: "delivery",
			Name:      "pending_messages",
			Help:      "Number of tracked messages awaiting confirmation.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "delivery",
			Name:      "delivered_total",
			Help:      "Total messages confirmed delivered.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "delivery",
			Name:      "failed_total",
			Help:      "Total messages finalized as failed.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Total retransmission attempts.",
		}),
		duplicateAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Subsystem: "delivery",
			Name:      "duplicate_acks_total",
			Help:      "Total acknowledgements dropped by dedup.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.pending, m.delivered, m.failed, m.retries, m.duplicateAcks)
	}
	return m
}
