package health

import "github.com/prometheus/client_golang/prometheus"

// monitorMetrics holds the health monitor's instrumentation.
type monitorMetrics struct {
	score        prometheus.Gauge
	peers        prometheus.Gauge
	deliveryRate prometheus.Gauge
	retryRate    prometheus.Gauge
}

func newMonitorMetrics(reg prometheus.Registerer) *monitorMetrics {
	m := &monitorMetrics{
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlink",
			Subsystem: "health",
			Name:      "score",
			Help:      "Weighted mesh health score in [0,1].",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlink",
			Subsystem: "health",
			Name:      "connected_peers",
			Help:      "Most recent connected peer count.",
		}),
		deliveryRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlink",
			Subsystem: "health",
			Name:      "delivery_rate",
			Help:      "Delivery success rate over the recent window.",
		}),
		retryRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlink",
			Subsystem: "health",
			Name:      "retry_rate",
			Help:      "Share of recent transmissions that were retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.score, m.peers, m.deliveryRate, m.retryRate)
	}
	return m
}
