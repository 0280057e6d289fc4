package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promNegotiationCounter *prometheus.CounterVec
	promNegotiationTime    prometheus.Histogram
	promICERestartCounter  prometheus.Counter
	promPeerFailureCounter *prometheus.CounterVec
)

func initRTCStats(nodeID string) {
	promNegotiationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   parloNamespace,
		Subsystem:   "peer",
		Name:        "negotiation",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"kind", "status"})
	promNegotiationTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   parloNamespace,
		Subsystem:   "peer",
		Name:        "connect_time_ms",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     prometheus.ExponentialBucketsRange(100, 30000, 12),
	})
	promICERestartCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   parloNamespace,
		Subsystem:   "peer",
		Name:        "ice_restart",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promPeerFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   parloNamespace,
		Subsystem:   "peer",
		Name:        "failure",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"reason"})

	prometheus.MustRegister(promNegotiationCounter)
	prometheus.MustRegister(promNegotiationTime)
	prometheus.MustRegister(promICERestartCounter)
	prometheus.MustRegister(promPeerFailureCounter)
}

// RecordNegotiation counts offer/answer/rollback/glare outcomes.
func RecordNegotiation(kind string, status string) {
	if !initialized.Load() {
		return
	}
	promNegotiationCounter.WithLabelValues(kind, status).Inc()
}

func RecordPeerConnected(sinceStart time.Duration) {
	if !initialized.Load() {
		return
	}
	promNegotiationTime.Observe(float64(sinceStart.Milliseconds()))
}

func RecordICERestart() {
	if !initialized.Load() {
		return
	}
	promICERestartCounter.Inc()
}

func RecordPeerFailure(reason string) {
	if !initialized.Load() {
		return
	}
	promPeerFailureCounter.WithLabelValues(reason).Inc()
}
