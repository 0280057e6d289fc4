package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	parloNamespace string = "parlo"
)

var (
	initialized atomic.Bool

	MessageCounter          *prometheus.CounterVec
	ServiceOperationCounter *prometheus.CounterVec
)

// Init registers all collectors with the default registry. Recording
// functions are no-ops until Init has been called.
func Init(nodeID string) {
	if initialized.Load() {
		return
	}

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   parloNamespace,
			Subsystem:   "node",
			Name:        "messages",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status"},
	)

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   parloNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(MessageCounter)
	prometheus.MustRegister(ServiceOperationCounter)

	initRoomStats(nodeID)
	initRTCStats(nodeID)

	initialized.Store(true)
}

// RecordMessage counts a signalling message by type and outcome.
func RecordMessage(msgType string, status string) {
	if !initialized.Load() {
		return
	}
	MessageCounter.WithLabelValues(msgType, status).Inc()
}

func RecordServiceOperation(op string, status string, errorType string) {
	if !initialized.Load() {
		return
	}
	ServiceOperationCounter.WithLabelValues(op, status, errorType).Inc()
}
