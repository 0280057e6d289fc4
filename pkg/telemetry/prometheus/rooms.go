package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	roomCurrent        atomic.Int32
	participantCurrent atomic.Int32

	promRoomCurrent        prometheus.Gauge
	promRoomDuration       prometheus.Histogram
	promParticipantCurrent prometheus.Gauge
	promParticipantJoin    *prometheus.CounterVec
)

func initRoomStats(nodeID string) {
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   parloNamespace,
		Subsystem:   "room",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promRoomDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   parloNamespace,
		Subsystem:   "room",
		Name:        "duration_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60,
		},
	})
	promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   parloNamespace,
		Subsystem:   "participant",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promParticipantJoin = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   parloNamespace,
		Subsystem:   "participant",
		Name:        "join",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"kind"})

	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promRoomDuration)
	prometheus.MustRegister(promParticipantCurrent)
	prometheus.MustRegister(promParticipantJoin)
}

func RoomStarted() {
	roomCurrent.Inc()
	if initialized.Load() {
		promRoomCurrent.Add(1)
	}
}

func RoomEnded(startedAt time.Time) {
	roomCurrent.Dec()
	if !initialized.Load() {
		return
	}
	if !startedAt.IsZero() {
		promRoomDuration.Observe(float64(time.Since(startedAt)) / float64(time.Second))
	}
	promRoomCurrent.Sub(1)
}

// AddParticipant records a join. kind is one of new, replace or resume.
func AddParticipant(kind string) {
	if kind != "resume" {
		participantCurrent.Inc()
	}
	if !initialized.Load() {
		return
	}
	promParticipantJoin.WithLabelValues(kind).Inc()
	if kind != "resume" {
		promParticipantCurrent.Add(1)
	}
}

func SubParticipant() {
	participantCurrent.Dec()
	if initialized.Load() {
		promParticipantCurrent.Sub(1)
	}
}

func CurrentRooms() int32 {
	return roomCurrent.Load()
}

func CurrentParticipants() int32 {
	return participantCurrent.Load()
}
