package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	messagesReceived *prometheus.CounterVec // by message type
	messagesSent     *prometheus.CounterVec // by message type

	broadcastFanout *prometheus.HistogramVec
}

// NewMetrics creates a metrics instance registered on the given registerer.
// Each server carries its own registry so tests can run several servers in
// one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "peerchat_active_sessions",
				Help: "Current number of connected client sessions",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "peerchat_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "peerchat_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerchat_messages_received_total",
				Help: "Total number of frames received from clients by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerchat_messages_sent_total",
				Help: "Total number of frames sent to clients by type",
			},
			[]string{"type"},
		),
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "peerchat_broadcast_fanout",
				Help:    "Number of clients that received each fanned-out frame",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"type"},
		),
	}
}

// RecordActiveSessions updates the active session count.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter.
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordMessageReceived increments the received counter for a frame type.
func (m *Metrics) RecordMessageReceived(messageType string) {
	m.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageSent increments the sent counter for a frame type.
func (m *Metrics) RecordMessageSent(messageType string) {
	m.messagesSent.WithLabelValues(messageType).Inc()
}

// RecordBroadcastFanout records how many clients received a fanned-out frame.
func (m *Metrics) RecordBroadcastFanout(messageType string, recipientCount int) {
	m.broadcastFanout.WithLabelValues(messageType).Observe(float64(recipientCount))
}
