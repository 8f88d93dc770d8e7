package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. Each instance
// carries its own registry so servers can be created and torn down freely.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeConnections prometheus.Gauge
	onlineUsers       prometheus.Gauge
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	bannedRejections  prometheus.Counter

	// Event metrics
	eventsReceived *prometheus.CounterVec // by event type
	eventsSent     *prometheus.CounterVec // by event type

	// Fan-out and persistence metrics
	broadcastFanout prometheus.Histogram
	saveDuration    prometheus.Histogram
	saveFailures    prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lightproxy_active_connections",
			Help: "Current number of live connections",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lightproxy_online_users",
			Help: "Current number of distinct online identities",
		}),
		connectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "lightproxy_connections_opened_total",
			Help: "Total number of connections accepted",
		}),
		connectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lightproxy_connections_closed_total",
			Help: "Total number of connections closed",
		}),
		bannedRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "lightproxy_banned_rejections_total",
			Help: "Total number of connections rejected by the ban table",
		}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lightproxy_events_received_total",
			Help: "Total number of events received from clients by type",
		}, []string{"type"}),
		eventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lightproxy_events_sent_total",
			Help: "Total number of events delivered to clients by type",
		}, []string{"type"}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lightproxy_broadcast_fanout",
			Help:    "Number of connections that received each fan-out event",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		saveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lightproxy_state_save_duration_seconds",
			Help:    "Time taken to write the full state snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		saveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lightproxy_state_save_failures_total",
			Help: "Total number of failed state snapshot writes",
		}),
	}
}

// Handler returns the HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnectionOpened increments the connection counters
func (m *Metrics) RecordConnectionOpened() {
	m.connectionsOpened.Inc()
}

// RecordConnectionClosed increments the disconnect counter
func (m *Metrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

// RecordPresence updates the live connection and online user gauges
func (m *Metrics) RecordPresence(connections, users int) {
	m.activeConnections.Set(float64(connections))
	m.onlineUsers.Set(float64(users))
}

// RecordBannedRejection increments the ban rejection counter
func (m *Metrics) RecordBannedRejection() {
	m.bannedRejections.Inc()
}

// RecordEventReceived increments the received counter for an event type
func (m *Metrics) RecordEventReceived(eventType string) {
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordEventSent increments the sent counter for an event type
func (m *Metrics) RecordEventSent(eventType string) {
	m.eventsSent.WithLabelValues(eventType).Inc()
}

// RecordBroadcastFanout records how many connections received a fan-out
func (m *Metrics) RecordBroadcastFanout(recipients int) {
	m.broadcastFanout.Observe(float64(recipients))
}

// RecordSaveDuration records how long a state snapshot took
func (m *Metrics) RecordSaveDuration(seconds float64) {
	m.saveDuration.Observe(seconds)
}

// RecordSaveFailure increments the snapshot failure counter
func (m *Metrics) RecordSaveFailure() {
	m.saveFailures.Inc()
}
