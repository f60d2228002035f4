// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"sync"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "ssgo"
)

// Metrics contains all Prometheus metrics for a running client or server.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  *prometheus.CounterVec

	// Data transfer metrics
	BytesRelayed *prometheus.CounterVec // labels: direction={up,down}

	// UDP metrics
	UDPAssociationsActive prometheus.Gauge
	UDPPacketsRelayed     *prometheus.CounterVec

	// Auto-ban metrics
	BanlistSize prometheus.Gauge
	BansTotal   prometheus.Counter

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, used by tests that don't want to pollute the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active TCP relay connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of TCP relay connections established",
		}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total connection errors by type",
		}, []string{"error_type"}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed by direction",
		}, []string{"direction"}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of currently active UDP associations",
		}),
		UDPPacketsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_relayed_total",
			Help:      "Total UDP datagrams relayed by direction",
		}, []string{"direction"}),

		BanlistSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "banlist_size",
			Help:      "Number of IPs currently in the auto-ban registry",
		}),
		BansTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_total",
			Help:      "Total number of IPs ever auto-banned",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of time from accept to first successful relayed byte",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
	}
}

// RecordConnect records a new relay connection.
func (m *Metrics) RecordConnect() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordDisconnect records a relay connection closing.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
}

// RecordConnectionError records a connection-level error by type (e.g.
// "dial", "malformed_header", "aead_auth").
func (m *Metrics) RecordConnectionError(errorType string) {
	m.ConnectionErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesRelayed records bytes relayed in one direction ("up" or
// "down").
func (m *Metrics) RecordBytesRelayed(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// BytesRelayedTotal reads back the current counter value for one
// direction, for periodic human-readable stats logging.
func (m *Metrics) BytesRelayedTotal(direction string) float64 {
	var dto dto.Metric
	if err := m.BytesRelayed.WithLabelValues(direction).Write(&dto); err != nil {
		return 0
	}
	return dto.GetCounter().GetValue()
}

// RecordUDPAssociationOpen/-Close track the live UDP association count.
func (m *Metrics) RecordUDPAssociationOpen()  { m.UDPAssociationsActive.Inc() }
func (m *Metrics) RecordUDPAssociationClose() { m.UDPAssociationsActive.Dec() }

// RecordUDPPacket records a relayed UDP datagram by direction.
func (m *Metrics) RecordUDPPacket(direction string) {
	m.UDPPacketsRelayed.WithLabelValues(direction).Inc()
}

// SetBanlistSize updates the auto-ban gauge.
func (m *Metrics) SetBanlistSize(n int) {
	m.BanlistSize.Set(float64(n))
}

// RecordBan records a new auto-ban event.
func (m *Metrics) RecordBan() {
	m.BansTotal.Inc()
}

// RecordHandshake records a successful handshake latency.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error by type.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}
