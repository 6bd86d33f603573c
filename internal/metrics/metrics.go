// Package metrics provides Prometheus metrics for the relay server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ssserver"

// Metrics holds every Prometheus collector the relay exposes.
type Metrics struct {
	TCPSessionsActive prometheus.Gauge
	TCPSessionsTotal  prometheus.Counter
	TCPBytesClientToTarget prometheus.Counter
	TCPBytesTargetToClient prometheus.Counter
	TCPAntiProbeTriggers   prometheus.Counter

	UDPAssociationsActive prometheus.Gauge
	UDPDatagramsInbound   prometheus.Counter
	UDPDatagramsOutbound  prometheus.Counter
	UDPDatagramsDropped   *prometheus.CounterVec
	UDPRouteEvictions     *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered against
// the default Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics registers every collector against prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers every collector against reg, so tests
// can use their own registry instead of the process-wide default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TCPSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_sessions_active",
			Help:      "Number of currently relayed TCP connections",
		}),
		TCPSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_sessions_total",
			Help:      "Total TCP connections accepted",
		}),
		TCPBytesClientToTarget: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_bytes_client_to_target_total",
			Help:      "Total plaintext bytes relayed from client to target",
		}),
		TCPBytesTargetToClient: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_bytes_target_to_client_total",
			Help:      "Total plaintext bytes relayed from target to client",
		}),
		TCPAntiProbeTriggers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_anti_probe_triggers_total",
			Help:      "Total connections that entered the anti-probing read-forever path",
		}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of entries currently in the UDP route table",
		}),
		UDPDatagramsInbound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_inbound_total",
			Help:      "Total UDP datagrams received from clients",
		}),
		UDPDatagramsOutbound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_outbound_total",
			Help:      "Total UDP datagrams sent back to clients",
		}),
		UDPDatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "Total UDP datagrams dropped by reason",
		}, []string{"reason"}),
		UDPRouteEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_route_evictions_total",
			Help:      "Total UDP route table evictions by reason",
		}, []string{"reason"}),
	}
}

// RecordTCPSessionStart records a newly accepted TCP session.
func (m *Metrics) RecordTCPSessionStart() {
	m.TCPSessionsActive.Inc()
	m.TCPSessionsTotal.Inc()
}

// RecordTCPSessionEnd records a TCP session ending and its relayed byte
// counts in each direction.
func (m *Metrics) RecordTCPSessionEnd(clientToTarget, targetToClient int64) {
	m.TCPSessionsActive.Dec()
	m.TCPBytesClientToTarget.Add(float64(clientToTarget))
	m.TCPBytesTargetToClient.Add(float64(targetToClient))
}

// RecordAntiProbeTrigger records a connection entering the read-forever
// anti-probing path.
func (m *Metrics) RecordAntiProbeTrigger() {
	m.TCPAntiProbeTriggers.Inc()
}

// SetUDPAssociationsActive sets the current UDP route table size.
func (m *Metrics) SetUDPAssociationsActive(n int) {
	m.UDPAssociationsActive.Set(float64(n))
}

// RecordUDPInbound records one inbound datagram from a client.
func (m *Metrics) RecordUDPInbound() {
	m.UDPDatagramsInbound.Inc()
}

// RecordUDPOutbound records one outbound datagram to a client.
func (m *Metrics) RecordUDPOutbound() {
	m.UDPDatagramsOutbound.Inc()
}

// RecordUDPDropped records a dropped inbound or outbound datagram.
func (m *Metrics) RecordUDPDropped(reason string) {
	m.UDPDatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordUDPRouteEviction records a route table entry being evicted.
func (m *Metrics) RecordUDPRouteEviction(reason string) {
	m.UDPRouteEvictions.WithLabelValues(reason).Inc()
}
