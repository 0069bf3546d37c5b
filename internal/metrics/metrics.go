// Package metrics exposes netslime counters as Prometheus collectors.
//
// Every method is safe on a nil *Metrics, so components can record
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luciancaetano/netslime"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "netslime").
	Namespace string
	// ConstLabels are added to every metric, e.g. the host role.
	ConstLabels prometheus.Labels
	// Registry receives the collectors. Nil creates a private registry so
	// several hosts can live in one process.
	Registry prometheus.Registerer
}

// Drop reasons recorded by FrameDropped.
const (
	DropMalformed       = "malformed"
	DropTruncated       = "truncated"
	DropVersionMismatch = "version_mismatch"
	DropUnknownPeer     = "unknown_peer"
	DropHandshakeFlood  = "handshake_flood"
	DropBadMessage      = "bad_message"
	DropUnknownObject   = "unknown_object"
)

// Metrics holds the collectors of one host.
type Metrics struct {
	registry prometheus.Registerer

	packetsSent      *prometheus.CounterVec
	packetsReceived  *prometheus.CounterVec
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	framesDropped    *prometheus.CounterVec
	retransmits      prometheus.Counter
	degraded         prometheus.Counter
	fragmentsExpired prometheus.Counter
	transitions      *prometheus.CounterVec
	connections      prometheus.Gauge
	replBytes        prometheus.Counter
	replDeferred     prometheus.Counter
	fieldUpdates     prometheus.Counter
}

// New registers the collectors with cfg.Registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "netslime"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(cfg.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}

	return &Metrics{
		registry:         cfg.Registry,
		packetsSent:      counterVec("packets_sent_total", "Packets sent by channel", "channel"),
		packetsReceived:  counterVec("packets_received_total", "Packets received by channel", "channel"),
		bytesSent:        counter("bytes_sent_total", "Bytes handed to the transport"),
		bytesReceived:    counter("bytes_received_total", "Bytes read from the transport"),
		framesDropped:    counterVec("frames_dropped_total", "Received datagrams dropped by reason", "reason"),
		retransmits:      counter("retransmits_total", "Reliable packets retransmitted"),
		degraded:         counter("degraded_channels_total", "Reliable channels that exhausted their retries"),
		fragmentsExpired: counter("fragment_groups_expired_total", "Incomplete fragment groups dropped"),
		transitions:      counterVec("connection_transitions_total", "Connection state transitions by target state", "state"),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "connections",
			Help:        "Connections currently tracked",
			ConstLabels: cfg.ConstLabels,
		}),
		replBytes:    counter("replication_bytes_total", "Replication payload bytes sent"),
		replDeferred: counter("replication_deferred_fields_total", "Dirty fields left for a later tick by the budget"),
		fieldUpdates: counter("field_updates_applied_total", "Field updates applied to proxies"),
	}
}

// Registry returns the registerer the collectors live in.
func (m *Metrics) Registry() prometheus.Registerer {
	if m == nil {
		return nil
	}
	return m.registry
}

// Gatherer returns the registry as a Gatherer when it is one.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	g, _ := m.registry.(prometheus.Gatherer)
	return g
}

func (m *Metrics) PacketSent(ch netslime.Channel, size int) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(ch.String()).Inc()
	m.bytesSent.Add(float64(size))
}

func (m *Metrics) PacketReceived(ch netslime.Channel, size int) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(ch.String()).Inc()
	m.bytesReceived.Add(float64(size))
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Retransmitted(n int) {
	if m == nil {
		return
	}
	m.retransmits.Add(float64(n))
}

func (m *Metrics) Degraded() {
	if m == nil {
		return
	}
	m.degraded.Inc()
}

func (m *Metrics) FragmentsExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.fragmentsExpired.Add(float64(n))
}

// Transition records a state change and keeps the connection gauge in step.
func (m *Metrics) Transition(from, to netslime.ConnectionState, created bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
	switch {
	case created:
		m.connections.Inc()
	case to.Terminal() && !from.Terminal():
		m.connections.Dec()
	}
}

func (m *Metrics) ReplicationSent(bytes, deferred int) {
	if m == nil {
		return
	}
	m.replBytes.Add(float64(bytes))
	m.replDeferred.Add(float64(deferred))
}

func (m *Metrics) FieldsApplied(n int) {
	if m == nil {
		return
	}
	m.fieldUpdates.Add(float64(n))
}
