// Package bridgemetrics exposes Prometheus metrics for the VPP bridge.
package bridgemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "vppbridge"

	subsystemTunnel = "tunnel"
	subsystemPunt   = "punt"
	subsystemRelay  = "relay"
)

// Label names.
const (
	labelState     = "state"
	labelDirection = "direction"
	labelOp        = "op"
)

// Tunnel state label values.
const (
	statePending     = "pending"
	stateEstablished = "established"
)

// Punt direction label values.
const (
	directionRx = "rx"
	directionTx = "tx"
)

// -------------------------------------------------------------------------
// Collector — Prometheus bridge metrics
// -------------------------------------------------------------------------

// Collector holds all bridge Prometheus metrics.
//
// All methods are safe on a nil receiver so components can run without
// metrics wired in (unit tests, embedded use).
type Collector struct {
	// Tunnels tracks the tunnel population by lifecycle state.
	Tunnels *prometheus.GaugeVec

	// PuntPackets counts punted datagrams by direction.
	PuntPackets *prometheus.CounterVec

	// PuntBytes counts punted payload bytes by direction.
	PuntBytes *prometheus.CounterVec

	// PuntDrops counts received datagrams dropped before delivery
	// (malformed frames, failed IP parses).
	PuntDrops prometheus.Counter

	// RegistrationRetries counts failed punt registration rounds against
	// the VPP agent. Expected to be nonzero during startup races.
	RegistrationRetries prometheus.Counter

	// RPCFailures counts fast-path RPC rejections by operation.
	RPCFailures *prometheus.CounterVec

	// RelayFlows tracks live peer flows toward the IKE daemon.
	RelayFlows prometheus.Gauge
}

// NewCollector creates a Collector with all bridge metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "vppbridge_" prefix to avoid collisions with other
// exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Tunnels,
		c.PuntPackets,
		c.PuntBytes,
		c.PuntDrops,
		c.RegistrationRetries,
		c.RPCFailures,
		c.RelayFlows,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Tunnels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTunnel,
			Name:      "count",
			Help:      "Number of IPsec tunnels by lifecycle state.",
		}, []string{labelState}),

		PuntPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPunt,
			Name:      "packets_total",
			Help:      "Total punted datagrams by direction.",
		}, []string{labelDirection}),

		PuntBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPunt,
			Name:      "bytes_total",
			Help:      "Total punted payload bytes by direction.",
		}, []string{labelDirection}),

		PuntDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPunt,
			Name:      "drops_total",
			Help:      "Received datagrams dropped before delivery.",
		}),

		RegistrationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPunt,
			Name:      "registration_retries_total",
			Help:      "Failed punt registration rounds against the VPP agent.",
		}),

		RPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_failures_total",
			Help:      "Fast-path RPC rejections by operation.",
		}, []string{labelOp}),

		RelayFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRelay,
			Name:      "flows",
			Help:      "Live relay flows toward the IKE daemon.",
		}),
	}
}

// -------------------------------------------------------------------------
// Recording helpers (nil-safe)
// -------------------------------------------------------------------------

// TunnelsPendingInc records a new half-built tunnel.
func (c *Collector) TunnelsPendingInc() {
	if c == nil {
		return
	}
	c.Tunnels.WithLabelValues(statePending).Inc()
}

// TunnelsPendingDec records a half-built tunnel leaving the cache.
func (c *Collector) TunnelsPendingDec() {
	if c == nil {
		return
	}
	c.Tunnels.WithLabelValues(statePending).Dec()
}

// TunnelsEstablishedInc records a completed tunnel.
func (c *Collector) TunnelsEstablishedInc() {
	if c == nil {
		return
	}
	c.Tunnels.WithLabelValues(stateEstablished).Inc()
}

// TunnelsEstablishedDec records a completed tunnel being torn down.
func (c *Collector) TunnelsEstablishedDec() {
	if c == nil {
		return
	}
	c.Tunnels.WithLabelValues(stateEstablished).Dec()
}

// PuntReceived records one received punt datagram of the given payload size.
func (c *Collector) PuntReceived(bytes int) {
	if c == nil {
		return
	}
	c.PuntPackets.WithLabelValues(directionRx).Inc()
	c.PuntBytes.WithLabelValues(directionRx).Add(float64(bytes))
}

// PuntSent records one transmitted punt datagram of the given payload size.
func (c *Collector) PuntSent(bytes int) {
	if c == nil {
		return
	}
	c.PuntPackets.WithLabelValues(directionTx).Inc()
	c.PuntBytes.WithLabelValues(directionTx).Add(float64(bytes))
}

// PuntDropped records one received datagram dropped before delivery.
func (c *Collector) PuntDropped() {
	if c == nil {
		return
	}
	c.PuntDrops.Inc()
}

// RegistrationRetried records one failed punt registration round.
func (c *Collector) RegistrationRetried() {
	if c == nil {
		return
	}
	c.RegistrationRetries.Inc()
}

// RPCFailure records a fast-path RPC rejection for op.
func (c *Collector) RPCFailure(op string) {
	if c == nil {
		return
	}
	c.RPCFailures.WithLabelValues(op).Inc()
}

// RelayFlowOpened records a new relay flow.
func (c *Collector) RelayFlowOpened() {
	if c == nil {
		return
	}
	c.RelayFlows.Inc()
}

// RelayFlowClosed records a relay flow teardown.
func (c *Collector) RelayFlowClosed() {
	if c == nil {
		return
	}
	c.RelayFlows.Dec()
}
