// Package relay shuttles IKE datagrams between the VPP punt sockets and
// the local IKE daemon.
//
// VPP owns the wire; the IKE daemon binds loopback only. For every remote
// peer endpoint the relay opens one UDP flow toward the daemon, forwards
// punted payloads into it, and re-injects the daemon's replies into the
// fast path with the wire endpoints restored. Idle flows expire after a
// configurable timeout.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	bridgemetrics "github.com/netgrove/vppbridge/internal/metrics"
	"github.com/netgrove/vppbridge/internal/punt"
)

// maxDatagram bounds reply reads from the IKE daemon.
const maxDatagram = 65535

// PuntConn is the punt-facing side of the relay.
type PuntConn interface {
	// Receive blocks for the next punted packet.
	Receive(ctx context.Context) (*punt.Packet, error)

	// Send injects a packet into the fast path.
	Send(p *punt.Packet) error

	// Port returns the wire port for plain IKE or NAT-T traffic.
	Port(nat bool) uint16
}

// Config holds the relay parameters.
type Config struct {
	// IKEAddr and NATTAddr are the IKE daemon UDP endpoints for plain IKE
	// and NAT-T traffic.
	IKEAddr  netip.AddrPort
	NATTAddr netip.AddrPort

	// FlowTimeout evicts flows with no traffic in either direction.
	FlowTimeout time.Duration
}

// flowKey identifies one peer conversation. NAT-T and plain IKE from the
// same peer address are distinct flows: they target different daemon
// endpoints.
type flowKey struct {
	peer netip.AddrPort
	natt bool
}

// flow is one UDP conversation with the IKE daemon on behalf of a peer.
type flow struct {
	conn *net.UDPConn

	// peer and gw are the wire endpoints restored on replies: the daemon's
	// answer travels back as gw -> peer.
	peer netip.AddrPort
	gw   netip.AddrPort
}

// Relay forwards punted datagrams to the IKE daemon and daemon replies
// back into the fast path.
type Relay struct {
	cfg     Config
	conn    PuntConn
	logger  *slog.Logger
	metrics *bridgemetrics.Collector

	mu    sync.Mutex
	flows map[flowKey]*flow
	wg    sync.WaitGroup
}

// Option configures optional Relay behavior.
type Option func(*Relay)

// WithRelayMetrics wires a Prometheus collector into the relay.
func WithRelayMetrics(c *bridgemetrics.Collector) Option {
	return func(r *Relay) {
		r.metrics = c
	}
}

// New creates a Relay over the given punt connection.
func New(cfg Config, conn PuntConn, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With(slog.String("component", "relay")),
		flows:  make(map[flowKey]*flow),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run receives punted packets and forwards them until ctx is cancelled or
// the punt connection is closed, then tears down all flows. Forwarding
// errors on individual packets are logged, not fatal.
func (r *Relay) Run(ctx context.Context) error {
	defer r.closeFlows()

	r.logger.Info("relay started",
		slog.String("ike_addr", r.cfg.IKEAddr.String()),
		slog.String("natt_addr", r.cfg.NATTAddr.String()),
	)

	for {
		pkt, err := r.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, punt.ErrClosed) {
				r.logger.Info("relay stopped")
				return nil
			}
			return fmt.Errorf("relay receive: %w", err)
		}

		if err := r.forward(pkt); err != nil {
			r.logger.Warn("failed to forward punted datagram",
				slog.String("src", pkt.Src.String()),
				slog.String("dst", pkt.Dst.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// forward writes one punted payload into the peer's flow, opening the flow
// on first contact.
func (r *Relay) forward(pkt *punt.Packet) error {
	// In split mode NAT-T arrives on its own wire port; single-socket
	// setups punt everything on the primary port.
	natt := pkt.Dst.Port() != r.conn.Port(false)

	f, err := r.flowFor(pkt, natt)
	if err != nil {
		return err
	}

	if err := f.conn.SetReadDeadline(time.Now().Add(r.cfg.FlowTimeout)); err != nil {
		return fmt.Errorf("extend flow deadline: %w", err)
	}

	if _, err := f.conn.Write(pkt.Payload); err != nil {
		return fmt.Errorf("write to IKE daemon: %w", err)
	}

	return nil
}

// flowFor returns the existing flow for the packet's peer or dials a new
// one toward the matching daemon endpoint. Receive runs on one goroutine,
// so at most one flow is created per key.
func (r *Relay) flowFor(pkt *punt.Packet, natt bool) (*flow, error) {
	key := flowKey{peer: pkt.Src, natt: natt}

	r.mu.Lock()
	f, ok := r.flows[key]
	r.mu.Unlock()
	if ok {
		return f, nil
	}

	target := r.cfg.IKEAddr
	if natt {
		target = r.cfg.NATTAddr
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(target))
	if err != nil {
		return nil, fmt.Errorf("dial IKE daemon %s: %w", target, err)
	}

	f = &flow{conn: conn, peer: pkt.Src, gw: pkt.Dst}

	r.mu.Lock()
	r.flows[key] = f
	r.mu.Unlock()

	r.metrics.RelayFlowOpened()
	r.logger.Debug("relay flow opened",
		slog.String("peer", key.peer.String()),
		slog.Bool("natt", key.natt),
		slog.String("target", target.String()),
	)

	r.wg.Add(1)
	go r.replyLoop(key, f)

	return f, nil
}

// replyLoop reads daemon replies for one flow and injects them into the
// fast path with the wire endpoints restored. Exits when the flow's read
// deadline expires or its socket is closed.
func (r *Relay) replyLoop(key flowKey, f *flow) {
	defer r.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			r.dropFlow(key, f, err)
			return
		}

		if err := f.conn.SetReadDeadline(time.Now().Add(r.cfg.FlowTimeout)); err != nil {
			r.dropFlow(key, f, err)
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		reply := &punt.Packet{Src: f.gw, Dst: f.peer, Payload: payload}
		if err := r.conn.Send(reply); err != nil {
			r.logger.Warn("failed to inject IKE reply",
				slog.String("peer", key.peer.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// dropFlow removes a flow from the table and closes its socket. Expiry is
// routine; anything else is logged at warning level. A socket closed by
// shutdown is silent.
func (r *Relay) dropFlow(key flowKey, f *flow, cause error) {
	r.mu.Lock()
	cur, ok := r.flows[key]
	if ok && cur == f {
		delete(r.flows, key)
	}
	r.mu.Unlock()

	if !ok || cur != f {
		// Already torn down by closeFlows.
		return
	}

	f.conn.Close()
	r.metrics.RelayFlowClosed()

	switch {
	case errors.Is(cause, os.ErrDeadlineExceeded):
		r.logger.Debug("relay flow expired",
			slog.String("peer", key.peer.String()),
			slog.Bool("natt", key.natt),
		)
	case errors.Is(cause, net.ErrClosed):
	default:
		r.logger.Warn("relay flow failed",
			slog.String("peer", key.peer.String()),
			slog.String("error", cause.Error()),
		)
	}
}

// closeFlows tears down every flow and waits for their reply loops.
func (r *Relay) closeFlows() {
	r.mu.Lock()
	flows := r.flows
	r.flows = make(map[flowKey]*flow)
	r.mu.Unlock()

	for _, f := range flows {
		f.conn.Close()
		r.metrics.RelayFlowClosed()
	}

	r.wg.Wait()
}
