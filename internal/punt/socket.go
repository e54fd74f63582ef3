package punt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/netgrove/vppbridge/internal/fastpath"
	bridgemetrics "github.com/netgrove/vppbridge/internal/metrics"
)

// wellKnownIKEPort is the IANA IKE port. Configuring it enables split
// mode: IKE_SA_INIT and NAT-T traffic arrive on separate sockets. Any
// other port carries both exchanges on a single socket (the daemon is
// behind NAT and has switched to a custom port).
const wellKnownIKEPort = 500

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrDynamicPort indicates a configured port of zero. Punt
	// registration requires a fixed, known port.
	ErrDynamicPort = errors.New("dynamic port allocation not supported")

	// ErrNoWritePath indicates VPP reported no usable punt write socket.
	ErrNoWritePath = errors.New("no punt write path discoverable")

	// ErrClosed indicates the socket pair has been closed.
	ErrClosed = errors.New("punt socket pair is closed")

	// ErrNotReady indicates the multiplexed wait returned with no
	// readable socket.
	ErrNotReady = errors.New("no punt socket ready")
)

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// Config holds the socket pair parameters.
type Config struct {
	// Port is the IKE UDP port; 500 enables split mode.
	Port uint16

	// NATTPort is the NAT-T UDP port, used only in split mode.
	NATTPort uint16

	// SocketPath and NATTSocketPath are the unix datagram socket paths
	// bound for punted traffic.
	SocketPath     string
	NATTSocketPath string

	// MaxPacket is the maximum IP datagram size accepted on receive.
	MaxPacket int

	// RegisterInterval is the delay between failed registration rounds.
	RegisterInterval time.Duration
}

// -------------------------------------------------------------------------
// SocketPair
// -------------------------------------------------------------------------

// puntSock is one bound unix datagram socket.
type puntSock struct {
	fd         int
	path       string
	port       uint16
	registered bool
}

// SocketPair owns the punt sockets facing VPP: one socket on the IKE port
// and, in split mode, a second socket on the NAT-T port. It registers the
// bound paths with VPP, multiplexes blocking receives across the sockets
// with round-robin fairness, and frames outbound packets for injection.
type SocketPair struct {
	cfg     Config
	client  fastpath.Client
	logger  *slog.Logger
	metrics *bridgemetrics.Collector

	split     bool
	socks     []*puntSock
	writePath string

	// wake pipe interrupts a blocked Poll on Close.
	wakeR, wakeW int

	// rrIndex rotates receive fairness across sockets. Receive runs on a
	// single dedicated goroutine; no lock needed.
	rrIndex int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// SocketPairOption configures optional SocketPair behavior.
type SocketPairOption func(*SocketPair)

// WithSocketMetrics wires a Prometheus collector into the socket pair.
func WithSocketMetrics(c *bridgemetrics.Collector) SocketPairOption {
	return func(p *SocketPair) {
		p.metrics = c
	}
}

// NewSocketPair binds the configured punt sockets, registers them with VPP
// (retrying until ctx is cancelled), and discovers the write path VPP
// expects outbound datagrams on.
//
// Registration failures are expected during the startup race with the VPP
// agent and are retried at the configured interval; only ctx cancellation
// aborts the wait. Any other construction failure closes all opened
// sockets before returning.
func NewSocketPair(
	ctx context.Context,
	cfg Config,
	client fastpath.Client,
	logger *slog.Logger,
	opts ...SocketPairOption,
) (*SocketPair, error) {
	if cfg.Port == 0 || cfg.NATTPort == 0 {
		return nil, fmt.Errorf("create punt sockets: %w", ErrDynamicPort)
	}

	p := &SocketPair{
		cfg:    cfg,
		client: client,
		logger: logger.With(slog.String("component", "punt.socket")),
		split:  cfg.Port == wellKnownIKEPort,
		wakeR:  -1,
		wakeW:  -1,
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := p.bindSockets(); err != nil {
		p.cleanup()
		return nil, err
	}

	if err := p.register(ctx); err != nil {
		p.cleanup()
		return nil, err
	}

	if err := p.discoverWritePath(ctx); err != nil {
		p.cleanup()
		return nil, err
	}

	p.logger.Info("punt sockets ready",
		slog.Bool("split", p.split),
		slog.String("write_path", p.writePath),
	)

	return p, nil
}

// bindSockets opens and binds the unix datagram sockets plus the wake pipe.
func (p *SocketPair) bindSockets() error {
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("create wake pipe: %w", err)
	}
	p.wakeR, p.wakeW = pipeFds[0], pipeFds[1]

	fd, err := bindDatagram(p.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind punt socket: %w", err)
	}
	p.socks = append(p.socks, &puntSock{fd: fd, path: p.cfg.SocketPath, port: p.cfg.Port})

	if p.split {
		fd, err := bindDatagram(p.cfg.NATTSocketPath)
		if err != nil {
			return fmt.Errorf("bind NAT-T punt socket: %w", err)
		}
		p.socks = append(p.socks, &puntSock{fd: fd, path: p.cfg.NATTSocketPath, port: p.cfg.NATTPort})
	}

	return nil
}

// bindDatagram binds a unix datagram socket at path, unlinking any stale
// socket file first.
func bindDatagram(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket %s: %w", path, err)
	}

	// A previous run may have left its socket file behind.
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		unix.Close(fd)
		return -1, fmt.Errorf("unlink stale %s: %w", path, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", path, err)
	}

	return fd, nil
}

// register attempts one registration per unregistered socket per round,
// sleeping between failed rounds, until every socket is registered or ctx
// is cancelled. Registration failure is never fatal by itself: the VPP
// agent may simply not be up yet.
func (p *SocketPair) register(ctx context.Context) error {
	for {
		if p.registerRound(ctx) {
			p.logger.Info("punt registration complete")
			return nil
		}

		p.metrics.RegistrationRetried()
		p.logger.Debug("punt registration failed, retrying",
			slog.Duration("interval", p.cfg.RegisterInterval),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("punt registration: %w", ctx.Err())
		case <-time.After(p.cfg.RegisterInterval):
		}
	}
}

// registerRound tries to register every not-yet-registered socket path.
// Reports whether all sockets are now registered.
func (p *SocketPair) registerRound(ctx context.Context) bool {
	done := true
	for _, s := range p.socks {
		if s.registered {
			continue
		}
		if err := p.client.RegisterPunt(ctx, s.port, s.path); err != nil {
			p.logger.Debug("punt registration attempt failed",
				slog.String("path", s.path),
				slog.Uint64("port", uint64(s.port)),
				slog.String("error", err.Error()),
			)
			done = false
			continue
		}
		s.registered = true
	}
	return done
}

// discoverWritePath asks VPP for the socket outbound datagrams must be
// written to. VPP reports a single agent-side write socket for all punt
// registrations.
func (p *SocketPair) discoverWritePath(ctx context.Context) error {
	punts, err := p.client.DumpPunts(ctx)
	if err != nil {
		return fmt.Errorf("discover punt write path: %w", err)
	}

	if len(punts) == 0 || punts[0].SocketPath == "" {
		return fmt.Errorf("discover punt write path: %w", ErrNoWritePath)
	}

	p.writePath = punts[0].SocketPath
	return nil
}

// -------------------------------------------------------------------------
// Receive / Send
// -------------------------------------------------------------------------

// Receive blocks until a punted datagram arrives on any configured socket
// and returns it as a logical packet. Sockets are serviced with
// round-robin fairness so a busy IKE socket cannot starve the NAT-T
// socket. Malformed frames and unparseable IP datagrams are logged,
// counted, and dropped; Receive keeps waiting for the next datagram.
//
// Close interrupts a blocked Receive promptly.
func (p *SocketPair) Receive(ctx context.Context) (*Packet, error) {
	buf := make([]byte, rxHeaderSize+p.cfg.MaxPacket)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("punt receive: %w", err)
		}
		if p.closed.Load() {
			return nil, fmt.Errorf("punt receive: %w", ErrClosed)
		}

		sock, err := p.waitReady()
		if err != nil {
			return nil, err
		}

		n, _, err := unix.Recvfrom(sock.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// Close tears down the descriptors underneath a racing read.
			if p.closed.Load() {
				return nil, fmt.Errorf("punt receive: %w", ErrClosed)
			}
			return nil, fmt.Errorf("punt read %s: %w", sock.path, err)
		}

		pkt, ok := p.decodeFrame(buf[:n], sock)
		if !ok {
			continue
		}

		return pkt, nil
	}
}

// waitReady polls all sockets plus the wake pipe and selects one readable
// socket: the socket at the advanced round-robin index if it is ready,
// otherwise the first ready socket in index order.
func (p *SocketPair) waitReady() (*puntSock, error) {
	pfds := make([]unix.PollFd, 0, len(p.socks)+1)
	for _, s := range p.socks {
		pfds = append(pfds, unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN})
	}
	pfds = append(pfds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})

	for {
		if _, err := unix.Poll(pfds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("punt poll: %w", err)
		}
		break
	}

	// Wake pipe readable (or already torn down) means Close was called.
	if pfds[len(pfds)-1].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return nil, fmt.Errorf("punt receive: %w", ErrClosed)
	}
	if p.closed.Load() {
		return nil, fmt.Errorf("punt receive: %w", ErrClosed)
	}

	p.rrIndex = (p.rrIndex + 1) % len(p.socks)
	if pfds[p.rrIndex].Revents&unix.POLLIN != 0 {
		return p.socks[p.rrIndex], nil
	}

	for i := range p.socks {
		if i == p.rrIndex {
			continue
		}
		if pfds[i].Revents&unix.POLLIN != 0 {
			p.rrIndex = i
			return p.socks[i], nil
		}
	}

	return nil, fmt.Errorf("punt receive: %w", ErrNotReady)
}

// decodeFrame deframes and parses one received datagram. Returns false
// when the datagram must be dropped.
func (p *SocketPair) decodeFrame(frame []byte, sock *puntSock) (*Packet, bool) {
	desc, datagram, err := DecodeRxFrame(frame)
	if err != nil {
		p.metrics.PuntDropped()
		p.logger.Warn("dropping malformed punt frame",
			slog.String("path", sock.path),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	pkt, err := DecodeDatagram(datagram)
	if err != nil {
		p.metrics.PuntDropped()
		p.logger.Warn("dropping invalid IP datagram from punt socket",
			slog.String("path", sock.path),
			slog.String("action", desc.Action.String()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	p.metrics.PuntReceived(len(pkt.Payload))
	p.logger.Debug("received punt packet",
		slog.String("src", pkt.Src.String()),
		slog.String("dst", pkt.Dst.String()),
		slog.Int("payload_len", len(pkt.Payload)),
	)

	return &pkt, true
}

// Send frames a logical packet and writes it to the VPP punt write socket.
// A source without an explicit port defaults to the configured IKE port.
// The punt action follows the destination address family; this path never
// emits L2 frames.
func (p *SocketPair) Send(pkt *Packet) error {
	if p.closed.Load() {
		return fmt.Errorf("punt send: %w", ErrClosed)
	}

	out := *pkt
	if out.Src.Port() == 0 {
		out.Src = netip.AddrPortFrom(out.Src.Addr(), p.cfg.Port)
	}

	action := ActionIPv6Routed
	if out.Dst.Addr().Unmap().Is4() {
		action = ActionIPv4Routed
	}

	datagram, err := EncodeDatagram(out)
	if err != nil {
		return fmt.Errorf("punt send: %w", err)
	}

	frame := EncodeTxFrame(action, datagram)
	dst := &unix.SockaddrUnix{Name: p.writePath}
	if err := unix.Sendto(p.socks[0].fd, frame, 0, dst); err != nil {
		// Close may have invalidated the descriptor under a racing write.
		if p.closed.Load() {
			return fmt.Errorf("punt send: %w", ErrClosed)
		}
		return fmt.Errorf("punt write %s: %w", p.writePath, err)
	}

	p.metrics.PuntSent(len(out.Payload))
	p.logger.Debug("sent punt packet",
		slog.String("src", out.Src.String()),
		slog.String("dst", out.Dst.String()),
		slog.String("action", action.String()),
	)

	return nil
}

// Port returns the NAT-T port when split mode is active and nat is
// requested; otherwise the primary IKE port.
func (p *SocketPair) Port(nat bool) uint16 {
	if nat && p.split {
		return p.cfg.NATTPort
	}
	return p.cfg.Port
}

// Split reports whether the pair operates two sockets.
func (p *SocketPair) Split() bool {
	return p.split
}

// WritePath returns the VPP write socket path discovered at construction.
func (p *SocketPair) WritePath() string {
	return p.writePath
}

// Close wakes any blocked Receive, closes all sockets, and removes their
// filesystem paths. Safe to call once; later calls return the first result.
func (p *SocketPair) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		// Wake a blocked Poll before tearing the sockets down.
		if p.wakeW >= 0 {
			_, _ = unix.Write(p.wakeW, []byte{0})
		}
		p.closeErr = p.cleanup()
		p.logger.Info("punt sockets closed")
	})
	return p.closeErr
}

// cleanup closes every open descriptor and unlinks bound socket paths.
// Used both by Close and by constructor failure paths. The socket slice
// and fd fields are left intact: Receive and Send may still be running,
// and a syscall racing the close observes EBADF instead of torn memory.
func (p *SocketPair) cleanup() error {
	var errs []error

	for _, s := range p.socks {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.path, err))
		}
		if err := unix.Unlink(s.path); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("unlink %s: %w", s.path, err))
		}
	}

	if p.wakeR >= 0 {
		unix.Close(p.wakeR)
	}
	if p.wakeW >= 0 {
		unix.Close(p.wakeW)
	}

	return errors.Join(errs...)
}
