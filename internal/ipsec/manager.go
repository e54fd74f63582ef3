package ipsec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/netgrove/vppbridge/internal/fastpath"
	bridgemetrics "github.com/netgrove/vppbridge/internal/metrics"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

// Sentinel errors for Manager operations.
var (
	// ErrNotSupported indicates an operation, mode, or algorithm the VPP
	// backend does not implement. Safe to report upward; no state changed.
	ErrNotSupported = errors.New("not supported by VPP backend")

	// ErrNotFound indicates a protocol ordering violation: the prior state
	// an operation requires (a cached inbound half, an established tunnel)
	// is missing.
	ErrNotFound = errors.New("required tunnel state not found")

	// ErrDuplicateTunnel indicates two completed tunnels collided on
	// (remote SPI, remote address). This is a protocol-level defect and
	// never silently overwrites.
	ErrDuplicateTunnel = errors.New("duplicate established tunnel key")
)

// ifNamePrefix prefixes generated tunnel interface names.
const ifNamePrefix = "tun-"

// -------------------------------------------------------------------------
// RouteManager — routing collaborator boundary
// -------------------------------------------------------------------------

// RouteManager abstracts the routing subsystem the manager borrows
// interface names from and installs tunnel routes through.
type RouteManager interface {
	// ResolveInterface returns the name of the interface owning addr.
	ResolveInterface(ctx context.Context, addr netip.Addr) (string, error)

	// AddRoute installs a route for subnet through the named interface.
	AddRoute(ctx context.Context, subnet netip.Prefix, ifName string) error

	// DelRoute removes a route previously installed by AddRoute.
	DelRoute(ctx context.Context, subnet netip.Prefix, ifName string) error
}

// -------------------------------------------------------------------------
// Manager — SA/tunnel lifecycle
// -------------------------------------------------------------------------

// Manager converts SA and policy events into VPP tunnel interfaces.
//
// Lifecycle per reqid: the inbound SA half caches a pending tunnel; the
// outbound half completes it, pushes it to VPP, and moves it into the
// established table; an outbound tunnel-mode policy installs the route; the
// matching policy delete removes route, tunnel, and local state.
//
// Multiple worker goroutines may invoke operations concurrently. The
// store's single mutex covers map access only; RPC calls and route
// programming happen outside the lock.
type Manager struct {
	client  fastpath.Client
	routes  RouteManager
	store   *Store
	spi     *SPIAllocator
	logger  *slog.Logger
	metrics *bridgemetrics.Collector

	installRoutes bool
	ifIndex       atomic.Uint32
	closeOnce     sync.Once
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithManagerMetrics wires a Prometheus collector into the manager.
func WithManagerMetrics(c *bridgemetrics.Collector) ManagerOption {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithRouteInstall enables or disables route management alongside
// policies. Enabled by default.
func WithRouteInstall(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.installRoutes = enabled
	}
}

// NewManager creates a Manager bound to the given fast-path client and
// routing collaborator. The only failure mode is SPI allocator seeding.
func NewManager(
	client fastpath.Client,
	routes RouteManager,
	logger *slog.Logger,
	opts ...ManagerOption,
) (*Manager, error) {
	spi, err := NewSPIAllocator()
	if err != nil {
		return nil, fmt.Errorf("create ipsec manager: %w", err)
	}

	m := &Manager{
		client:        client,
		routes:        routes,
		store:         NewStore(),
		spi:           spi,
		logger:        logger.With(slog.String("component", "ipsec.manager")),
		installRoutes: true,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// SPI returns a fresh locally-significant SPI. Never fails.
func (m *Manager) SPI() uint32 {
	return m.spi.Next()
}

// AddSA handles one half of an SA establishment event. The inbound half
// must arrive first; the outbound half completes the tunnel.
//
// Failure modes are distinct so callers can choose fallback behavior:
// ErrNotSupported for unsupported mode/algorithms (no state changed),
// ErrNotFound for an outbound half without its inbound counterpart, and
// generic errors for collaborator failures.
func (m *Manager) AddSA(ctx context.Context, sa SA) error {
	if sa.Mode != ModeTunnel {
		return fmt.Errorf("add sa reqid %d: non-tunnel mode: %w", sa.ReqID, ErrNotSupported)
	}

	if sa.Inbound {
		return m.addInbound(ctx, sa)
	}
	return m.addOutbound(ctx, sa)
}

// addInbound caches the inbound SA half as a pending tunnel keyed by reqid.
func (m *Manager) addInbound(ctx context.Context, sa SA) error {
	crypto, err := cryptoAlg(sa.EncrAlg, sa.EncrKey)
	if err != nil {
		return fmt.Errorf("add inbound sa reqid %d: %w", sa.ReqID, err)
	}

	integ, err := integAlg(sa.AuthAlg)
	if err != nil {
		return fmt.Errorf("add inbound sa reqid %d: %w", sa.ReqID, err)
	}

	// For an inbound SA, Dst is the local endpoint.
	localAddr, err := IPv4String(sa.Dst.Unmap().AsSlice())
	if err != nil {
		return fmt.Errorf("add inbound sa reqid %d: local address: %w", sa.ReqID, err)
	}
	remoteAddr, err := IPv4String(sa.Src.Unmap().AsSlice())
	if err != nil {
		return fmt.Errorf("add inbound sa reqid %d: remote address: %w", sa.ReqID, err)
	}

	unIfName, err := m.routes.ResolveInterface(ctx, sa.Dst)
	if err != nil {
		return fmt.Errorf("add inbound sa reqid %d: resolve interface for %s: %w",
			sa.ReqID, localAddr, err)
	}

	t := &Tunnel{
		IfName:         m.nextIfName(),
		UnIfName:       unIfName,
		LocalSPI:       sa.SPI,
		LocalAddr:      localAddr,
		RemoteAddr:     remoteAddr,
		CryptoAlg:      crypto,
		IntegAlg:       integ,
		LocalCryptoKey: hexKey(sa.EncrKey),
		LocalIntegKey:  hexKey(sa.AuthKey),
	}

	m.store.PutPending(sa.ReqID, t)
	m.metrics.TunnelsPendingInc()

	m.logger.Info("cached half-built tunnel",
		slog.Uint64("reqid", uint64(sa.ReqID)),
		slog.String("if_name", t.IfName),
		slog.String("local", localAddr),
		slog.String("remote", remoteAddr),
	)

	return nil
}

// addOutbound completes the pending tunnel for reqid, pushes it to VPP,
// and moves it into the established table. On RPC failure the tunnel is
// discarded, not retried; no route is installed.
func (m *Manager) addOutbound(ctx context.Context, sa SA) error {
	t, ok := m.store.RemovePending(sa.ReqID)
	if !ok {
		return fmt.Errorf("add outbound sa reqid %d: missing inbound SA: %w",
			sa.ReqID, ErrNotFound)
	}
	m.metrics.TunnelsPendingDec()

	t.RemoteSPI = sa.SPI
	t.RemoteCryptoKey = hexKey(sa.EncrKey)
	t.RemoteIntegKey = hexKey(sa.AuthKey)

	if err := m.client.PutTunnel(ctx, t.Config()); err != nil {
		m.metrics.RPCFailure("put_tunnel")
		return fmt.Errorf("add outbound sa reqid %d: create tunnel %s: %w",
			sa.ReqID, t.IfName, err)
	}

	if err := m.store.PutEstablished(t); err != nil {
		// The interface is already in VPP but cannot be tracked locally;
		// remove it rather than leave it dangling.
		if delErr := m.client.DelTunnel(ctx, t.IfName); delErr != nil {
			m.metrics.RPCFailure("del_tunnel")
			m.logger.Warn("failed to remove untracked tunnel interface",
				slog.String("if_name", t.IfName),
				slog.String("error", delErr.Error()),
			)
		}
		return fmt.Errorf("add outbound sa reqid %d: %w", sa.ReqID, err)
	}
	m.metrics.TunnelsEstablishedInc()

	m.logger.Info("established tunnel",
		slog.Uint64("reqid", uint64(sa.ReqID)),
		slog.String("if_name", t.IfName),
		slog.Uint64("local_spi", uint64(t.LocalSPI)),
		slog.Uint64("remote_spi", uint64(t.RemoteSPI)),
	)

	return nil
}

// DeleteSA is a no-op: tunnel teardown is driven by the policy delete,
// which owns both route removal and the remote tunnel delete.
func (m *Manager) DeleteSA(_ context.Context, _ SA) error {
	return nil
}

// AddPolicy installs the route for an outbound tunnel-mode IPsec policy.
// All other direction/type/mode combinations are a silent no-op: they are
// not applicable to route management. The tunnel must already be
// established; SA completion precedes policy installation.
func (m *Manager) AddPolicy(ctx context.Context, pol Policy) error {
	if !m.policyApplies(pol) {
		return nil
	}

	key, err := policyKey(pol)
	if err != nil {
		return fmt.Errorf("add policy: %w", err)
	}

	t, ok := m.store.GetEstablished(key)
	if !ok {
		return fmt.Errorf("add policy spi %#08x addr %s: tunnel not established: %w",
			key.RemoteSPI, key.RemoteAddr, ErrNotFound)
	}

	if err := m.routes.AddRoute(ctx, pol.DstTS, t.IfName); err != nil {
		return fmt.Errorf("add policy: route %s via %s: %w", pol.DstTS, t.IfName, err)
	}

	m.logger.Info("installed tunnel route",
		slog.String("subnet", pol.DstTS.String()),
		slog.String("if_name", t.IfName),
	)

	return nil
}

// DelPolicy tears down the tunnel behind an outbound tunnel-mode IPsec
// policy: the tunnel leaves the established table first, then the route is
// removed and the remote tunnel deleted.
//
// Local state is gone regardless of the remote results; a remote failure
// is still reported so the daemon can log the dangling fast-path state.
func (m *Manager) DelPolicy(ctx context.Context, pol Policy) error {
	if !m.policyApplies(pol) {
		return nil
	}

	key, err := policyKey(pol)
	if err != nil {
		return fmt.Errorf("del policy: %w", err)
	}

	t, ok := m.store.RemoveEstablished(key)
	if !ok {
		return fmt.Errorf("del policy spi %#08x addr %s: tunnel not established: %w",
			key.RemoteSPI, key.RemoteAddr, ErrNotFound)
	}
	m.metrics.TunnelsEstablishedDec()

	var errs []error
	if err := m.routes.DelRoute(ctx, pol.DstTS, t.IfName); err != nil {
		errs = append(errs, fmt.Errorf("del route %s via %s: %w", pol.DstTS, t.IfName, err))
	}

	if err := m.client.DelTunnel(ctx, t.IfName); err != nil {
		m.metrics.RPCFailure("del_tunnel")
		errs = append(errs, fmt.Errorf("delete tunnel %s: %w", t.IfName, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("del policy: %w", errors.Join(errs...))
	}

	m.logger.Info("removed tunnel",
		slog.String("if_name", t.IfName),
		slog.String("subnet", pol.DstTS.String()),
	)

	return nil
}

// policyApplies reports whether a policy participates in route management.
// Route management can be disabled wholesale by configuration.
func (m *Manager) policyApplies(pol Policy) bool {
	if !m.installRoutes {
		return false
	}
	return pol.Dir == PolicyOut && pol.Type == PolicyIPsec && pol.Mode == ModeTunnel
}

// policyKey derives the established-table key from a policy event.
func policyKey(pol Policy) (TunnelKey, error) {
	addr, err := IPv4String(pol.Dst.Unmap().AsSlice())
	if err != nil {
		return TunnelKey{}, fmt.Errorf("policy destination: %w", err)
	}
	return TunnelKey{RemoteSPI: pol.SPI, RemoteAddr: addr}, nil
}

// nextIfName generates a fresh tunnel interface name. Names are never
// reused within a process lifetime.
func (m *Manager) nextIfName() string {
	return fmt.Sprintf("%s%d", ifNamePrefix, m.ifIndex.Add(1)-1)
}

// -------------------------------------------------------------------------
// Unsupported operations
// -------------------------------------------------------------------------

// UpdateSA is not supported: the VPP backend does not implement address
// updates (MOBIKE/NAT mappings) on installed tunnels.
func (m *Manager) UpdateSA(_ context.Context, _ SA) error {
	return fmt.Errorf("update sa: %w", ErrNotSupported)
}

// QuerySA is not supported: VPP tunnel counters are not exposed here.
func (m *Manager) QuerySA(_ context.Context, _ SA) error {
	return fmt.Errorf("query sa: %w", ErrNotSupported)
}

// FlushSAs is not supported.
func (m *Manager) FlushSAs(_ context.Context) error {
	return fmt.Errorf("flush sas: %w", ErrNotSupported)
}

// QueryPolicy is not supported.
func (m *Manager) QueryPolicy(_ context.Context, _ Policy) error {
	return fmt.Errorf("query policy: %w", ErrNotSupported)
}

// FlushPolicies is not supported.
func (m *Manager) FlushPolicies(_ context.Context) error {
	return fmt.Errorf("flush policies: %w", ErrNotSupported)
}

// GetCPI is not supported: IPComp is not implemented by the backend.
func (m *Manager) GetCPI(_ context.Context) (uint16, error) {
	return 0, fmt.Errorf("get cpi: %w", ErrNotSupported)
}

// BypassSocket is not supported: IKE traffic is punted, not policied.
func (m *Manager) BypassSocket(_ int, _ int) error {
	return fmt.Errorf("bypass socket: %w", ErrNotSupported)
}

// EnableUDPDecap is not supported: NAT-T decapsulation happens in VPP.
func (m *Manager) EnableUDPDecap(_ int, _ int, _ uint16) error {
	return fmt.Errorf("enable udp decap: %w", ErrNotSupported)
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

// Close drops every pending and established tunnel. Safe to call once at
// shutdown; the surrounding daemon's shutdown ordering must ensure no
// lifecycle calls are in flight.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		pending, established := m.store.Flush()
		m.logger.Info("ipsec manager closed",
			slog.Int("pending_dropped", pending),
			slog.Int("established_dropped", established),
		)
	})
	return nil
}
