// Package fastpath wraps the VPP agent configurator gRPC API.
//
// The IKE daemon does not program VPP directly; every data-plane mutation
// (punt socket registrations, IPsec tunnel interfaces, routes) goes through
// the agent's configurator service. This package exposes the small slice of
// that API the bridge needs behind a Client interface so the tunnel and punt
// layers can be tested without a running agent.
package fastpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.ligato.io/vpp-agent/v3/proto/ligato/configurator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
)

// -------------------------------------------------------------------------
// Client Interface
// -------------------------------------------------------------------------

// Client abstracts the VPP agent operations needed by the bridge.
// This interface enables testing without a running VPP agent.
type Client interface {
	// RegisterPunt registers a punt-to-host socket in VPP: UDP datagrams
	// arriving on port are punted to the unix socket at socketPath.
	RegisterPunt(ctx context.Context, port uint16, socketPath string) error

	// DumpPunts returns the punt-to-host registrations currently known to
	// VPP, including the agent-side socket path datagrams must be written to.
	DumpPunts(ctx context.Context) ([]PuntEntry, error)

	// PutTunnel creates an IPsec tunnel interface in VPP.
	PutTunnel(ctx context.Context, tn TunnelConfig) error

	// DelTunnel removes a previously created IPsec tunnel interface by name.
	DelTunnel(ctx context.Context, name string) error

	// UpdateRoute installs (add=true) or removes (add=false) a static route.
	UpdateRoute(ctx context.Context, rt RouteConfig, add bool) error

	// InterfaceNameByIP resolves the VPP interface owning the given IP
	// address. Used to borrow an address for unnumbered tunnel interfaces.
	InterfaceNameByIP(ctx context.Context, ip string) (string, error)

	// Close releases the underlying gRPC connection.
	Close() error
}

// PuntEntry describes one punt-to-host registration reported by VPP.
type PuntEntry struct {
	// Port is the punted UDP port.
	Port uint16

	// SocketPath is the unix socket path bound to the registration.
	SocketPath string
}

// TunnelConfig is the immutable descriptor of an IPsec tunnel interface
// pushed to VPP. Keys are hex-encoded octet strings; algorithm identifiers
// use the agent's IPsec vocabulary.
type TunnelConfig struct {
	// Name is the tunnel interface name, unique within the agent.
	Name string

	// UnnumberedName is the interface the tunnel borrows its IP from.
	UnnumberedName string

	// LocalIP and RemoteIP are textual IPv4 addresses.
	LocalIP  string
	RemoteIP string

	// LocalSPI and RemoteSPI are host byte order SPIs.
	LocalSPI  uint32
	RemoteSPI uint32

	// CryptoAlg and IntegAlg are the agent's algorithm identifiers
	// (ligato.vpp.ipsec CryptoAlg/IntegAlg values).
	CryptoAlg int32
	IntegAlg  int32

	// Hex-encoded key material, one half per direction.
	LocalCryptoKey  string
	RemoteCryptoKey string
	LocalIntegKey   string
	RemoteIntegKey  string
}

// RouteConfig describes a static route bound to a tunnel interface.
type RouteConfig struct {
	// DstNetwork is the destination subnet in CIDR form.
	DstNetwork string

	// NextHop is the optional next-hop address.
	NextHop string

	// OutgoingInterface is the VPP interface the route egresses through.
	OutgoingInterface string
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("fastpath client is closed")

	// ErrDialFailed indicates the gRPC dial to the VPP agent failed.
	ErrDialFailed = errors.New("vpp agent gRPC dial failed")

	// ErrInterfaceNotFound indicates no VPP interface owns the given IP.
	ErrInterfaceNotFound = errors.New("no interface with matching IP address")
)

// -------------------------------------------------------------------------
// GRPCClient — production VPP agent client
// -------------------------------------------------------------------------

// GRPCClient connects to the VPP agent's configurator gRPC API and
// implements the Client interface.
//
// The underlying gRPC connection uses insecure credentials (plaintext)
// because the agent's API is accessed on localhost in production
// deployments.
type GRPCClient struct {
	conn   *grpc.ClientConn
	api    configurator.ConfiguratorServiceClient
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// GRPCClientConfig holds connection parameters for the VPP agent client.
type GRPCClientConfig struct {
	// Addr is the agent's gRPC listen address (e.g., "127.0.0.1:9111").
	Addr string

	// DialTimeout bounds each connection attempt to the agent. Connection
	// establishment is lazy, so the bound applies whenever gRPC (re)dials
	// under an RPC. Zero keeps the gRPC default.
	DialTimeout time.Duration
}

// NewGRPCClient creates a new VPP agent gRPC client.
//
// The connection uses grpc.NewClient with insecure credentials and lazy
// connection establishment (grpc.NewClient does not block); actual
// connectivity is verified on the first RPC call, which in this daemon is
// the punt registration retry loop.
func NewGRPCClient(cfg GRPCClientConfig, logger *slog.Logger) (*GRPCClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("create fastpath client: %w: empty address", ErrDialFailed)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: cfg.DialTimeout,
		}))
	}

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("create fastpath client to %s: %w: %w", cfg.Addr, ErrDialFailed, err)
	}

	client := &GRPCClient{
		conn: conn,
		api:  configurator.NewConfiguratorServiceClient(conn),
		logger: logger.With(
			slog.String("component", "fastpath.client"),
			slog.String("addr", cfg.Addr),
		),
	}

	client.logger.Info("vpp agent gRPC client created",
		slog.String("target", cfg.Addr),
	)

	return client, nil
}

// RegisterPunt registers a punt-to-host socket for the given UDP port.
func (c *GRPCClient) RegisterPunt(ctx context.Context, port uint16, socketPath string) error {
	if err := c.checkOpen(); err != nil {
		return fmt.Errorf("register punt port %d: %w", port, err)
	}

	req := &configurator.UpdateRequest{
		Update: puntUpdate(port, socketPath),
	}
	if _, err := c.api.Update(ctx, req); err != nil {
		return fmt.Errorf("register punt port %d at %s: %w", port, socketPath, err)
	}

	c.logger.Info("registered punt socket",
		slog.Uint64("port", uint64(port)),
		slog.String("socket_path", socketPath),
	)

	return nil
}

// DumpPunts lists the punt-to-host registrations known to VPP.
func (c *GRPCClient) DumpPunts(ctx context.Context) ([]PuntEntry, error) {
	if err := c.checkOpen(); err != nil {
		return nil, fmt.Errorf("dump punts: %w", err)
	}

	resp, err := c.api.Dump(ctx, &configurator.DumpRequest{})
	if err != nil {
		return nil, fmt.Errorf("dump punts: %w", err)
	}

	return puntEntries(resp.GetDump()), nil
}

// PutTunnel creates an IPsec tunnel interface in VPP.
func (c *GRPCClient) PutTunnel(ctx context.Context, tn TunnelConfig) error {
	if err := c.checkOpen(); err != nil {
		return fmt.Errorf("put tunnel %s: %w", tn.Name, err)
	}

	req := &configurator.UpdateRequest{
		Update: tunnelUpdate(tn),
	}
	if _, err := c.api.Update(ctx, req); err != nil {
		return fmt.Errorf("put tunnel %s: %w", tn.Name, err)
	}

	c.logger.Info("created tunnel interface",
		slog.String("name", tn.Name),
		slog.String("remote_ip", tn.RemoteIP),
	)

	return nil
}

// DelTunnel removes an IPsec tunnel interface from VPP by name.
func (c *GRPCClient) DelTunnel(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return fmt.Errorf("del tunnel %s: %w", name, err)
	}

	req := &configurator.DeleteRequest{
		Delete: tunnelDelete(name),
	}
	if _, err := c.api.Delete(ctx, req); err != nil {
		return fmt.Errorf("del tunnel %s: %w", name, err)
	}

	c.logger.Info("deleted tunnel interface",
		slog.String("name", name),
	)

	return nil
}

// UpdateRoute installs or removes a static route in VPP.
func (c *GRPCClient) UpdateRoute(ctx context.Context, rt RouteConfig, add bool) error {
	if err := c.checkOpen(); err != nil {
		return fmt.Errorf("update route %s: %w", rt.DstNetwork, err)
	}

	cfg := routeUpdate(rt)
	if add {
		if _, err := c.api.Update(ctx, &configurator.UpdateRequest{Update: cfg}); err != nil {
			return fmt.Errorf("add route %s via %s: %w", rt.DstNetwork, rt.OutgoingInterface, err)
		}
	} else {
		if _, err := c.api.Delete(ctx, &configurator.DeleteRequest{Delete: cfg}); err != nil {
			return fmt.Errorf("del route %s via %s: %w", rt.DstNetwork, rt.OutgoingInterface, err)
		}
	}

	c.logger.Info("updated route",
		slog.String("dst", rt.DstNetwork),
		slog.String("interface", rt.OutgoingInterface),
		slog.Bool("add", add),
	)

	return nil
}

// InterfaceNameByIP resolves the VPP interface owning the given IP address.
// Returns ErrInterfaceNotFound when no dumped interface carries the address.
func (c *GRPCClient) InterfaceNameByIP(ctx context.Context, ip string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", fmt.Errorf("interface by ip %s: %w", ip, err)
	}

	resp, err := c.api.Dump(ctx, &configurator.DumpRequest{})
	if err != nil {
		return "", fmt.Errorf("interface by ip %s: %w", ip, err)
	}

	name, ok := interfaceByIP(resp.GetDump(), ip)
	if !ok {
		return "", fmt.Errorf("interface by ip %s: %w", ip, ErrInterfaceNotFound)
	}

	return name, nil
}

// Close releases the underlying gRPC connection. After Close, all methods
// return ErrClientClosed.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close fastpath client: %w", err)
	}

	c.logger.Info("vpp agent gRPC client closed")

	return nil
}

// checkOpen returns ErrClientClosed once Close has been called.
func (c *GRPCClient) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClientClosed
	}
	return nil
}
