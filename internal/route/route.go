// Package route programs tunnel routes through the VPP agent.
//
// The IKE daemon has no kernel routing table to speak of on the fast path;
// interface resolution and route install/remove all go through the agent's
// configurator API.
package route

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/netgrove/vppbridge/internal/fastpath"
)

// Manager implements the routing collaborator over the fast-path client.
type Manager struct {
	client fastpath.Client
	logger *slog.Logger
}

// NewManager creates a route Manager backed by the given fast-path client.
func NewManager(client fastpath.Client, logger *slog.Logger) *Manager {
	return &Manager{
		client: client,
		logger: logger.With(slog.String("component", "route.manager")),
	}
}

// ResolveInterface returns the VPP interface owning addr. Tunnel
// interfaces borrow (unnumber against) the resolved interface.
func (m *Manager) ResolveInterface(ctx context.Context, addr netip.Addr) (string, error) {
	name, err := m.client.InterfaceNameByIP(ctx, addr.Unmap().String())
	if err != nil {
		return "", fmt.Errorf("resolve interface for %s: %w", addr, err)
	}

	m.logger.Debug("resolved interface",
		slog.String("addr", addr.String()),
		slog.String("if_name", name),
	)

	return name, nil
}

// AddRoute installs a route for subnet through the named interface.
func (m *Manager) AddRoute(ctx context.Context, subnet netip.Prefix, ifName string) error {
	return m.updateRoute(ctx, subnet, ifName, true)
}

// DelRoute removes a route previously installed by AddRoute.
func (m *Manager) DelRoute(ctx context.Context, subnet netip.Prefix, ifName string) error {
	return m.updateRoute(ctx, subnet, ifName, false)
}

// updateRoute translates the subnet/interface pair into a fast-path route
// update. Routes carry no next hop: traffic is steered by the tunnel
// interface itself.
func (m *Manager) updateRoute(ctx context.Context, subnet netip.Prefix, ifName string, add bool) error {
	if !subnet.IsValid() {
		return fmt.Errorf("update route via %s: invalid subnet", ifName)
	}

	rt := fastpath.RouteConfig{
		DstNetwork:        subnet.Masked().String(),
		OutgoingInterface: ifName,
	}

	if err := m.client.UpdateRoute(ctx, rt, add); err != nil {
		return fmt.Errorf("update route %s via %s: %w", subnet, ifName, err)
	}

	op := "removed"
	if add {
		op = "installed"
	}
	m.logger.Info("route "+op,
		slog.String("subnet", rt.DstNetwork),
		slog.String("if_name", ifName),
	)

	return nil
}
