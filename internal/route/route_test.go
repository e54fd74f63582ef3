package route_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"

	"github.com/netgrove/vppbridge/internal/fastpath"
	"github.com/netgrove/vppbridge/internal/route"
)

// fakeClient records route and interface calls.
type fakeClient struct {
	mu      sync.Mutex
	updates []routeUpdate

	ifName string
	ifErr  error
	rtErr  error
}

type routeUpdate struct {
	cfg fastpath.RouteConfig
	add bool
}

func (f *fakeClient) RegisterPunt(_ context.Context, _ uint16, _ string) error { return nil }
func (f *fakeClient) DumpPunts(_ context.Context) ([]fastpath.PuntEntry, error) {
	return nil, nil
}
func (f *fakeClient) PutTunnel(_ context.Context, _ fastpath.TunnelConfig) error { return nil }
func (f *fakeClient) DelTunnel(_ context.Context, _ string) error                { return nil }

func (f *fakeClient) UpdateRoute(_ context.Context, rt fastpath.RouteConfig, add bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rtErr != nil {
		return f.rtErr
	}
	f.updates = append(f.updates, routeUpdate{cfg: rt, add: add})
	return nil
}

func (f *fakeClient) InterfaceNameByIP(_ context.Context, _ string) (string, error) {
	if f.ifErr != nil {
		return "", f.ifErr
	}
	return f.ifName, nil
}

func (f *fakeClient) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestResolveInterface verifies address-to-interface resolution passes
// through the fast-path client.
func TestResolveInterface(t *testing.T) {
	t.Parallel()

	client := &fakeClient{ifName: "GigabitEthernet0/8/0"}
	mgr := route.NewManager(client, testLogger())

	name, err := mgr.ResolveInterface(testContext(t), netip.MustParseAddr("192.0.2.1"))
	if err != nil {
		t.Fatalf("ResolveInterface: unexpected error: %v", err)
	}
	if name != "GigabitEthernet0/8/0" {
		t.Errorf("interface = %q, want GigabitEthernet0/8/0", name)
	}
}

// TestResolveInterfaceFailure verifies lookup failures wrap the client
// error.
func TestResolveInterfaceFailure(t *testing.T) {
	t.Parallel()

	client := &fakeClient{ifErr: fastpath.ErrInterfaceNotFound}
	mgr := route.NewManager(client, testLogger())

	_, err := mgr.ResolveInterface(testContext(t), netip.MustParseAddr("192.0.2.1"))
	if !errors.Is(err, fastpath.ErrInterfaceNotFound) {
		t.Errorf("error = %v, want ErrInterfaceNotFound", err)
	}
}

// TestAddDelRoute verifies route install/remove issue interface routes
// with the subnet in canonical masked form and no next hop.
func TestAddDelRoute(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	mgr := route.NewManager(client, testLogger())

	// Non-canonical prefix: host bits set.
	subnet := netip.MustParsePrefix("10.0.0.7/24")

	if err := mgr.AddRoute(testContext(t), subnet, "tun-0"); err != nil {
		t.Fatalf("AddRoute: unexpected error: %v", err)
	}
	if err := mgr.DelRoute(testContext(t), subnet, "tun-0"); err != nil {
		t.Fatalf("DelRoute: unexpected error: %v", err)
	}

	if len(client.updates) != 2 {
		t.Fatalf("route updates = %d, want 2", len(client.updates))
	}

	add, del := client.updates[0], client.updates[1]
	if !add.add || del.add {
		t.Errorf("update flags = (%v, %v), want (true, false)", add.add, del.add)
	}
	for _, u := range client.updates {
		if u.cfg.DstNetwork != "10.0.0.0/24" {
			t.Errorf("dst network = %q, want masked 10.0.0.0/24", u.cfg.DstNetwork)
		}
		if u.cfg.OutgoingInterface != "tun-0" {
			t.Errorf("outgoing interface = %q, want tun-0", u.cfg.OutgoingInterface)
		}
		if u.cfg.NextHop != "" {
			t.Errorf("next hop = %q, want empty", u.cfg.NextHop)
		}
	}
}

// TestUpdateRouteInvalidSubnet verifies the zero prefix is rejected
// before reaching the fast path.
func TestUpdateRouteInvalidSubnet(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	mgr := route.NewManager(client, testLogger())

	if err := mgr.AddRoute(testContext(t), netip.Prefix{}, "tun-0"); err == nil {
		t.Error("AddRoute accepted an invalid subnet")
	}
	if len(client.updates) != 0 {
		t.Error("invalid subnet reached the fast path")
	}
}

// TestUpdateRouteClientFailure verifies fast-path rejections surface.
func TestUpdateRouteClientFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("agent unavailable")
	client := &fakeClient{rtErr: wantErr}
	mgr := route.NewManager(client, testLogger())

	err := mgr.AddRoute(testContext(t), netip.MustParsePrefix("10.0.0.0/24"), "tun-0")
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
}
