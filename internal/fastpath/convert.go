package fastpath

import (
	"net/netip"

	"go.ligato.io/vpp-agent/v3/proto/ligato/configurator"
	vpp "go.ligato.io/vpp-agent/v3/proto/ligato/vpp"
	vpp_interfaces "go.ligato.io/vpp-agent/v3/proto/ligato/vpp/interfaces"
	vpp_ipsec "go.ligato.io/vpp-agent/v3/proto/ligato/vpp/ipsec"
	vpp_l3 "go.ligato.io/vpp-agent/v3/proto/ligato/vpp/l3"
	vpp_punt "go.ligato.io/vpp-agent/v3/proto/ligato/vpp/punt"
)

// Conversions between the bridge's boundary structs and the ligato proto
// model. Kept separate from the client so they can be tested without a
// gRPC connection.

// puntUpdate builds the configurator payload registering one punt-to-host
// socket. The registration punts every L3 protocol on the given UDP port.
func puntUpdate(port uint16, socketPath string) *configurator.Config {
	return &configurator.Config{
		VppConfig: &vpp.ConfigData{
			PuntTohosts: []*vpp_punt.ToHost{
				{
					L3Protocol: vpp_punt.L3Protocol_ALL,
					L4Protocol: vpp_punt.L4Protocol_UDP,
					Port:       uint32(port),
					SocketPath: socketPath,
				},
			},
		},
	}
}

// puntEntries extracts punt-to-host registrations from a dumped
// configuration.
func puntEntries(dump *configurator.Config) []PuntEntry {
	tohosts := dump.GetVppConfig().GetPuntTohosts()
	if len(tohosts) == 0 {
		return nil
	}

	entries := make([]PuntEntry, 0, len(tohosts))
	for _, th := range tohosts {
		entries = append(entries, PuntEntry{
			Port:       uint16(th.GetPort()),
			SocketPath: th.GetSocketPath(),
		})
	}
	return entries
}

// tunnelUpdate builds the configurator payload creating one enabled,
// unnumbered IPsec tunnel interface.
func tunnelUpdate(tn TunnelConfig) *configurator.Config {
	return &configurator.Config{
		VppConfig: &vpp.ConfigData{
			Interfaces: []*vpp_interfaces.Interface{
				{
					Name:    tn.Name,
					Type:    vpp_interfaces.Interface_IPSEC_TUNNEL,
					Enabled: true,
					Unnumbered: &vpp_interfaces.Interface_Unnumbered{
						InterfaceWithIp: tn.UnnumberedName,
					},
					Link: &vpp_interfaces.Interface_Ipsec{
						Ipsec: &vpp_interfaces.IPSecLink{
							LocalIp:         tn.LocalIP,
							RemoteIp:        tn.RemoteIP,
							LocalSpi:        tn.LocalSPI,
							RemoteSpi:       tn.RemoteSPI,
							CryptoAlg:       vpp_ipsec.CryptoAlg(tn.CryptoAlg),
							IntegAlg:        vpp_ipsec.IntegAlg(tn.IntegAlg),
							LocalCryptoKey:  tn.LocalCryptoKey,
							RemoteCryptoKey: tn.RemoteCryptoKey,
							LocalIntegKey:   tn.LocalIntegKey,
							RemoteIntegKey:  tn.RemoteIntegKey,
						},
					},
				},
			},
		},
	}
}

// tunnelDelete builds the configurator payload removing a tunnel interface.
// Deletion matches on interface name only.
func tunnelDelete(name string) *configurator.Config {
	return &configurator.Config{
		VppConfig: &vpp.ConfigData{
			Interfaces: []*vpp_interfaces.Interface{
				{
					Name: name,
					Type: vpp_interfaces.Interface_IPSEC_TUNNEL,
				},
			},
		},
	}
}

// routeUpdate builds the configurator payload for one static route.
func routeUpdate(rt RouteConfig) *configurator.Config {
	return &configurator.Config{
		VppConfig: &vpp.ConfigData{
			Routes: []*vpp_l3.Route{
				{
					DstNetwork:        rt.DstNetwork,
					NextHopAddr:       rt.NextHop,
					OutgoingInterface: rt.OutgoingInterface,
				},
			},
		},
	}
}

// interfaceByIP scans a dumped configuration for the interface owning ip.
// Interface addresses are reported in CIDR form; only the address part is
// compared.
func interfaceByIP(dump *configurator.Config, ip string) (string, bool) {
	want, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}

	for _, iface := range dump.GetVppConfig().GetInterfaces() {
		for _, cidr := range iface.GetIpAddresses() {
			pfx, err := netip.ParsePrefix(cidr)
			if err != nil {
				// Some interfaces report plain addresses.
				addr, aerr := netip.ParseAddr(cidr)
				if aerr == nil && addr == want {
					return iface.GetName(), true
				}
				continue
			}
			if pfx.Addr() == want {
				return iface.GetName(), true
			}
		}
	}

	return "", false
}
