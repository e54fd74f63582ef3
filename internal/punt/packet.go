package punt

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet is a logical network packet exchanged with the IKE protocol
// engine: UDP endpoints plus the transport payload, with all IP/UDP
// framing stripped.
type Packet struct {
	// Src and Dst are the UDP endpoints.
	Src netip.AddrPort
	Dst netip.AddrPort

	// Payload is the UDP payload (the IKE message).
	Payload []byte
}

// Codec errors.
var (
	// ErrNotIP indicates a datagram that is neither IPv4 nor IPv6.
	ErrNotIP = errors.New("datagram is not an IP packet")

	// ErrNotUDP indicates an IP datagram without a UDP transport header.
	ErrNotUDP = errors.New("datagram is not UDP")

	// ErrMixedFamily indicates source and destination of different
	// address families on encode.
	ErrMixedFamily = errors.New("source and destination address families differ")
)

// defaultHopLimit is the TTL/hop limit stamped on encoded datagrams.
const defaultHopLimit = 64

// DecodeDatagram parses a raw IP datagram into a Packet. The 8-byte UDP
// header is stripped; the remaining bytes become the payload.
//
// Malformed datagrams fail decoding outright; callers drop them instead of
// acting on a partial parse.
func DecodeDatagram(raw []byte) (Packet, error) {
	if len(raw) == 0 {
		return Packet{}, fmt.Errorf("decode datagram: %w: empty", ErrNotIP)
	}

	var first gopacket.LayerType
	switch raw[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return Packet{}, fmt.Errorf("decode datagram: %w: version %d", ErrNotIP, raw[0]>>4)
	}

	pkt := gopacket.NewPacket(raw, first, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		return Packet{}, fmt.Errorf("decode datagram: %w", errLayer.Error())
	}

	var srcIP, dstIP netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = addrFromIP(ip.SrcIP), addrFromIP(ip.DstIP)
	case *layers.IPv6:
		srcIP, dstIP = addrFromIP(ip.SrcIP), addrFromIP(ip.DstIP)
	default:
		return Packet{}, fmt.Errorf("decode datagram: %w", ErrNotIP)
	}

	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return Packet{}, fmt.Errorf("decode datagram: %w", ErrNotUDP)
	}

	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)

	return Packet{
		Src:     netip.AddrPortFrom(srcIP, uint16(udp.SrcPort)),
		Dst:     netip.AddrPortFrom(dstIP, uint16(udp.DstPort)),
		Payload: payload,
	}, nil
}

// EncodeDatagram builds a UDP-in-IP datagram from a Packet. Lengths and
// checksums are computed; the address family is chosen from the endpoints,
// which must match.
func EncodeDatagram(p Packet) ([]byte, error) {
	src := p.Src.Addr().Unmap()
	dst := p.Dst.Addr().Unmap()
	if src.Is4() != dst.Is4() {
		return nil, fmt.Errorf("encode datagram %s -> %s: %w", p.Src, p.Dst, ErrMixedFamily)
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(p.Src.Port()),
		DstPort: layers.UDPPort(p.Dst.Port()),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	var err error
	if src.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      defaultHopLimit,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
		if cerr := udp.SetNetworkLayerForChecksum(ip); cerr != nil {
			return nil, fmt.Errorf("encode datagram: %w", cerr)
		}
		err = gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(p.Payload))
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   defaultHopLimit,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
		if cerr := udp.SetNetworkLayerForChecksum(ip); cerr != nil {
			return nil, fmt.Errorf("encode datagram: %w", cerr)
		}
		err = gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(p.Payload))
	}
	if err != nil {
		return nil, fmt.Errorf("encode datagram %s -> %s: %w", p.Src, p.Dst, err)
	}

	return buf.Bytes(), nil
}

// addrFromIP converts a net.IP to netip.Addr, unmapping 4-in-6 forms.
func addrFromIP(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}
