// Package ipsec implements the SA/tunnel lifecycle bridge between an IKE
// daemon's kernel-interface events and the VPP data plane.
//
// An IPsec SA arrives in two halves: the inbound half first, carrying local
// SPI and key material, then the outbound half carrying the remote side.
// The two halves combine into a tunnel interface descriptor pushed to VPP
// through the fastpath client. Policy events drive route install/remove
// tied to the tunnel interface lifetime.
package ipsec

import (
	"encoding/hex"
	"fmt"
	"net/netip"

	vpp_ipsec "go.ligato.io/vpp-agent/v3/proto/ligato/vpp/ipsec"

	"github.com/netgrove/vppbridge/internal/fastpath"
)

// -------------------------------------------------------------------------
// SA / Policy event vocabulary
// -------------------------------------------------------------------------

// Mode is the IPsec encapsulation mode of an SA.
type Mode uint8

// SA modes. Only tunnel mode is supported by the VPP backend.
const (
	ModeTransport Mode = iota
	ModeTunnel
	ModeBEET
)

// EncrAlg is an IKEv2 encryption transform identifier (RFC 7296 Section 3.3.2).
type EncrAlg uint16

// Supported encryption transforms.
const (
	EncrNull   EncrAlg = 11
	EncrAESCBC EncrAlg = 12
)

// AuthAlg is an IKEv2 integrity transform identifier (RFC 7296 Section 3.3.2).
type AuthAlg uint16

// Supported integrity transforms.
const (
	AuthNone           AuthAlg = 0
	AuthHMACMD5_96     AuthAlg = 1
	AuthHMACSHA1_96    AuthAlg = 2
	AuthHMACSHA2_256   AuthAlg = 12
	AuthHMACSHA2_384   AuthAlg = 13
	AuthHMACSHA2_512   AuthAlg = 14
)

// SA describes one half of an IPsec Security Association as delivered by
// the IKE daemon's kernel-interface abstraction.
type SA struct {
	// ReqID is the opaque request identifier pairing the two SA halves.
	ReqID uint32

	// Inbound is true for the inbound half, which always arrives first.
	Inbound bool

	// SPI is the SA's SPI in host byte order.
	SPI uint32

	// Mode is the encapsulation mode. Only ModeTunnel is supported.
	Mode Mode

	// Src and Dst are the SA endpoints. For an inbound SA, Dst is the
	// local address and Src the remote peer.
	Src netip.Addr
	Dst netip.Addr

	// EncrAlg and EncrKey are the encryption transform and raw key.
	EncrAlg EncrAlg
	EncrKey []byte

	// AuthAlg and AuthKey are the integrity transform and raw key.
	AuthAlg AuthAlg
	AuthKey []byte
}

// PolicyDir is the direction of an IPsec policy.
type PolicyDir uint8

// Policy directions.
const (
	PolicyIn PolicyDir = iota
	PolicyOut
	PolicyFwd
)

// PolicyType distinguishes IPsec policies from pass/drop shunts.
type PolicyType uint8

// Policy types.
const (
	PolicyIPsec PolicyType = iota
	PolicyPass
	PolicyDrop
)

// Policy describes an IPsec policy event. Only outbound tunnel-mode IPsec
// policies are relevant to route management; everything else is ignored.
type Policy struct {
	// Dir is the policy direction.
	Dir PolicyDir

	// Type is the policy type.
	Type PolicyType

	// Mode is the mode of the SA the policy refers to.
	Mode Mode

	// SPI is the remote SPI of the SA in host byte order.
	SPI uint32

	// Dst is the remote SA endpoint.
	Dst netip.Addr

	// DstTS is the destination traffic selector subnet the policy covers.
	DstTS netip.Prefix
}

// -------------------------------------------------------------------------
// Tunnel — paired SA halves
// -------------------------------------------------------------------------

// TunnelKey identifies an established tunnel by its remote half. Two
// tunnels may never share a key; a collision indicates a protocol-level
// defect upstream.
type TunnelKey struct {
	RemoteSPI  uint32
	RemoteAddr string
}

// Tunnel is the pairing of an inbound and an outbound SA half. It is
// mutable only between the two AddSA calls that build it; once pushed to
// the fast path it is treated as an immutable snapshot.
type Tunnel struct {
	// IfName is the generated tunnel interface name, unique for the
	// process lifetime.
	IfName string

	// UnIfName is the interface the tunnel borrows its address from.
	UnIfName string

	// LocalSPI and RemoteSPI are host byte order SPIs.
	LocalSPI  uint32
	RemoteSPI uint32

	// LocalAddr and RemoteAddr are textual IPv4 addresses.
	LocalAddr  string
	RemoteAddr string

	// CryptoAlg and IntegAlg are VPP algorithm identifiers.
	CryptoAlg vpp_ipsec.CryptoAlg
	IntegAlg  vpp_ipsec.IntegAlg

	// Hex-encoded key material, local and remote halves.
	LocalCryptoKey  string
	RemoteCryptoKey string
	LocalIntegKey   string
	RemoteIntegKey  string
}

// Key returns the established-table key of the tunnel.
func (t *Tunnel) Key() TunnelKey {
	return TunnelKey{RemoteSPI: t.RemoteSPI, RemoteAddr: t.RemoteAddr}
}

// Config returns the immutable fast-path descriptor of the tunnel.
func (t *Tunnel) Config() fastpath.TunnelConfig {
	return fastpath.TunnelConfig{
		Name:            t.IfName,
		UnnumberedName:  t.UnIfName,
		LocalIP:         t.LocalAddr,
		RemoteIP:        t.RemoteAddr,
		LocalSPI:        t.LocalSPI,
		RemoteSPI:       t.RemoteSPI,
		CryptoAlg:       int32(t.CryptoAlg),
		IntegAlg:        int32(t.IntegAlg),
		LocalCryptoKey:  t.LocalCryptoKey,
		RemoteCryptoKey: t.RemoteCryptoKey,
		LocalIntegKey:   t.LocalIntegKey,
		RemoteIntegKey:  t.RemoteIntegKey,
	}
}

// -------------------------------------------------------------------------
// Algorithm vocabulary mapping
// -------------------------------------------------------------------------

// cryptoAlg maps an IKEv2 encryption transform to the VPP vocabulary.
// AES-CBC key length selects the concrete VPP algorithm; anything outside
// NULL and AES-CBC-{128,192,256} is unsupported.
func cryptoAlg(alg EncrAlg, key []byte) (vpp_ipsec.CryptoAlg, error) {
	switch alg {
	case EncrNull:
		return vpp_ipsec.CryptoAlg_NONE_CRYPTO, nil
	case EncrAESCBC:
		switch len(key) * 8 {
		case 128:
			return vpp_ipsec.CryptoAlg_AES_CBC_128, nil
		case 192:
			return vpp_ipsec.CryptoAlg_AES_CBC_192, nil
		case 256:
			return vpp_ipsec.CryptoAlg_AES_CBC_256, nil
		default:
			return 0, fmt.Errorf("%w: AES-CBC key length %d bits",
				ErrNotSupported, len(key)*8)
		}
	default:
		return 0, fmt.Errorf("%w: encryption transform %d", ErrNotSupported, alg)
	}
}

// integAlg maps an IKEv2 integrity transform to the VPP vocabulary.
func integAlg(alg AuthAlg) (vpp_ipsec.IntegAlg, error) {
	switch alg {
	case AuthNone:
		return vpp_ipsec.IntegAlg_NONE_INTEG, nil
	case AuthHMACMD5_96:
		return vpp_ipsec.IntegAlg_MD5_96, nil
	case AuthHMACSHA1_96:
		return vpp_ipsec.IntegAlg_SHA1_96, nil
	case AuthHMACSHA2_256:
		return vpp_ipsec.IntegAlg_SHA_256_128, nil
	case AuthHMACSHA2_384:
		return vpp_ipsec.IntegAlg_SHA_384_192, nil
	case AuthHMACSHA2_512:
		return vpp_ipsec.IntegAlg_SHA_512_256, nil
	default:
		return 0, fmt.Errorf("%w: integrity transform %d", ErrNotSupported, alg)
	}
}

// hexKey encodes raw key material as the hex octet string VPP expects.
func hexKey(key []byte) string {
	return hex.EncodeToString(key)
}
