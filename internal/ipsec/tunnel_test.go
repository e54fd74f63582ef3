package ipsec_test

import (
	"errors"
	"testing"

	vpp_ipsec "go.ligato.io/vpp-agent/v3/proto/ligato/vpp/ipsec"

	"github.com/netgrove/vppbridge/internal/ipsec"
)

// TestIPv4String verifies binary-to-text address conversion, including the
// strict 4-byte length requirement.
func TestIPv4String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     []byte
		want    string
		wantErr bool
	}{
		{name: "loopback", raw: []byte{127, 0, 0, 1}, want: "127.0.0.1"},
		{name: "zeros", raw: []byte{0, 0, 0, 0}, want: "0.0.0.0"},
		{name: "broadcast", raw: []byte{255, 255, 255, 255}, want: "255.255.255.255"},
		{name: "private", raw: []byte{10, 1, 2, 3}, want: "10.1.2.3"},
		{name: "nil", raw: nil, wantErr: true},
		{name: "empty", raw: []byte{}, wantErr: true},
		{name: "short", raw: []byte{10, 0, 0}, wantErr: true},
		{name: "ipv6 length", raw: make([]byte, 16), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ipsec.IPv4String(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("IPv4String(%v): expected error, got %q", tt.raw, got)
				}
				if !errors.Is(err, ipsec.ErrNotIPv4) {
					t.Errorf("IPv4String(%v): error %v not ErrNotIPv4", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("IPv4String(%v): unexpected error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("IPv4String(%v) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

// TestTunnelKey verifies that the established-table key is derived from
// the remote half only.
func TestTunnelKey(t *testing.T) {
	t.Parallel()

	tn := &ipsec.Tunnel{
		IfName:     "tun-3",
		LocalSPI:   0xc0000001,
		RemoteSPI:  0xabcdef01,
		LocalAddr:  "192.0.2.1",
		RemoteAddr: "198.51.100.7",
	}

	key := tn.Key()
	if key.RemoteSPI != 0xabcdef01 {
		t.Errorf("key remote SPI = 0x%08X, want 0xABCDEF01", key.RemoteSPI)
	}
	if key.RemoteAddr != "198.51.100.7" {
		t.Errorf("key remote addr = %q, want %q", key.RemoteAddr, "198.51.100.7")
	}
}

// TestTunnelConfig verifies the fast-path descriptor carries every tunnel
// field through unchanged.
func TestTunnelConfig(t *testing.T) {
	t.Parallel()

	tn := &ipsec.Tunnel{
		IfName:          "tun-0",
		UnIfName:        "GigabitEthernet0/8/0",
		LocalSPI:        0xc0000001,
		RemoteSPI:       0x00001001,
		LocalAddr:       "192.0.2.1",
		RemoteAddr:      "198.51.100.7",
		CryptoAlg:       vpp_ipsec.CryptoAlg_AES_CBC_256,
		IntegAlg:        vpp_ipsec.IntegAlg_SHA_256_128,
		LocalCryptoKey:  "00112233",
		RemoteCryptoKey: "44556677",
		LocalIntegKey:   "8899aabb",
		RemoteIntegKey:  "ccddeeff",
	}

	cfg := tn.Config()

	if cfg.Name != "tun-0" {
		t.Errorf("config name = %q, want %q", cfg.Name, "tun-0")
	}
	if cfg.UnnumberedName != "GigabitEthernet0/8/0" {
		t.Errorf("config unnumbered name = %q, want %q", cfg.UnnumberedName, "GigabitEthernet0/8/0")
	}
	if cfg.LocalIP != "192.0.2.1" || cfg.RemoteIP != "198.51.100.7" {
		t.Errorf("config endpoints = %q/%q, want 192.0.2.1/198.51.100.7", cfg.LocalIP, cfg.RemoteIP)
	}
	if cfg.LocalSPI != 0xc0000001 || cfg.RemoteSPI != 0x00001001 {
		t.Errorf("config SPIs = 0x%08X/0x%08X, want 0xC0000001/0x00001001", cfg.LocalSPI, cfg.RemoteSPI)
	}
	if cfg.CryptoAlg != int32(vpp_ipsec.CryptoAlg_AES_CBC_256) {
		t.Errorf("config crypto alg = %d, want %d", cfg.CryptoAlg, vpp_ipsec.CryptoAlg_AES_CBC_256)
	}
	if cfg.IntegAlg != int32(vpp_ipsec.IntegAlg_SHA_256_128) {
		t.Errorf("config integ alg = %d, want %d", cfg.IntegAlg, vpp_ipsec.IntegAlg_SHA_256_128)
	}
	if cfg.LocalCryptoKey != "00112233" || cfg.RemoteCryptoKey != "44556677" {
		t.Errorf("config crypto keys = %q/%q", cfg.LocalCryptoKey, cfg.RemoteCryptoKey)
	}
	if cfg.LocalIntegKey != "8899aabb" || cfg.RemoteIntegKey != "ccddeeff" {
		t.Errorf("config integ keys = %q/%q", cfg.LocalIntegKey, cfg.RemoteIntegKey)
	}
}
