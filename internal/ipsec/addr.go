package ipsec

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrNotIPv4 indicates a binary address that is not exactly 4 bytes long.
var ErrNotIPv4 = errors.New("address is not an IPv4 address")

// IPv4String converts a 4-byte binary address to dotted IPv4 text.
//
// This is the only path binary addresses take into tunnel descriptors and
// store keys, so any malformed input must fail here instead of propagating
// as a garbage key.
func IPv4String(raw []byte) (string, error) {
	if len(raw) != 4 {
		return "", fmt.Errorf("%w: %d bytes", ErrNotIPv4, len(raw))
	}
	return netip.AddrFrom4([4]byte(raw)).String(), nil
}
