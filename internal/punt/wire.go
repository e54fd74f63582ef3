// Package punt implements the datagram bridge between the IKE daemon and
// VPP punt sockets.
//
// VPP punts IKE/NAT-T UDP datagrams to local unix datagram sockets, framed
// as a packet descriptor, a synthetic ethernet header, and the raw IP
// datagram. Outbound datagrams travel the reverse path with a matching
// descriptor prefix and no ethernet header.
package punt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Action selects how VPP forwards an injected frame.
type Action uint32

// Punt frame actions.
const (
	ActionL2 Action = iota
	ActionIPv4Routed
	ActionIPv6Routed
)

// String returns the action name for logging.
func (a Action) String() string {
	switch a {
	case ActionL2:
		return "l2"
	case ActionIPv4Routed:
		return "ipv4-routed"
	case ActionIPv6Routed:
		return "ipv6-routed"
	default:
		return fmt.Sprintf("action(%d)", uint32(a))
	}
}

// Wire layout sizes. The descriptor is two 4-byte fields in network byte
// order; the ethernet header on received frames is synthetic and carries
// no semantic content.
const (
	descSize     = 8
	etherSize    = 14
	rxHeaderSize = descSize + etherSize
)

// Framing errors.
var (
	// ErrShortFrame indicates a received frame shorter than its headers.
	ErrShortFrame = errors.New("punt frame shorter than descriptor headers")

	// ErrUnknownAction indicates a descriptor action outside the known set.
	ErrUnknownAction = errors.New("unknown punt action")
)

// Descriptor is the fixed prefix of every punt frame.
type Descriptor struct {
	// SwIfIndex is the logical interface index. Always zero on transmit;
	// carries the VPP RX interface on receive.
	SwIfIndex uint32

	// Action is the forwarding action.
	Action Action
}

// EncodeTxFrame prepends a transmit descriptor to a raw IP datagram.
// Transmit frames carry no ethernet header and always use interface
// index zero.
func EncodeTxFrame(action Action, datagram []byte) []byte {
	frame := make([]byte, descSize+len(datagram))
	binary.BigEndian.PutUint32(frame[0:4], 0)
	binary.BigEndian.PutUint32(frame[4:8], uint32(action))
	copy(frame[descSize:], datagram)
	return frame
}

// DecodeRxFrame splits a received frame into its descriptor and the raw IP
// datagram, discarding the synthetic ethernet header in between.
func DecodeRxFrame(frame []byte) (Descriptor, []byte, error) {
	if len(frame) < rxHeaderSize {
		return Descriptor{}, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}

	desc := Descriptor{
		SwIfIndex: binary.BigEndian.Uint32(frame[0:4]),
		Action:    Action(binary.BigEndian.Uint32(frame[4:8])),
	}
	if desc.Action > ActionIPv6Routed {
		return Descriptor{}, nil, fmt.Errorf("%w: %d", ErrUnknownAction, uint32(desc.Action))
	}

	return desc, frame[rxHeaderSize:], nil
}
