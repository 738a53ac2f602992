// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// Direction is the direction of a packet relative to the capturing device.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	Uplink                     // device -> remote
	Downlink                   // remote -> device
)

func (d Direction) String() string {
	switch d {
	case Uplink:
		return "uplink"
	case Downlink:
		return "downlink"
	default:
		return "unknown"
	}
}

// Transport is the L4 protocol of a packet or session.
type Transport uint8

const (
	TransportUnknown Transport = 0
	TransportTCP     Transport = 6  // IANA protocol number
	TransportUDP     Transport = 17 // IANA protocol number
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", uint8(t))
	}
}

// TCPFlags holds the lower six TCP flag bits (URG, ACK, PSH, RST, SYN, FIN).
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// Has reports whether all bits of f are set.
func (t TCPFlags) Has(f TCPFlags) bool { return t&f == f }

// SessionKey identifies one session. Local and Remote are already normalized
// to the device's point of view, so both directions of a flow share one key.
// Generation disambiguates reuse of the same 4-tuple within one trace.
type SessionKey struct {
	Transport  Transport
	Local      netip.AddrPort
	Remote     netip.AddrPort
	Generation int
}

// Tuple returns the key with the generation cleared.
func (k SessionKey) Tuple() SessionKey {
	k.Generation = 0
	return k
}

// IsZero reports whether the key was never assigned.
func (k SessionKey) IsZero() bool {
	return k.Transport == TransportUnknown && !k.Local.IsValid() && !k.Remote.IsValid()
}

func (k SessionKey) String() string {
	s := fmt.Sprintf("%s %s-%s", k.Transport, k.Local, k.Remote)
	if k.Generation > 0 {
		s += fmt.Sprintf("#%d", k.Generation)
	}
	return s
}
