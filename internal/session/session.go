// Package session groups packets into TCP/UDP sessions and reconstructs the
// ordered byte stream of each direction.
package session

import (
	"fmt"
	"strconv"

	"firestige.xyz/vtrace/internal/core"
)

// Session is a single TCP or UDP flow with its reconstructed byte streams.
type Session struct {
	Key     core.SessionKey
	Packets []*core.Packet // capture order

	Uplink   *Stream
	Downlink *Stream

	StartTime float64
	EndTime   float64

	SYNSeen bool
	FINSeen bool
	RSTSeen bool

	Labels core.Labels

	accepted int
	finished bool
}

// New creates an empty session for key.
func New(key core.SessionKey) *Session {
	return &Session{
		Key:      key,
		Uplink:   newStream(core.Uplink, key.Transport),
		Downlink: newStream(core.Downlink, key.Transport),
	}
}

// Add records pkt and appends its payload to the stream of its direction.
// Packets must be added in capture order. It reports whether the payload was
// accepted; pure ACKs and retransmissions whose sequence number is already
// held with an equal-or-longer payload are not.
func (s *Session) Add(pkt *core.Packet) bool {
	if len(s.Packets) == 0 {
		s.StartTime = pkt.Timestamp
	}
	if pkt.Timestamp > s.EndTime {
		s.EndTime = pkt.Timestamp
	}
	s.Packets = append(s.Packets, pkt)

	if s.Key.Transport == core.TransportTCP {
		switch {
		case pkt.Flags.Has(core.FlagSYN):
			s.SYNSeen = true
		case pkt.Flags.Has(core.FlagRST):
			s.RSTSeen = true
		case pkt.Flags.Has(core.FlagFIN):
			s.FINSeen = true
		}
	}

	ok := s.Stream(pkt.Direction).add(pkt)
	if ok {
		s.accepted++
	}
	return ok
}

// Finish commits held out-of-order data and labels the session when it is
// partial. It is idempotent.
func (s *Session) Finish() {
	if s.finished {
		return
	}
	s.finished = true
	s.Uplink.finish()
	s.Downlink.finish()

	if gaps := s.Uplink.Gaps() + s.Downlink.Gaps(); gaps > 0 {
		s.Labels.Set(core.LabelSessionGaps, strconv.Itoa(gaps))
	}
	if c := s.Uplink.Conflicts() + s.Downlink.Conflicts(); c > 0 {
		s.Labels.Set(core.LabelReassemblyConflict, strconv.Itoa(c))
	}
	switch {
	case s.Uplink.Wrapped() && s.Downlink.Wrapped():
		s.Labels.Set(core.LabelSessionWrapped, "both")
	case s.Uplink.Wrapped():
		s.Labels.Set(core.LabelSessionWrapped, core.Uplink.String())
	case s.Downlink.Wrapped():
		s.Labels.Set(core.LabelSessionWrapped, core.Downlink.String())
	}
	switch {
	case len(s.Packets) == 0:
		s.Labels.Set(core.LabelSessionIncomplete, "no packets")
	case s.Key.Transport == core.TransportTCP && !s.SYNSeen:
		s.Labels.Set(core.LabelSessionIncomplete, "handshake not captured")
	}
}

// Stream returns the stream for dir. Unknown directions map to downlink.
func (s *Session) Stream(dir core.Direction) *Stream {
	if dir == core.Uplink {
		return s.Uplink
	}
	return s.Downlink
}

// Err reports the reassembly conflicts found by Finish, or nil.
func (s *Session) Err() error {
	if c := s.Uplink.Conflicts() + s.Downlink.Conflicts(); c > 0 {
		return fmt.Errorf("%w: %d retransmission(s) with a different length", core.ErrReassemblyConflict, c)
	}
	return nil
}

// Accepted returns the number of packets whose payload was accepted.
func (s *Session) Accepted() int { return s.accepted }

// Incomplete reports whether the session was labelled partial.
func (s *Session) Incomplete() bool {
	_, ok := s.Labels[core.LabelSessionIncomplete]
	return ok
}

// Degraded reports whether any stage annotated the session.
func (s *Session) Degraded() bool { return len(s.Labels) > 0 }

// PacketIDs returns the packets whose committed bytes intersect [begin, end)
// of the given direction, in ascending offset order.
func (s *Session) PacketIDs(dir core.Direction, begin, end int) []int {
	return s.Stream(dir).PacketIDs(begin, end)
}
