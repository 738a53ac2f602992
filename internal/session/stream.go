package session

import (
	"sort"

	"firestige.xyz/vtrace/internal/core"
)

const (
	seqSpace    = uint64(1) << 32
	seqHalfSpan = uint32(1) << 31
)

// Chunk records which packet produced a committed byte range of a stream.
type Chunk struct {
	Offset    int // first byte in the stream buffer
	Size      int
	PacketID  int
	Timestamp float64
}

// End returns the offset one past the chunk.
func (c Chunk) End() int { return c.Offset + c.Size }

// segment is an accepted TCP segment keyed by its corrected sequence number.
type segment struct {
	seq       uint64
	pkt       *core.Packet
	committed bool
}

func (s *segment) end() uint64 { return s.seq + uint64(len(s.pkt.Payload)) }

// Stream is the reconstructed byte stream of one direction of a session.
//
// The buffer and the chunk list only ever grow: once a byte range has been
// committed it is never rewritten.
type Stream struct {
	dir       core.Direction
	transport core.Transport

	buf    []byte
	chunks []Chunk // ascending Offset

	// TCP state
	segments  []*segment // ascending seq, one entry per corrected seq
	pending   []*segment // accepted but not yet contiguous, ascending seq
	started   bool
	next      uint64 // next expected corrected seq
	maxRaw    uint32
	wrapped   bool
	gaps      int
	conflicts int
}

func newStream(dir core.Direction, transport core.Transport) *Stream {
	return &Stream{dir: dir, transport: transport}
}

// Direction returns the stream direction.
func (s *Stream) Direction() core.Direction { return s.dir }

// Bytes returns the committed bytes. Callers must not modify the result.
func (s *Stream) Bytes() []byte { return s.buf }

// Len returns the number of committed bytes.
func (s *Stream) Len() int { return len(s.buf) }

// Chunks returns the offset map. Callers must not modify the result.
func (s *Stream) Chunks() []Chunk { return s.chunks }

// Gaps returns the number of sequence holes skipped when the stream was finished.
func (s *Stream) Gaps() int { return s.gaps }

// Conflicts returns the number of retransmissions whose payload length
// differs from the copy already recorded at the same sequence number.
func (s *Stream) Conflicts() int { return s.conflicts }

// Wrapped reports whether a 32-bit sequence wraparound was corrected.
func (s *Stream) Wrapped() bool { return s.wrapped }

// correctSeq maps a raw sequence number into the stream's monotonically
// increasing space. The first time the recorded maximum drops by more than
// half the sequence space, the stream is considered wrapped and later
// low-half sequence numbers are shifted by 2^32. High-half numbers seen after
// the wrap are retransmissions of pre-wrap data and keep their raw value.
func (s *Stream) correctSeq(raw uint32) uint64 {
	if !s.wrapped {
		if s.started && raw < s.maxRaw && s.maxRaw-raw > seqHalfSpan {
			s.wrapped = true
			s.maxRaw = raw
			return uint64(raw) + seqSpace
		}
		if raw > s.maxRaw || !s.started {
			s.maxRaw = raw
		}
		return uint64(raw)
	}
	if raw >= seqHalfSpan {
		return uint64(raw)
	}
	if raw > s.maxRaw {
		s.maxRaw = raw
	}
	return uint64(raw) + seqSpace
}

// add records a packet and commits whatever bytes became contiguous.
// It reports whether the packet was accepted.
func (s *Stream) add(pkt *core.Packet) bool {
	if len(pkt.Payload) == 0 {
		return false
	}
	if s.transport != core.TransportTCP {
		s.commit(pkt, 0)
		return true
	}

	seq := s.correctSeq(pkt.Seq)
	if !s.started {
		s.started = true
		s.next = seq
	}

	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].seq >= seq })
	seg := &segment{seq: seq, pkt: pkt}
	if i < len(s.segments) && s.segments[i].seq == seq {
		existing := s.segments[i]
		if len(existing.pkt.Payload) == len(pkt.Payload) {
			return false
		}
		if len(existing.pkt.Payload) > len(pkt.Payload) {
			// Shorter copy: its bytes are already held.
			s.conflicts++
			return false
		}
		// Longer copy at the same sequence number: committed bytes stay as
		// first seen and the new copy contributes only the bytes beyond them.
		s.conflicts++
		if !existing.committed {
			s.removePending(existing)
		}
		s.segments[i] = seg
	} else {
		s.segments = append(s.segments, nil)
		copy(s.segments[i+1:], s.segments[i:])
		s.segments[i] = seg
	}

	if seq <= s.next {
		s.commitSegment(seg)
		s.drain()
	} else {
		s.hold(seg)
	}
	return true
}

// hold queues an out-of-order segment until the hole before it is filled.
func (s *Stream) hold(seg *segment) {
	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].seq >= seg.seq })
	s.pending = append(s.pending, nil)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = seg
}

func (s *Stream) removePending(seg *segment) {
	for i, p := range s.pending {
		if p == seg {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// commitSegment appends the not yet committed tail of seg.
func (s *Stream) commitSegment(seg *segment) {
	seg.committed = true
	if seg.end() <= s.next {
		return
	}
	skip := 0
	if seg.seq < s.next {
		skip = int(s.next - seg.seq)
	}
	s.commit(seg.pkt, skip)
	s.next = seg.end()
}

// drain commits held segments that became contiguous.
func (s *Stream) drain() {
	n := 0
	for n < len(s.pending) && s.pending[n].seq <= s.next {
		s.commitSegment(s.pending[n])
		n++
	}
	s.pending = s.pending[n:]
}

// finish commits the remaining out-of-order segments, skipping holes.
func (s *Stream) finish() {
	for _, seg := range s.pending {
		if seg.seq > s.next {
			s.gaps++
			s.next = seg.seq
		}
		s.commitSegment(seg)
	}
	s.pending = nil
}

func (s *Stream) commit(pkt *core.Packet, skip int) {
	data := pkt.Payload[skip:]
	s.chunks = append(s.chunks, Chunk{
		Offset:    len(s.buf),
		Size:      len(data),
		PacketID:  pkt.ID,
		Timestamp: pkt.Timestamp,
	})
	s.buf = append(s.buf, data...)
}

// PacketIDs returns the ids of every packet whose committed (offset, size)
// interval intersects [begin, end), in ascending offset order.
func (s *Stream) PacketIDs(begin, end int) []int {
	if begin >= end {
		return nil
	}
	i := sort.Search(len(s.chunks), func(i int) bool { return s.chunks[i].End() > begin })
	var ids []int
	for ; i < len(s.chunks) && s.chunks[i].Offset < end; i++ {
		ids = append(ids, s.chunks[i].PacketID)
	}
	return ids
}

// ChunkAt returns the chunk holding the byte at offset.
func (s *Stream) ChunkAt(offset int) (Chunk, bool) {
	i := sort.Search(len(s.chunks), func(i int) bool { return s.chunks[i].End() > offset })
	if i == len(s.chunks) || s.chunks[i].Offset > offset || offset < 0 {
		return Chunk{}, false
	}
	return s.chunks[i], true
}

// TimeAt returns the capture timestamp of the packet holding offset.
func (s *Stream) TimeAt(offset int) (float64, bool) {
	c, ok := s.ChunkAt(offset)
	return c.Timestamp, ok
}
