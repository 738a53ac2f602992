package feed

import (
	"net/netip"
	"sort"
	"time"

	"github.com/google/gopacket/layers"
)

// fragmentKey identifies the fragments of one IPv4 datagram.
type fragmentKey struct {
	src, dst netip.Addr
	id       uint16
	protocol layers.IPProtocol
}

type fragment struct {
	offset int
	data   []byte
}

// fragmentBuffer collects the fragments of one datagram.
type fragmentBuffer struct {
	fragments []fragment
	total     int // known once the last fragment arrived, else -1
	firstSeen time.Time
}

// fragmenter reassembles IPv4 datagrams. A capture is read by one goroutine,
// so it needs no locking.
type fragmenter struct {
	buffers map[fragmentKey]*fragmentBuffer
	timeout time.Duration
	expired uint64
}

func newFragmenter(timeout time.Duration) *fragmenter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &fragmenter{
		buffers: make(map[fragmentKey]*fragmentBuffer),
		timeout: timeout,
	}
}

// add stores one fragment and returns the datagram payload once every byte
// of it has been seen. Duplicate offsets keep the first copy.
func (fr *fragmenter) add(ip4 *layers.IPv4, src, dst netip.Addr, ts time.Time) ([]byte, bool) {
	fr.expire(ts)

	key := fragmentKey{src: src, dst: dst, id: ip4.Id, protocol: ip4.Protocol}
	buf, ok := fr.buffers[key]
	if !ok {
		buf = &fragmentBuffer{total: -1, firstSeen: ts}
		fr.buffers[key] = buf
	}

	offset := int(ip4.FragOffset) * 8
	for _, f := range buf.fragments {
		if f.offset == offset {
			return nil, false
		}
	}
	buf.fragments = append(buf.fragments, fragment{offset: offset, data: append([]byte(nil), ip4.Payload...)})
	if ip4.Flags&layers.IPv4MoreFragments == 0 {
		buf.total = offset + len(ip4.Payload)
	}

	payload, done := buf.assemble()
	if done {
		delete(fr.buffers, key)
	}
	return payload, done
}

// assemble returns the datagram when the fragments cover [0, total).
func (b *fragmentBuffer) assemble() ([]byte, bool) {
	if b.total < 0 {
		return nil, false
	}
	sort.Slice(b.fragments, func(i, j int) bool { return b.fragments[i].offset < b.fragments[j].offset })
	covered := 0
	for _, f := range b.fragments {
		if f.offset > covered {
			return nil, false
		}
		covered = max(covered, f.offset+len(f.data))
	}
	if covered < b.total {
		return nil, false
	}

	payload := make([]byte, b.total)
	for _, f := range b.fragments {
		if f.offset < b.total {
			copy(payload[f.offset:], f.data)
		}
	}
	return payload, true
}

// expire drops datagrams whose first fragment is older than the timeout.
func (fr *fragmenter) expire(now time.Time) {
	for key, buf := range fr.buffers {
		if now.Sub(buf.firstSeen) > fr.timeout {
			delete(fr.buffers, key)
			fr.expired++
		}
	}
}
