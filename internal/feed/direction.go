package feed

import (
	"net/netip"

	"firestige.xyz/vtrace/internal/core"
)

// flowKey is a 4-tuple with its endpoints in canonical order, so both
// directions of a flow share a key.
type flowKey struct {
	transport core.Transport
	a, b      netip.AddrPort
}

func flowOf(f *frame) flowKey {
	a, b := f.src, f.dst
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return flowKey{transport: f.transport, a: a, b: b}
}

// directionResolver decides, per flow, which endpoint is the device.
// Rules in order: configured local networks, the SYN initiator, a private
// address facing a public one, the higher (ephemeral) port, and finally
// the sender of the first packet.
type directionResolver struct {
	local []netip.Prefix
	first map[flowKey]*frame
	syn   map[flowKey]netip.AddrPort
	cache map[flowKey]netip.AddrPort
}

func newDirectionResolver(local []netip.Prefix) *directionResolver {
	return &directionResolver{
		local: local,
		first: make(map[flowKey]*frame),
		syn:   make(map[flowKey]netip.AddrPort),
		cache: make(map[flowKey]netip.AddrPort),
	}
}

// learn records the first frame and the SYN initiator of every flow.
// frames must be in capture order.
func (r *directionResolver) learn(frames []*frame) {
	for _, f := range frames {
		k := flowOf(f)
		if _, ok := r.first[k]; !ok {
			r.first[k] = f
		}
		if f.transport != core.TransportTCP {
			continue
		}
		if _, ok := r.syn[k]; !ok && f.flags.Has(core.FlagSYN) && !f.flags.Has(core.FlagACK) {
			r.syn[k] = f.src
		}
	}
}

// direction returns the direction of f relative to the device.
func (r *directionResolver) direction(f *frame) core.Direction {
	k := flowOf(f)
	dev, ok := r.cache[k]
	if !ok {
		dev = r.device(k)
		r.cache[k] = dev
	}
	if f.src == dev {
		return core.Uplink
	}
	return core.Downlink
}

func (r *directionResolver) device(k flowKey) netip.AddrPort {
	if len(r.local) > 0 {
		aLocal, bLocal := r.isLocal(k.a.Addr()), r.isLocal(k.b.Addr())
		switch {
		case aLocal && !bLocal:
			return k.a
		case bLocal && !aLocal:
			return k.b
		}
	}
	if init, ok := r.syn[k]; ok {
		return init
	}
	aPriv, bPriv := isPrivate(k.a.Addr()), isPrivate(k.b.Addr())
	switch {
	case aPriv && !bPriv:
		return k.a
	case bPriv && !aPriv:
		return k.b
	}
	switch {
	case k.a.Port() > k.b.Port():
		return k.a
	case k.b.Port() > k.a.Port():
		return k.b
	}
	if f, ok := r.first[k]; ok {
		return f.src
	}
	return k.a
}

func (r *directionResolver) isLocal(addr netip.Addr) bool {
	for _, p := range r.local {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}
