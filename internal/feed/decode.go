package feed

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/vtrace/internal/core"
)

// frame is a decoded transport packet before direction is known.
type frame struct {
	ts        time.Time
	transport core.Transport
	src, dst  netip.AddrPort
	seq, ack  uint32
	flags     core.TCPFlags
	payload   []byte
}

// decoder decodes link frames into transport frames. Parsers for every
// supported first layer share one set of layer values.
type decoder struct {
	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth  layers.Ethernet
	sll  layers.LinuxSLL
	vlan layers.Dot1Q
	ip4  layers.IPv4
	ip6  layers.IPv6
	tcp  layers.TCP
	udp  layers.UDP

	frags *fragmenter

	stats decodeStats
}

type decodeStats struct {
	ipv4      uint64
	ipv6      uint64
	tcp       uint64
	udp       uint64
	fragments uint64
	skipped   uint64
}

func newDecoder(fragmentTimeout time.Duration) *decoder {
	d := &decoder{
		parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser),
		frags:   newFragmenter(fragmentTimeout),
	}
	for _, first := range []gopacket.LayerType{
		layers.LayerTypeEthernet, layers.LayerTypeLinuxSLL,
		layers.LayerTypeIPv4, layers.LayerTypeIPv6,
		layers.LayerTypeTCP, layers.LayerTypeUDP,
	} {
		p := gopacket.NewDecodingLayerParser(first,
			&d.eth, &d.sll, &d.vlan, &d.ip4, &d.ip6, &d.tcp, &d.udp)
		p.IgnoreUnsupported = true
		d.parsers[first] = p
	}
	return d
}

// firstLayer maps a capture link type to the layer the parser starts at.
// Raw captures pick IPv4 or IPv6 from the version nibble.
func firstLayer(lt layers.LinkType, data []byte) (gopacket.LayerType, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, true
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, true
	case layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4, true
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6, true
	case layers.LinkTypeRaw:
		if len(data) == 0 {
			return 0, false
		}
		switch data[0] >> 4 {
		case 4:
			return layers.LayerTypeIPv4, true
		case 6:
			return layers.LayerTypeIPv6, true
		}
	}
	return 0, false
}

// supportedLink reports whether frames of lt can be decoded.
func supportedLink(lt layers.LinkType) bool {
	switch lt {
	case layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL, layers.LinkTypeIPv4,
		layers.LinkTypeIPv6, layers.LinkTypeRaw:
		return true
	}
	return false
}

// decode returns the transport frame carried by data, or false when the
// frame carries no TCP or UDP packet, or is a fragment still waiting for
// the rest of its datagram.
func (d *decoder) decode(lt layers.LinkType, data []byte, ci gopacket.CaptureInfo) (*frame, bool) {
	first, ok := firstLayer(lt, data)
	if !ok {
		d.stats.skipped++
		return nil, false
	}
	if err := d.parsers[first].DecodeLayers(data, &d.decoded); err != nil && len(d.decoded) == 0 {
		d.stats.skipped++
		return nil, false
	}

	f := &frame{ts: ci.Timestamp}
	var src, dst netip.Addr
	for _, typ := range d.decoded {
		switch typ {
		case layers.LayerTypeIPv4:
			d.stats.ipv4++
			src, _ = netip.AddrFromSlice(d.ip4.SrcIP)
			dst, _ = netip.AddrFromSlice(d.ip4.DstIP)
			if isFragment(&d.ip4) {
				d.stats.fragments++
				return d.reassembled(f, src.Unmap(), dst.Unmap(), ci.Timestamp)
			}
		case layers.LayerTypeIPv6:
			d.stats.ipv6++
			src, _ = netip.AddrFromSlice(d.ip6.SrcIP)
			dst, _ = netip.AddrFromSlice(d.ip6.DstIP)
		case layers.LayerTypeTCP:
			d.stats.tcp++
			d.fillTCP(f)
		case layers.LayerTypeUDP:
			d.stats.udp++
			d.fillUDP(f)
		}
	}
	if f.transport == core.TransportUnknown || !src.IsValid() || !dst.IsValid() {
		d.stats.skipped++
		return nil, false
	}
	f.src = netip.AddrPortFrom(src.Unmap(), f.src.Port())
	f.dst = netip.AddrPortFrom(dst.Unmap(), f.dst.Port())
	return f, true
}

// reassembled feeds the current IPv4 fragment to the fragmenter and decodes
// the transport header of a completed datagram.
func (d *decoder) reassembled(f *frame, src, dst netip.Addr, ts time.Time) (*frame, bool) {
	payload, done := d.frags.add(&d.ip4, src, dst, ts)
	if !done {
		return nil, false
	}
	var first gopacket.LayerType
	switch d.ip4.Protocol {
	case layers.IPProtocolTCP:
		first = layers.LayerTypeTCP
	case layers.IPProtocolUDP:
		first = layers.LayerTypeUDP
	default:
		d.stats.skipped++
		return nil, false
	}
	if err := d.parsers[first].DecodeLayers(payload, &d.decoded); err != nil && len(d.decoded) == 0 {
		d.stats.skipped++
		return nil, false
	}
	if first == layers.LayerTypeTCP {
		d.stats.tcp++
		d.fillTCP(f)
	} else {
		d.stats.udp++
		d.fillUDP(f)
	}
	f.src = netip.AddrPortFrom(src, f.src.Port())
	f.dst = netip.AddrPortFrom(dst, f.dst.Port())
	return f, true
}

func (d *decoder) fillTCP(f *frame) {
	f.transport = core.TransportTCP
	f.src = netip.AddrPortFrom(netip.Addr{}, uint16(d.tcp.SrcPort))
	f.dst = netip.AddrPortFrom(netip.Addr{}, uint16(d.tcp.DstPort))
	f.seq = d.tcp.Seq
	f.ack = d.tcp.Ack
	f.flags = tcpFlags(&d.tcp)
	f.payload = bytes.Clone(d.tcp.LayerPayload())
}

func (d *decoder) fillUDP(f *frame) {
	f.transport = core.TransportUDP
	f.src = netip.AddrPortFrom(netip.Addr{}, uint16(d.udp.SrcPort))
	f.dst = netip.AddrPortFrom(netip.Addr{}, uint16(d.udp.DstPort))
	f.payload = bytes.Clone(d.udp.LayerPayload())
}

func tcpFlags(t *layers.TCP) core.TCPFlags {
	var f core.TCPFlags
	set := func(on bool, bit core.TCPFlags) {
		if on {
			f |= bit
		}
	}
	set(t.FIN, core.FlagFIN)
	set(t.SYN, core.FlagSYN)
	set(t.RST, core.FlagRST)
	set(t.PSH, core.FlagPSH)
	set(t.ACK, core.FlagACK)
	set(t.URG, core.FlagURG)
	return f
}

func isFragment(ip4 *layers.IPv4) bool {
	return ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset != 0
}
