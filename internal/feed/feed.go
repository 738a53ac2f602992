// Package feed reads pcap and pcapng captures into time-ordered packet
// records with the direction of every packet resolved relative to the
// capturing device.
package feed

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"

	"firestige.xyz/vtrace/internal/core"
)

// Options control how a capture is read.
type Options struct {
	// LocalNetworks are the device's address ranges. Traffic sourced there
	// is uplink. When empty, direction is inferred per flow.
	LocalNetworks []netip.Prefix
	// Ports keeps only packets with either port in the list. Empty keeps all.
	Ports []uint16
	// FragmentTimeout bounds IPv4 fragment reassembly. Zero means 30s.
	FragmentTimeout time.Duration
	// Filter is a classic BPF program run over every link-layer frame;
	// frames it rejects are dropped before decoding. See ParseBPF.
	Filter []bpf.RawInstruction
	Logger *slog.Logger
}

const ngMagic = 0x0A0D0D0A

// packetReader is the part of pcapgo.Reader and pcapgo.NgReader in use.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Open reads the capture at path.
func Open(path string, opts Options) ([]core.Packet, core.TraceInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.TraceInfo{}, fmt.Errorf("%w: %w", core.ErrCaptureOpen, err)
	}
	defer f.Close()

	packets, info, err := Read(f, opts)
	info.Path = path
	return packets, info, err
}

// Read reads a pcap or pcapng stream, chosen by its magic number.
func Read(r io.Reader, opts Options) ([]core.Packet, core.TraceInfo, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	vm, err := newFilter(opts.Filter)
	if err != nil {
		return nil, core.TraceInfo{}, err
	}

	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, core.TraceInfo{}, fmt.Errorf("%w: %w", core.ErrCaptureFormat, err)
	}

	var (
		src      packetReader
		linkType func(ci gopacket.CaptureInfo) layers.LinkType
	)
	if binary.LittleEndian.Uint32(magic) == ngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, core.TraceInfo{}, fmt.Errorf("%w: %w", core.ErrCaptureFormat, err)
		}
		src = ng
		linkType = func(ci gopacket.CaptureInfo) layers.LinkType {
			if intf, err := ng.Interface(ci.InterfaceIndex); err == nil {
				return intf.LinkType
			}
			return ng.LinkType()
		}
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, core.TraceInfo{}, fmt.Errorf("%w: %w", core.ErrCaptureFormat, err)
		}
		if !supportedLink(pr.LinkType()) {
			return nil, core.TraceInfo{}, fmt.Errorf("%w: link type %s", core.ErrCaptureFormat, pr.LinkType())
		}
		src = pr
		linkType = func(gopacket.CaptureInfo) layers.LinkType { return pr.LinkType() }
	}

	dec := newDecoder(opts.FragmentTimeout)
	var (
		frames []*frame
		info   core.TraceInfo
	)
	for {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A capture cut mid-record keeps what was read before.
			logger.Warn("capture truncated", "frames", info.Frames, "error", err)
			info.Truncated = true
			break
		}
		info.Frames++
		if !accept(vm, data) {
			info.Filtered++
			continue
		}
		f, ok := dec.decode(linkType(ci), data, ci)
		if !ok || !keepPorts(f, opts.Ports) {
			continue
		}
		frames = append(frames, f)
	}
	info.Skipped = int(dec.stats.skipped)
	if dec.frags.expired > 0 {
		logger.Debug("ipv4 fragments expired", "datagrams", dec.frags.expired)
	}

	packets := assemble(frames, opts.LocalNetworks, &info)
	logger.Info("capture read",
		"frames", info.Frames,
		"packets", info.Packets,
		"skipped", info.Skipped,
		"filtered", info.Filtered,
		"ipv4", dec.stats.ipv4,
		"ipv6", dec.stats.ipv6,
		"fragments", dec.stats.fragments,
		"duration", info.Duration)
	return packets, info, nil
}

func keepPorts(f *frame, ports []uint16) bool {
	if len(ports) == 0 {
		return true
	}
	return slices.Contains(ports, f.src.Port()) || slices.Contains(ports, f.dst.Port())
}

// assemble orders frames by capture time, resolves direction and converts
// them into packet records with trace-relative timestamps.
func assemble(frames []*frame, local []netip.Prefix, info *core.TraceInfo) []core.Packet {
	slices.SortStableFunc(frames, func(a, b *frame) int { return a.ts.Compare(b.ts) })
	if len(frames) == 0 {
		return nil
	}
	epoch := frames[0].ts
	info.Start = epoch
	info.Duration = frames[len(frames)-1].ts.Sub(epoch).Seconds()
	info.Packets = len(frames)

	dirs := newDirectionResolver(local)
	dirs.learn(frames)

	packets := make([]core.Packet, len(frames))
	for i, f := range frames {
		dir := dirs.direction(f)
		key := core.SessionKey{Transport: f.transport, Local: f.src, Remote: f.dst}
		if dir == core.Downlink {
			key.Local, key.Remote = f.dst, f.src
		}
		packets[i] = core.Packet{
			ID:        i,
			Timestamp: f.ts.Sub(epoch).Seconds(),
			Direction: dir,
			Transport: f.transport,
			Key:       key,
			Seq:       f.seq,
			Ack:       f.ack,
			Flags:     f.flags,
			Payload:   f.payload,
		}
	}
	return packets
}
