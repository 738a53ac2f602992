package pipeline

import (
	"time"

	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/httpobj"
	"firestige.xyz/vtrace/internal/manifest"
)

// Stats contains per-run counters. The same numbers are exported through
// the run's Prometheus registry.
type Stats struct {
	Packets    int // TCP and UDP packets offered
	Accepted   int // payload packets reassembled
	Duplicates int // payload packets rejected as retransmissions
	Empty      int // packets without payload

	Sessions   int
	Incomplete int // sessions with gaps or missing handshake
	Degraded   int // sessions carrying labels

	Requests  int
	Responses int
	Objects   map[string]int // by status

	Mapper manifest.MapperStats

	Streams    int
	Stalls     int
	NearStalls int
	StallTime  float64

	Stages map[string]time.Duration
}

func (p *Pipeline) recordSessions(res *Result, packets []*core.Packet) {
	st := &res.Stats
	for _, pkt := range packets {
		if pkt.Transport != core.TransportTCP && pkt.Transport != core.TransportUDP {
			continue
		}
		st.Packets++
		if pkt.PayloadLen() == 0 {
			st.Empty++
		}
	}
	for _, s := range res.Sessions {
		st.Accepted += s.Accepted()
		state := "complete"
		if s.Incomplete() {
			st.Incomplete++
			state = "incomplete"
		}
		if s.Degraded() {
			st.Degraded++
		}
		p.metrics.SessionsTotal.WithLabelValues(s.Key.Transport.String(), state).Inc()
	}
	st.Sessions = len(res.Sessions)
	st.Duplicates = max(st.Packets-st.Empty-st.Accepted, 0)

	p.metrics.PacketsTotal.WithLabelValues("accepted").Add(float64(st.Accepted))
	p.metrics.PacketsTotal.WithLabelValues("duplicate").Add(float64(st.Duplicates))
	p.metrics.PacketsTotal.WithLabelValues("empty").Add(float64(st.Empty))
}

func (p *Pipeline) recordObjects(res *Result) {
	st := &res.Stats
	st.Objects = make(map[string]int)
	for _, o := range res.Objects {
		if o.Kind == httpobj.KindRequest {
			st.Requests++
		} else {
			st.Responses++
		}
		st.Objects[o.Status.String()]++
		p.metrics.ObjectsTotal.WithLabelValues(o.Kind.String(), o.Status.String()).Inc()
	}
}

func (p *Pipeline) recordMapper(res *Result, ms manifest.MapperStats) {
	res.Stats.Mapper = ms
	for _, m := range res.Manifests {
		p.metrics.ManifestsTotal.WithLabelValues(m.Dialect.String(), "parsed").Inc()
	}
	p.metrics.ManifestsTotal.WithLabelValues("", "deduplicated").Add(float64(ms.Deduplicated))
	p.metrics.ManifestsTotal.WithLabelValues("", "failed").Add(float64(ms.Failed))
	p.metrics.SegmentsTotal.WithLabelValues("mapped").Add(float64(ms.Events))
	p.metrics.SegmentsTotal.WithLabelValues("init").Add(float64(ms.InitSegments))
	p.metrics.SegmentsTotal.WithLabelValues("unmatched").Add(float64(ms.Unmatched))
}

func (p *Pipeline) recordStreams(res *Result) {
	st := &res.Stats
	st.Streams = len(res.Streams)
	for _, s := range res.Streams {
		sim := s.Simulation
		st.Stalls += len(sim.Stalls)
		st.NearStalls += len(sim.NearStalls)
		st.StallTime += sim.StallTime()
		for _, stall := range sim.Stalls {
			p.metrics.StallsTotal.WithLabelValues(s.ContentType).Inc()
			p.metrics.StallSeconds.WithLabelValues(s.ContentType).Observe(stall.Duration)
		}
	}
}
