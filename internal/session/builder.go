package session

import (
	"context"
	"log/slog"
	"runtime"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"firestige.xyz/vtrace/internal/core"
)

// Config contains session builder configuration.
type Config struct {
	MaxWorkers int // sessions reassembled concurrently (default GOMAXPROCS)
	Logger     *slog.Logger
}

// tupleState tracks the live generation of one 4-tuple.
type tupleState struct {
	generation int
	closed     bool // FIN or RST seen on the current generation
	payload    bool // payload seen on the current generation
}

// Builder assigns packets to sessions and reassembles them.
type Builder struct {
	cfg      Config
	logger   *slog.Logger
	tuples   map[core.SessionKey]*tupleState
	sessions map[core.SessionKey]*Session
	order    []core.SessionKey
}

// NewBuilder creates a session builder.
func NewBuilder(cfg Config) *Builder {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:      cfg,
		logger:   logger,
		tuples:   make(map[core.SessionKey]*tupleState),
		sessions: make(map[core.SessionKey]*Session),
	}
}

// Assign returns the session key for pkt and records it on the packet. A bare
// SYN on a tuple whose current session was closed, or already carried payload,
// starts a new generation of that tuple.
func (b *Builder) Assign(pkt *core.Packet) core.SessionKey {
	if !pkt.Session.IsZero() {
		return pkt.Session
	}
	tuple := pkt.Key.Tuple()
	st, ok := b.tuples[tuple]
	if !ok {
		st = &tupleState{}
		b.tuples[tuple] = st
	} else if pkt.Transport == core.TransportTCP &&
		pkt.Flags.Has(core.FlagSYN) && !pkt.Flags.Has(core.FlagACK) &&
		(st.closed || st.payload) {
		st.generation++
		st.closed = false
		st.payload = false
	}
	if pkt.Flags.Has(core.FlagFIN) || pkt.Flags.Has(core.FlagRST) {
		st.closed = true
	}
	if len(pkt.Payload) > 0 {
		st.payload = true
	}

	key := tuple
	key.Generation = st.generation
	pkt.Session = key
	return key
}

// AddPacket appends pkt to the session identified by key, creating the
// session on first use. It reports whether the payload was accepted.
func (b *Builder) AddPacket(key core.SessionKey, pkt *core.Packet) bool {
	s, ok := b.sessions[key]
	if !ok {
		s = New(key)
		b.sessions[key] = s
		b.order = append(b.order, key)
	}
	if pkt.Session.IsZero() {
		pkt.Session = key
	}
	return s.Add(pkt)
}

// Sessions finishes and returns every session created through AddPacket,
// in order of first appearance.
func (b *Builder) Sessions() []*Session {
	out := make([]*Session, 0, len(b.order))
	for _, k := range b.order {
		s := b.sessions[k]
		s.Finish()
		out = append(out, s)
	}
	return out
}

// Build groups packets (capture order) into sessions and reassembles every
// session concurrently, each one owned by a single worker. The returned
// sessions are sorted by start time.
func (b *Builder) Build(ctx context.Context, packets []*core.Packet) ([]*Session, error) {
	groups := make(map[core.SessionKey][]*core.Packet)
	var order []core.SessionKey
	for _, pkt := range packets {
		if pkt.Transport != core.TransportTCP && pkt.Transport != core.TransportUDP {
			continue
		}
		key := b.Assign(pkt)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], pkt)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := pool.NewWithResults[*Session]().WithMaxGoroutines(b.cfg.MaxWorkers)
	for _, key := range order {
		pkts := groups[key]
		p.Go(func() *Session {
			s := New(key)
			for _, pkt := range pkts {
				s.Add(pkt)
			}
			s.Finish()
			return s
		})
	}
	sessions := p.Wait()

	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].StartTime != sessions[j].StartTime {
			return sessions[i].StartTime < sessions[j].StartTime
		}
		return sessions[i].Key.String() < sessions[j].Key.String()
	})

	for _, s := range sessions {
		if s.Degraded() {
			b.logger.Debug("session degraded", "session", s.Key.String(), "labels", s.Labels)
		}
		if err := s.Err(); err != nil {
			b.logger.Warn("reassembly conflict", "session", s.Key.String(), "error", err)
		}
	}
	b.logger.Info("sessions built", "packets", len(packets), "sessions", len(sessions))
	return sessions, nil
}
