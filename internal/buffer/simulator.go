// Package buffer replays segment arrivals against a simple player model to
// find stalls, near-stalls and the startup delay of one video stream.
package buffer

import (
	"log/slog"
	"math"
	"sort"

	"firestige.xyz/vtrace/internal/manifest"
)

// Options parameterise one simulation.
type Options struct {
	// StartupDelay is added to the first arrival to get the playback start.
	StartupDelay float64
	// NearStallWindow flags arrivals that extend the buffer with less than
	// this many seconds left.
	NearStallWindow float64
	// TraceEnd closes a trailing stall when more segments were expected.
	TraceEnd float64
	// ExpectedSegments is the number of segments the stream announces, 0
	// when unknown.
	ExpectedSegments int
}

// Point is one sample of a buffer series.
type Point struct {
	Time  float64
	Value float64
}

// Stall is an interval during which the player had nothing to play.
type Stall struct {
	Start    float64
	End      float64
	Duration float64
	// Segment is the segment the player waited for. Event is nil when that
	// segment never arrived.
	Segment uint64
	Event   *manifest.VideoEvent
	// AtTraceEnd is set when the stall was closed by the end of the trace.
	AtTraceEnd bool
}

// NearStall is an arrival that came with less than the guard window of
// buffer left.
type NearStall struct {
	Time   float64
	Margin float64
	Event  *manifest.VideoEvent
}

// Result is the outcome of one simulation.
type Result struct {
	StartupEvent  *manifest.VideoEvent
	PlaybackStart float64
	PlaybackEnd   float64
	// StartupDelay is the playback start minus the first request time.
	StartupDelay float64
	// PlaybackTime is PlaybackEnd minus PlaybackStart. It equals the sum of
	// stall durations and PlayedSeconds.
	PlaybackTime  float64
	PlayedSeconds float64
	Played        []*manifest.VideoEvent // in play order
	Redundant     []*manifest.VideoEvent // later copies of played segments
	Skipped       []*manifest.VideoEvent // partial or without a duration

	Stalls     []Stall
	NearStalls []NearStall

	// BufferSeconds and BufferBytes sample the contiguous buffered content
	// at every event. An arrival yields a sample before and after the jump.
	BufferSeconds []Point
	BufferBytes   []Point

	Stats Stats
}

// StallTime returns the summed stall durations.
func (r *Result) StallTime() float64 {
	var total float64
	for _, s := range r.Stalls {
		total += s.Duration
	}
	return total
}

// Simulator runs buffer simulations. It holds no per-run state.
type Simulator struct {
	opts   Options
	logger *slog.Logger
}

// New creates a simulator. A nil logger uses slog.Default().
func New(opts Options, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	opts.StartupDelay = math.Max(opts.StartupDelay, 0)
	opts.NearStallWindow = math.Max(opts.NearStallWindow, 0)
	return &Simulator{opts: opts, logger: logger}
}

// item is one playable segment.
type item struct {
	ev       *manifest.VideoEvent
	arrival  float64
	duration float64
	bytes    float64
	arrived  bool
	start    float64 // scheduled play start once queued
}

// Run simulates playback of events, which may be in any order.
func (s *Simulator) Run(events []*manifest.VideoEvent) *Result {
	res := &Result{}
	items := selectPlayable(events, res)
	if len(items) == 0 {
		return res
	}

	st := &state{opts: s.opts, items: items, res: res}
	st.run(firstRequest(events))
	res.Stats = computeStats(res, items)

	s.logger.Debug("buffer simulation",
		"segments", len(items),
		"stalls", len(res.Stalls),
		"stall_time", res.StallTime(),
		"near_stalls", len(res.NearStalls),
		"startup_delay", res.StartupDelay)
	return res
}

// selectPlayable keeps the earliest complete copy of each segment, in play
// order, and files the rest under Redundant or Skipped.
func selectPlayable(events []*manifest.VideoEvent, res *Result) []*item {
	best := make(map[uint64]*manifest.VideoEvent)
	var usable []*manifest.VideoEvent
	for _, ev := range events {
		if ev.Partial || ev.Duration <= 0 {
			res.Skipped = append(res.Skipped, ev)
			continue
		}
		usable = append(usable, ev)
		cur, ok := best[ev.Segment]
		if !ok || ev.LastByteTime < cur.LastByteTime ||
			(ev.LastByteTime == cur.LastByteTime && ev.RequestTime < cur.RequestTime) {
			best[ev.Segment] = ev
		}
	}
	for _, ev := range usable {
		if best[ev.Segment] != ev {
			res.Redundant = append(res.Redundant, ev)
		}
	}

	items := make([]*item, 0, len(best))
	for _, ev := range best {
		items = append(items, &item{
			ev:       ev,
			arrival:  ev.LastByteTime,
			duration: ev.Duration,
			bytes:    float64(ev.Bytes),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ev.Segment < items[j].ev.Segment })
	return items
}

func firstRequest(events []*manifest.VideoEvent) float64 {
	first := math.Inf(1)
	for _, ev := range events {
		first = math.Min(first, ev.RequestTime)
	}
	return first
}

// state is the mutable part of one run.
type state struct {
	opts  Options
	items []*item
	res   *Result

	started  bool
	playing  bool
	stalled  bool
	finished bool

	// tail is the first segment in play order not yet queued; every
	// segment before it has arrived.
	tail int
	// head is the first queued segment not yet fully played.
	head int
	// bufEnd is when the queued content runs out while playing.
	bufEnd float64

	stallStart float64
}

func (st *state) run(firstRequest float64) {
	n := len(st.items)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return st.items[order[a]].arrival < st.items[order[b]].arrival
	})

	startup := st.items[order[0]]
	t0 := startup.arrival + st.opts.StartupDelay
	st.res.StartupEvent = startup.ev
	st.res.PlaybackStart = t0
	st.res.StartupDelay = t0 - firstRequest

	inf := math.Inf(1)
	for k := 0; ; {
		nextArrival := inf
		if k < n {
			nextArrival = st.items[order[k]].arrival
		}
		nextStart := inf
		if !st.started {
			nextStart = t0
		}
		nextBoundary := inf
		if st.playing {
			nextBoundary = st.bufEnd
		}

		// Ties: arrivals first, so content arriving exactly when the buffer
		// runs dry does not open a zero-length stall.
		switch {
		case k < n && nextArrival <= nextStart && nextArrival <= nextBoundary:
			st.arrive(order[k], nextArrival)
			k++
		case !st.started:
			st.start(t0)
		case st.playing:
			st.boundary(nextBoundary)
		default:
			return
		}
		if st.finished {
			return
		}
	}
}

// start begins playback at t with whatever arrived contiguously.
func (st *state) start(t float64) {
	st.started = true
	if st.tail == 0 {
		st.openStall(t)
		st.sample(t)
		return
	}
	end := t
	for i := 0; i < st.tail; i++ {
		st.items[i].start = end
		end += st.items[i].duration
	}
	st.playing = true
	st.bufEnd = end
	st.sample(t)
}

// arrive records the arrival of item i at t.
func (st *state) arrive(i int, t float64) {
	it := st.items[i]
	it.arrived = true
	st.sample(t)

	switch {
	case !st.started:
		for st.tail < len(st.items) && st.items[st.tail].arrived {
			st.tail++
		}

	case st.stalled:
		if i != st.tail {
			break
		}
		st.res.Stalls = append(st.res.Stalls, Stall{
			Start:    st.stallStart,
			End:      t,
			Duration: t - st.stallStart,
			Segment:  it.ev.Segment,
			Event:    it.ev,
		})
		st.stalled = false
		st.playing = true
		st.bufEnd = t
		st.extend()

	case st.playing:
		if i != st.tail {
			break
		}
		if margin := st.bufEnd - t; margin < st.opts.NearStallWindow {
			st.res.NearStalls = append(st.res.NearStalls, NearStall{Time: t, Margin: margin, Event: it.ev})
		}
		st.extend()
	}
	st.sample(t)
}

// extend queues every arrived segment from tail on.
func (st *state) extend() {
	for st.tail < len(st.items) && st.items[st.tail].arrived {
		it := st.items[st.tail]
		it.start = st.bufEnd
		st.bufEnd += it.duration
		st.tail++
	}
}

// boundary handles the playhead reaching the end of queued content.
func (st *state) boundary(t float64) {
	st.playing = false
	st.head = st.tail
	st.sample(t)

	if st.tail < len(st.items) {
		st.openStall(t)
		return
	}

	st.finished = true
	for _, it := range st.items {
		st.res.Played = append(st.res.Played, it.ev)
		st.res.PlayedSeconds += it.duration
	}
	st.res.PlaybackEnd = t
	if st.opts.ExpectedSegments > len(st.items) && st.opts.TraceEnd > t {
		last := st.items[len(st.items)-1].ev.Segment
		st.res.Stalls = append(st.res.Stalls, Stall{
			Start:      t,
			End:        st.opts.TraceEnd,
			Duration:   st.opts.TraceEnd - t,
			Segment:    last + 1,
			AtTraceEnd: true,
		})
		st.res.PlaybackEnd = st.opts.TraceEnd
		st.sample(st.opts.TraceEnd)
	}
	st.res.PlaybackTime = st.res.PlaybackEnd - st.res.PlaybackStart
}

func (st *state) openStall(t float64) {
	st.stalled = true
	st.stallStart = t
}

// sample appends the buffer state at t, skipping exact repeats.
func (st *state) sample(t float64) {
	secs, bytes := st.level(t)
	appendPoint(&st.res.BufferSeconds, t, secs)
	appendPoint(&st.res.BufferBytes, t, bytes)
}

func appendPoint(series *[]Point, t, v float64) {
	if n := len(*series); n > 0 && (*series)[n-1] == (Point{t, v}) {
		return
	}
	*series = append(*series, Point{t, v})
}

// level returns the contiguous buffered content at t in seconds and bytes.
// Before playback it is everything queued; while playing it is what the
// playhead has not consumed; stalled or finished it is zero.
func (st *state) level(t float64) (float64, float64) {
	switch {
	case !st.started:
		var secs, bytes float64
		for _, it := range st.items[:st.tail] {
			secs += it.duration
			bytes += it.bytes
		}
		return secs, bytes
	case st.playing:
		for st.head < st.tail && st.items[st.head].start+st.items[st.head].duration <= t {
			st.head++
		}
		var bytes float64
		for _, it := range st.items[st.head:st.tail] {
			left := (it.start + it.duration - t) / it.duration
			bytes += it.bytes * math.Min(math.Max(left, 0), 1)
		}
		return math.Max(st.bufEnd-t, 0), bytes
	default:
		return 0, 0
	}
}
