// Package pipeline runs the reconstruction stages over one capture: session
// reassembly, HTTP object correlation, manifest and segment mapping, and
// buffer simulation. Each stage completes before the next one starts.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"firestige.xyz/vtrace/internal/buffer"
	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/httpobj"
	"firestige.xyz/vtrace/internal/manifest"
	"firestige.xyz/vtrace/internal/metrics"
	"firestige.xyz/vtrace/internal/session"
)

// Stage names, used in logs and the stage duration histogram.
const (
	StageSessions  = "sessions"
	StageObjects   = "objects"
	StageManifests = "manifests"
	StageBuffer    = "buffer"
)

// Config contains pipeline configuration.
type Config struct {
	MaxWorkers int // sessions, objects and streams processed concurrently (default GOMAXPROCS)

	StartupDelay    float64 // seconds added to the first arrival
	NearStallWindow float64 // seconds
	// ExpectedSegments overrides the segment count announced by manifests
	// when positive.
	ExpectedSegments int
	// KeepSeries retains the buffer occupancy series in the result.
	KeepSeries bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// StreamResult is one video stream and its simulated playback.
type StreamResult struct {
	*manifest.Stream
	Expected   int
	Simulation *buffer.Result
}

// Result is everything one run reconstructed. It is read-only for callers.
type Result struct {
	Trace     core.TraceInfo
	Sessions  []*session.Session
	Objects   []*httpobj.Object
	Manifests []*manifest.Manifest
	Streams   []*StreamResult
	Stats     Stats
}

// Pipeline runs the stages with one configuration. It holds no per-run
// state and may be reused.
type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(false)
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger, metrics: cfg.Metrics}
}

// Run runs a pipeline built from cfg once.
func Run(ctx context.Context, packets []core.Packet, trace core.TraceInfo, cfg Config) (*Result, error) {
	return New(cfg).Run(ctx, packets, trace)
}

// Run reconstructs packets. ctx is checked between stages; a cancelled run
// returns ErrAnalysisAborted and no result.
func (p *Pipeline) Run(ctx context.Context, packets []core.Packet, trace core.TraceInfo) (*Result, error) {
	res := &Result{Trace: trace}
	res.Stats.Stages = make(map[string]time.Duration)

	ptrs := make([]*core.Packet, len(packets))
	for i := range packets {
		ptrs[i] = &packets[i]
	}

	err := p.stage(ctx, res, StageSessions, func() error {
		b := session.NewBuilder(session.Config{MaxWorkers: p.cfg.MaxWorkers, Logger: p.logger})
		sessions, err := b.Build(ctx, ptrs)
		if err != nil {
			return err
		}
		res.Sessions = sessions
		p.recordSessions(res, ptrs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, res, StageObjects, func() error {
		res.Objects = p.correlate(res.Sessions)
		p.recordObjects(res)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var mapper *manifest.Mapper
	err = p.stage(ctx, res, StageManifests, func() error {
		mapper = manifest.NewMapper(p.logger)
		mapper.Run(res.Objects)
		res.Manifests = mapper.Manifests()
		p.recordMapper(res, mapper.Stats())
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, res, StageBuffer, func() error {
		res.Streams = p.simulateAll(mapper.Streams(), trace)
		p.recordStreams(res)
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("analysis complete",
		"sessions", len(res.Sessions),
		"objects", len(res.Objects),
		"manifests", len(res.Manifests),
		"streams", len(res.Streams),
		"stalls", res.Stats.Stalls)
	return res, nil
}

// stage runs fn after checking ctx and records its wall time.
func (p *Pipeline) stage(ctx context.Context, res *Result, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before %s: %w", core.ErrAnalysisAborted, name, err)
	}
	start := time.Now()
	if err := fn(); err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	elapsed := time.Since(start)
	res.Stats.Stages[name] = elapsed
	p.metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	p.logger.Debug("stage done", "stage", name, "elapsed", elapsed)
	return nil
}

// correlate recovers HTTP objects from every session, one worker per
// session, and merges them in timestamp order.
func (p *Pipeline) correlate(sessions []*session.Session) []*httpobj.Object {
	c := httpobj.NewCorrelator(p.logger)
	wp := pool.NewWithResults[[]*httpobj.Object]().WithMaxGoroutines(p.cfg.MaxWorkers)
	for _, s := range sessions {
		wp.Go(func() []*httpobj.Object { return c.Correlate(s) })
	}
	var objs []*httpobj.Object
	for _, batch := range wp.Wait() {
		objs = append(objs, batch...)
	}
	sort.SliceStable(objs, func(i, j int) bool {
		if objs[i].Timestamp != objs[j].Timestamp {
			return objs[i].Timestamp < objs[j].Timestamp
		}
		if objs[i].Session != objs[j].Session {
			return objs[i].Session.String() < objs[j].Session.String()
		}
		return objs[i].Kind < objs[j].Kind
	})
	return objs
}

// simulateAll replays every stream on its own worker. Results keep the
// order of streams.
func (p *Pipeline) simulateAll(streams []*manifest.Stream, trace core.TraceInfo) []*StreamResult {
	out := make([]*StreamResult, len(streams))
	wp := pool.New().WithMaxGoroutines(p.cfg.MaxWorkers)
	for i, s := range streams {
		wp.Go(func() { out[i] = p.simulate(s, trace) })
	}
	wp.Wait()
	return out
}

func (p *Pipeline) simulate(s *manifest.Stream, trace core.TraceInfo) *StreamResult {
	expected := p.cfg.ExpectedSegments
	if expected <= 0 {
		expected = s.ExpectedSegments()
	}
	sim := buffer.New(buffer.Options{
		StartupDelay:     p.cfg.StartupDelay,
		NearStallWindow:  p.cfg.NearStallWindow,
		TraceEnd:         trace.End(),
		ExpectedSegments: expected,
	}, p.logger.With("video", s.Video, "content_type", s.ContentType))

	r := sim.Run(s.Events)
	if !p.cfg.KeepSeries {
		r.BufferSeconds, r.BufferBytes = nil, nil
	}
	return &StreamResult{Stream: s, Expected: expected, Simulation: r}
}
