package pipeline

import (
	"log/slog"

	"firestige.xyz/vtrace/internal/config"
	"firestige.xyz/vtrace/internal/metrics"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// FromConfig copies the analysis section of a loaded configuration.
func (b *Builder) FromConfig(cfg *config.AnalysisConfig) *Builder {
	b.config.MaxWorkers = cfg.MaxWorkers
	b.config.StartupDelay = cfg.StartupDelay.Seconds()
	b.config.NearStallWindow = cfg.NearStallWindow.Seconds()
	b.config.ExpectedSegments = cfg.ExpectedSegments
	b.config.KeepSeries = cfg.KeepBuffers
	return b
}

// WithMaxWorkers sets the session worker pool size.
func (b *Builder) WithMaxWorkers(n int) *Builder {
	b.config.MaxWorkers = n
	return b
}

// WithStartupDelay sets the playback startup delay in seconds.
func (b *Builder) WithStartupDelay(seconds float64) *Builder {
	b.config.StartupDelay = seconds
	return b
}

// WithNearStallWindow sets the near-stall guard window in seconds.
func (b *Builder) WithNearStallWindow(seconds float64) *Builder {
	b.config.NearStallWindow = seconds
	return b
}

// WithKeepSeries keeps buffer occupancy series in the result.
func (b *Builder) WithKeepSeries(keep bool) *Builder {
	b.config.KeepSeries = keep
	return b
}

// WithLogger sets the logger handed to every stage.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.config.Logger = l
	return b
}

// WithMetrics sets the metrics the run records into.
func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.config.Metrics = m
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
