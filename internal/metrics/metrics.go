// Package metrics implements Prometheus metrics for one analysis run.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vtrace"

// Metrics holds the collectors of one run on a private registry, so
// several runs in one process do not share counters.
type Metrics struct {
	Registry *prometheus.Registry

	// PacketsTotal counts packets by result (accepted, duplicate, empty)
	PacketsTotal *prometheus.CounterVec

	// SessionsTotal counts sessions by transport and state
	SessionsTotal *prometheus.CounterVec

	// ObjectsTotal counts HTTP objects by kind and status
	ObjectsTotal *prometheus.CounterVec

	// ManifestsTotal counts manifests by dialect and result
	ManifestsTotal *prometheus.CounterVec

	// SegmentsTotal counts segment responses by result
	SegmentsTotal *prometheus.CounterVec

	// StallsTotal counts simulated stalls by content type
	StallsTotal *prometheus.CounterVec

	// StallSeconds observes simulated stall durations
	StallSeconds *prometheus.HistogramVec

	// StageDuration measures wall time spent per pipeline stage
	StageDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry. Go runtime and process
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		PacketsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets offered to session reassembly",
		}, []string{"result"}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Reconstructed transport sessions",
		}, []string{"transport", "state"}),
		ObjectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_objects_total",
			Help:      "HTTP requests and responses recovered from sessions",
		}, []string{"kind", "status"}),
		ManifestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifests_total",
			Help:      "Manifest responses by dialect and outcome",
		}, []string{"dialect", "result"}),
		SegmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Non-manifest responses by mapping outcome",
		}, []string{"result"}),
		StallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Simulated playback stalls",
		}, []string{"content_type"}),
		StallSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stall_seconds",
			Help:      "Duration of simulated playback stalls",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}, []string{"content_type"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		}, []string{"stage"}),
	}
}

// WriteTextfile writes the registry in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
