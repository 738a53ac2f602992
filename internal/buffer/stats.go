package buffer

import (
	"github.com/influxdata/tdigest"
	"gonum.org/v1/gonum/stat"
)

// digestCompression keeps roughly a hundred centroids per digest.
const digestCompression = 100

// Stats summarises one simulation.
type Stats struct {
	StallCount     int     `json:"stall_count" yaml:"stall_count"`
	StallSeconds   float64 `json:"stall_seconds" yaml:"stall_seconds"`
	StallRatio     float64 `json:"stall_ratio" yaml:"stall_ratio"` // stall time over playback time
	NearStallCount int     `json:"near_stall_count" yaml:"near_stall_count"`

	// MeanBufferSeconds is the time-weighted mean of BufferSeconds.
	MeanBufferSeconds float64 `json:"mean_buffer_seconds" yaml:"mean_buffer_seconds"`
	// MeanBitrate is the play-duration weighted bitrate of played segments.
	MeanBitrate     float64 `json:"mean_bitrate" yaml:"mean_bitrate"`
	QualitySwitches int     `json:"quality_switches" yaml:"quality_switches"`

	DownloadP50   float64 `json:"download_p50" yaml:"download_p50"` // seconds, request to last byte
	DownloadP95   float64 `json:"download_p95" yaml:"download_p95"`
	ThroughputP50 float64 `json:"throughput_p50" yaml:"throughput_p50"` // bits per second

	RedundantSegments int   `json:"redundant_segments" yaml:"redundant_segments"`
	RedundantBytes    int64 `json:"redundant_bytes" yaml:"redundant_bytes"`
}

func computeStats(res *Result, items []*item) Stats {
	s := Stats{
		StallCount:        len(res.Stalls),
		StallSeconds:      res.StallTime(),
		NearStallCount:    len(res.NearStalls),
		RedundantSegments: len(res.Redundant),
	}
	if res.PlaybackTime > 0 {
		s.StallRatio = s.StallSeconds / res.PlaybackTime
	}
	for _, ev := range res.Redundant {
		s.RedundantBytes += ev.Bytes
	}
	s.MeanBufferSeconds = timeWeightedMean(res.BufferSeconds)

	var rates, durations []float64
	download := tdigest.NewWithCompression(digestCompression)
	throughput := tdigest.NewWithCompression(digestCompression)
	var samples int
	for i, it := range items {
		rates = append(rates, float64(it.ev.Bitrate))
		durations = append(durations, it.duration)
		if i > 0 && items[i-1].ev.Quality != it.ev.Quality {
			s.QualitySwitches++
		}
		dt := it.ev.DownloadTime()
		if dt <= 0 {
			continue
		}
		download.Add(dt, 1)
		throughput.Add(float64(it.ev.Bytes*8)/dt, 1)
		samples++
	}
	if len(rates) > 0 {
		s.MeanBitrate = stat.Mean(rates, durations)
	}
	if samples > 0 {
		s.DownloadP50 = download.Quantile(0.50)
		s.DownloadP95 = download.Quantile(0.95)
		s.ThroughputP50 = throughput.Quantile(0.50)
	}
	return s
}

// timeWeightedMean integrates a piecewise-linear series with the trapezoid
// rule and divides by its time span.
func timeWeightedMean(series []Point) float64 {
	var vals, weights []float64
	for i := 1; i < len(series); i++ {
		dt := series[i].Time - series[i-1].Time
		if dt <= 0 {
			continue
		}
		vals = append(vals, (series[i].Value+series[i-1].Value)/2)
		weights = append(weights, dt)
	}
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, weights)
}
