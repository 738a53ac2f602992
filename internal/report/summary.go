// Package report renders a pipeline result as YAML, JSON or a styled text
// summary.
package report

import (
	"sort"
	"time"

	"firestige.xyz/vtrace/internal/buffer"
	"firestige.xyz/vtrace/internal/manifest"
	"firestige.xyz/vtrace/internal/pipeline"
)

// Summary is the serialisable view of a run. The pipeline result links
// objects both ways, so it is flattened here before encoding.
type Summary struct {
	Trace     TraceSummary      `json:"trace" yaml:"trace"`
	Stats     StatsSummary      `json:"stats" yaml:"stats"`
	Sessions  []SessionSummary  `json:"sessions,omitempty" yaml:"sessions,omitempty"`
	Manifests []ManifestSummary `json:"manifests,omitempty" yaml:"manifests,omitempty"`
	Streams   []StreamSummary   `json:"streams,omitempty" yaml:"streams,omitempty"`
}

// TraceSummary describes the capture.
type TraceSummary struct {
	Path      string    `json:"path,omitempty" yaml:"path,omitempty"`
	Start     time.Time `json:"start" yaml:"start"`
	Duration  float64   `json:"duration" yaml:"duration"`
	Frames    int       `json:"frames" yaml:"frames"`
	Filtered  int       `json:"filtered,omitempty" yaml:"filtered,omitempty"`
	Packets   int       `json:"packets" yaml:"packets"`
	Skipped   int       `json:"skipped" yaml:"skipped"`
	Truncated bool      `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

// StatsSummary mirrors pipeline.Stats.
type StatsSummary struct {
	Packets    int `json:"packets" yaml:"packets"`
	Accepted   int `json:"accepted" yaml:"accepted"`
	Duplicates int `json:"duplicates" yaml:"duplicates"`
	Empty      int `json:"empty" yaml:"empty"`

	Sessions   int `json:"sessions" yaml:"sessions"`
	Incomplete int `json:"incomplete" yaml:"incomplete"`
	Degraded   int `json:"degraded" yaml:"degraded"`

	Requests  int            `json:"requests" yaml:"requests"`
	Responses int            `json:"responses" yaml:"responses"`
	Objects   map[string]int `json:"objects,omitempty" yaml:"objects,omitempty"`

	Manifests    int `json:"manifests" yaml:"manifests"`
	Deduplicated int `json:"deduplicated" yaml:"deduplicated"`
	Failed       int `json:"failed_manifests" yaml:"failed_manifests"`
	Segments     int `json:"segments" yaml:"segments"`
	InitSegments int `json:"init_segments" yaml:"init_segments"`
	Unmatched    int `json:"unmatched" yaml:"unmatched"`

	Streams    int     `json:"streams" yaml:"streams"`
	Stalls     int     `json:"stalls" yaml:"stalls"`
	NearStalls int     `json:"near_stalls" yaml:"near_stalls"`
	StallTime  float64 `json:"stall_time" yaml:"stall_time"`

	// Stage wall times in seconds.
	Stages map[string]float64 `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// SessionSummary is one reassembled session.
type SessionSummary struct {
	Key      string            `json:"key" yaml:"key"`
	Start    float64           `json:"start" yaml:"start"`
	End      float64           `json:"end" yaml:"end"`
	Packets  int               `json:"packets" yaml:"packets"`
	Accepted int               `json:"accepted" yaml:"accepted"`
	Uplink   int               `json:"uplink_bytes" yaml:"uplink_bytes"`
	Downlink int               `json:"downlink_bytes" yaml:"downlink_bytes"`
	Labels   map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ManifestSummary is one distinct manifest.
type ManifestSummary struct {
	Video        string            `json:"video" yaml:"video"`
	Dialect      string            `json:"dialect" yaml:"dialect"`
	URL          string            `json:"url" yaml:"url"`
	Timestamp    float64           `json:"timestamp" yaml:"timestamp"`
	Duration     float64           `json:"duration,omitempty" yaml:"duration,omitempty"`
	Live         bool              `json:"live,omitempty" yaml:"live,omitempty"`
	Tracks       []TrackSummary    `json:"tracks" yaml:"tracks"`
	SupersededBy string            `json:"superseded_by,omitempty" yaml:"superseded_by,omitempty"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// TrackSummary is one representation of a manifest.
type TrackSummary struct {
	ID          string `json:"id" yaml:"id"`
	ContentType string `json:"content_type" yaml:"content_type"`
	Bandwidth   int64  `json:"bandwidth" yaml:"bandwidth"`
	Width       int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height      int    `json:"height,omitempty" yaml:"height,omitempty"`
	Segments    int    `json:"segments,omitempty" yaml:"segments,omitempty"`
}

// StreamSummary is one video stream with its simulated playback.
type StreamSummary struct {
	Video       string          `json:"video" yaml:"video"`
	ContentType string          `json:"content_type" yaml:"content_type"`
	Expected    int             `json:"expected_segments" yaml:"expected_segments"`
	Events      []EventSummary  `json:"events" yaml:"events"` // by segment, quality, request time
	Playback    PlaybackSummary `json:"playback" yaml:"playback"`
}

// EventSummary is one segment download.
type EventSummary struct {
	Segment     uint64  `json:"segment" yaml:"segment"`
	Quality     string  `json:"quality" yaml:"quality"`
	Bitrate     int64   `json:"bitrate" yaml:"bitrate"`
	Bytes       int64   `json:"bytes" yaml:"bytes"`
	Request     float64 `json:"request" yaml:"request"`
	FirstByte   float64 `json:"first_byte" yaml:"first_byte"`
	LastByte    float64 `json:"last_byte" yaml:"last_byte"`
	Duration    float64 `json:"duration" yaml:"duration"`
	Estimated   bool    `json:"estimated,omitempty" yaml:"estimated,omitempty"`
	Partial     bool    `json:"partial,omitempty" yaml:"partial,omitempty"`
	Disposition string  `json:"disposition" yaml:"disposition"`
	URL         string  `json:"url" yaml:"url"`
}

// Segment dispositions in the simulation.
const (
	DispositionPlayed    = "played"
	DispositionRedundant = "redundant"
	DispositionSkipped   = "skipped"
)

// PlaybackSummary is the buffer simulation of a stream.
type PlaybackSummary struct {
	Start         float64            `json:"start" yaml:"start"`
	End           float64            `json:"end" yaml:"end"`
	StartupDelay  float64            `json:"startup_delay" yaml:"startup_delay"`
	PlaybackTime  float64            `json:"playback_time" yaml:"playback_time"`
	PlayedSeconds float64            `json:"played_seconds" yaml:"played_seconds"`
	Stalls        []StallSummary     `json:"stalls,omitempty" yaml:"stalls,omitempty"`
	NearStalls    []NearStallSummary `json:"near_stalls,omitempty" yaml:"near_stalls,omitempty"`
	Stats         buffer.Stats       `json:"stats" yaml:"stats"`

	BufferSeconds [][2]float64 `json:"buffer_seconds,omitempty" yaml:"buffer_seconds,omitempty,flow"`
	BufferBytes   [][2]float64 `json:"buffer_bytes,omitempty" yaml:"buffer_bytes,omitempty,flow"`
}

// StallSummary is one playback interruption.
type StallSummary struct {
	Start      float64 `json:"start" yaml:"start"`
	End        float64 `json:"end" yaml:"end"`
	Duration   float64 `json:"duration" yaml:"duration"`
	Segment    uint64  `json:"segment" yaml:"segment"`
	AtTraceEnd bool    `json:"at_trace_end,omitempty" yaml:"at_trace_end,omitempty"`
}

// NearStallSummary is an arrival with little buffer left.
type NearStallSummary struct {
	Time    float64 `json:"time" yaml:"time"`
	Margin  float64 `json:"margin" yaml:"margin"`
	Segment uint64  `json:"segment" yaml:"segment"`
}

// New flattens res. Sessions are listed only when withSessions is set.
func New(res *pipeline.Result, withSessions bool) *Summary {
	s := &Summary{
		Trace: TraceSummary{
			Path:      res.Trace.Path,
			Start:     res.Trace.Start,
			Duration:  res.Trace.Duration,
			Frames:    res.Trace.Frames,
			Filtered:  res.Trace.Filtered,
			Packets:   res.Trace.Packets,
			Skipped:   res.Trace.Skipped,
			Truncated: res.Trace.Truncated,
		},
		Stats: newStats(res.Stats),
	}

	if withSessions {
		for _, sess := range res.Sessions {
			s.Sessions = append(s.Sessions, SessionSummary{
				Key:      sess.Key.String(),
				Start:    sess.StartTime,
				End:      sess.EndTime,
				Packets:  len(sess.Packets),
				Accepted: sess.Accepted(),
				Uplink:   sess.Uplink.Len(),
				Downlink: sess.Downlink.Len(),
				Labels:   labels(sess.Labels),
			})
		}
	}
	for _, m := range res.Manifests {
		s.Manifests = append(s.Manifests, newManifest(m))
	}
	for _, st := range res.Streams {
		s.Streams = append(s.Streams, newStream(st))
	}
	return s
}

func newStats(st pipeline.Stats) StatsSummary {
	out := StatsSummary{
		Packets:      st.Packets,
		Accepted:     st.Accepted,
		Duplicates:   st.Duplicates,
		Empty:        st.Empty,
		Sessions:     st.Sessions,
		Incomplete:   st.Incomplete,
		Degraded:     st.Degraded,
		Requests:     st.Requests,
		Responses:    st.Responses,
		Objects:      st.Objects,
		Manifests:    st.Mapper.Manifests,
		Deduplicated: st.Mapper.Deduplicated,
		Failed:       st.Mapper.Failed,
		Segments:     st.Mapper.Events,
		InitSegments: st.Mapper.InitSegments,
		Unmatched:    st.Mapper.Unmatched,
		Streams:      st.Streams,
		Stalls:       st.Stalls,
		NearStalls:   st.NearStalls,
		StallTime:    st.StallTime,
	}
	if len(st.Stages) > 0 {
		out.Stages = make(map[string]float64, len(st.Stages))
		for name, d := range st.Stages {
			out.Stages[name] = d.Seconds()
		}
	}
	return out
}

func newManifest(m *manifest.Manifest) ManifestSummary {
	out := ManifestSummary{
		Video:     m.VideoName,
		Dialect:   m.Dialect.String(),
		URL:       m.URL,
		Timestamp: m.Timestamp,
		Duration:  m.Duration,
		Live:      m.Live,
		Labels:    labels(m.Labels),
	}
	if m.SupersededBy != nil {
		out.SupersededBy = m.SupersededBy.URL
	}
	for _, t := range m.Tracks() {
		out.Tracks = append(out.Tracks, TrackSummary{
			ID:          t.ID,
			ContentType: t.ContentType,
			Bandwidth:   t.Bandwidth,
			Width:       t.Width,
			Height:      t.Height,
			Segments:    t.SegmentCount(),
		})
	}
	return out
}

func newStream(st *pipeline.StreamResult) StreamSummary {
	sim := st.Simulation
	disposition := make(map[*manifest.VideoEvent]string, len(st.Events))
	for _, ev := range sim.Played {
		disposition[ev] = DispositionPlayed
	}
	for _, ev := range sim.Redundant {
		disposition[ev] = DispositionRedundant
	}
	for _, ev := range sim.Skipped {
		disposition[ev] = DispositionSkipped
	}

	out := StreamSummary{
		Video:       st.Video,
		ContentType: st.ContentType,
		Expected:    st.Expected,
		Playback: PlaybackSummary{
			Start:         sim.PlaybackStart,
			End:           sim.PlaybackEnd,
			StartupDelay:  sim.StartupDelay,
			PlaybackTime:  sim.PlaybackTime,
			PlayedSeconds: sim.PlayedSeconds,
			Stats:         sim.Stats,
			BufferSeconds: points(sim.BufferSeconds),
			BufferBytes:   points(sim.BufferBytes),
		},
	}
	for _, ev := range st.BySegment() {
		out.Events = append(out.Events, EventSummary{
			Segment:     ev.Segment,
			Quality:     ev.Quality,
			Bitrate:     ev.Bitrate,
			Bytes:       ev.Bytes,
			Request:     ev.RequestTime,
			FirstByte:   ev.FirstByteTime,
			LastByte:    ev.LastByteTime,
			Duration:    ev.Duration,
			Estimated:   ev.Estimated,
			Partial:     ev.Partial,
			Disposition: disposition[ev],
			URL:         ev.URL,
		})
	}
	for _, stall := range sim.Stalls {
		out.Playback.Stalls = append(out.Playback.Stalls, StallSummary{
			Start:      stall.Start,
			End:        stall.End,
			Duration:   stall.Duration,
			Segment:    stall.Segment,
			AtTraceEnd: stall.AtTraceEnd,
		})
	}
	for _, ns := range sim.NearStalls {
		var seg uint64
		if ns.Event != nil {
			seg = ns.Event.Segment
		}
		out.Playback.NearStalls = append(out.Playback.NearStalls, NearStallSummary{
			Time:    ns.Time,
			Margin:  ns.Margin,
			Segment: seg,
		})
	}
	return out
}

func points(ps []buffer.Point) [][2]float64 {
	if len(ps) == 0 {
		return nil
	}
	out := make([][2]float64, len(ps))
	for i, p := range ps {
		out[i] = [2]float64{p.Time, p.Value}
	}
	return out
}

func labels(l map[string]string) map[string]string {
	if len(l) == 0 {
		return nil
	}
	return l
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
