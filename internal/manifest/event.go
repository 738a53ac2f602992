package manifest

import (
	"fmt"
	"sort"
	"strings"

	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/httpobj"
)

// VideoEvent is one segment download mapped onto a manifest.
type VideoEvent struct {
	Segment     uint64
	Quality     string // representation id, or the Smooth bitrate
	Bitrate     int64
	ContentType string
	Bytes       int64

	RequestTime   float64
	FirstByteTime float64
	LastByteTime  float64

	// Duration is the play duration in seconds, 0 when unknown.
	Duration float64
	// Estimated is set when Duration was derived from Bytes and Bitrate
	// because the manifest does not declare it.
	Estimated bool
	// MediaTime is the segment start in the presentation, -1 when unknown.
	MediaTime float64
	// Partial is set when the response body was not fully captured.
	Partial bool

	Session  core.SessionKey
	URL      string
	Manifest *Manifest
	Object   *httpobj.Object // the response
}

// qualityWidth is the padded width of the quality component of SegmentKey.
const qualityWidth = 12

// SegmentKey orders events by segment, then quality, then request time.
func (e *VideoEvent) SegmentKey() string {
	q := e.Quality
	if len(q) < qualityWidth {
		q = strings.Repeat("0", qualityWidth-len(q)) + q
	}
	return fmt.Sprintf("%010d|%s|%017.6f", e.Segment, q, e.RequestTime)
}

// TimelineKey orders events by request time, then segment.
func (e *VideoEvent) TimelineKey() string {
	return fmt.Sprintf("%017.6f|%010d", e.RequestTime, e.Segment)
}

// DownloadTime returns the request to last byte duration in seconds.
func (e *VideoEvent) DownloadTime() float64 {
	return e.LastByteTime - e.RequestTime
}

// Stream is the event list of one (video, content type) pair.
type Stream struct {
	Video       string
	ContentType string
	Manifest    *Manifest // most recent manifest of the video
	Events      []*VideoEvent
}

// ExpectedSegments returns the segment count the manifest announces for
// the stream, or 0 when unknown.
func (s *Stream) ExpectedSegments() int {
	if s.Manifest == nil || s.Manifest.Live {
		return 0
	}
	return s.Manifest.ExpectedSegments(s.ContentType)
}

// BySegment returns the events sorted by SegmentKey.
func (s *Stream) BySegment() []*VideoEvent {
	out := append([]*VideoEvent(nil), s.Events...)
	sortEvents(out, (*VideoEvent).SegmentKey)
	return out
}

func sortEvents(events []*VideoEvent, key func(*VideoEvent) string) {
	sort.SliceStable(events, func(i, j int) bool { return key(events[i]) < key(events[j]) })
}
