package manifest

import (
	"log/slog"
	"sort"

	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/httpobj"
)

// counterState numbers segments of representations whose requests carry
// no segment number, keyed by video name and track id.
type counterState map[string]uint64

// next returns the next number for key, starting at start.
func (c counterState) next(key string, start uint64) uint64 {
	n, ok := c[key]
	if !ok {
		n = start
	}
	c[key] = n + 1
	return n
}

// MapperStats counts what the mapper saw.
type MapperStats struct {
	Manifests    int
	Deduplicated int
	Failed       int
	InitSegments int
	Events       int
	Unmatched    int
}

// Mapper turns time-ordered HTTP responses into manifests and video events.
// It is not safe for concurrent use.
type Mapper struct {
	logger *slog.Logger

	manifests []*Manifest          // every distinct manifest, in arrival order
	active    map[string]*Manifest // video name -> current manifest
	counters  counterState
	events    []*VideoEvent
	stats     MapperStats
}

// NewMapper creates a mapper. A nil logger uses slog.Default().
func NewMapper(logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		logger:   logger,
		active:   make(map[string]*Manifest),
		counters: make(counterState),
	}
}

// Run offers every paired response of objs in request-time order.
func (mp *Mapper) Run(objs []*httpobj.Object) {
	var resps []*httpobj.Object
	for _, o := range objs {
		if o.Kind == httpobj.KindResponse && o.Pair != nil {
			resps = append(resps, o)
		}
	}
	sort.SliceStable(resps, func(i, j int) bool {
		a, b := resps[i].Pair.Timestamp, resps[j].Pair.Timestamp
		if a != b {
			return a < b
		}
		return resps[i].Timestamp < resps[j].Timestamp
	})
	for _, r := range resps {
		mp.Offer(r)
	}
}

// Offer feeds one response. It returns the event or manifest the response
// produced; both are nil for unrelated traffic.
func (mp *Mapper) Offer(resp *httpobj.Object) (*VideoEvent, *Manifest) {
	req := resp.Request()
	if resp.Kind != httpobj.KindResponse || req == nil {
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, nil
	}
	content := resp.Content()
	if Sniff(content) != DialectUnknown {
		return nil, mp.addManifest(resp, req, content)
	}
	return mp.mapSegment(resp, req), nil
}

func (mp *Mapper) addManifest(resp, req *httpobj.Object, content []byte) *Manifest {
	m, err := Parse(content, req.Path)
	if err != nil {
		mp.stats.Failed++
		resp.Labels.Set(core.LabelManifestError, err.Error())
		mp.logger.Warn("manifest parse failed", "url", resp.URL(), "status", resp.Status.String(), "error", err)
		return nil
	}
	m.URL = resp.URL()
	m.Timestamp = resp.LastByteTime
	m.Source = resp
	if e := m.Labels[core.LabelManifestError]; e != "" {
		mp.logger.Warn("manifest fields ignored", "url", m.URL, "error", e)
	}

	prev := mp.active[m.VideoName]
	if prev != nil && prev.Equal(m) {
		mp.stats.Deduplicated++
		return nil
	}
	if prev != nil {
		prev.SupersededBy = m
		prev.Labels.Set(core.LabelManifestSuperseded, m.URL)
	}
	mp.active[m.VideoName] = m
	mp.manifests = append(mp.manifests, m)
	mp.stats.Manifests++
	mp.logger.Debug("manifest", "video", m.VideoName, "dialect", m.Dialect.String(),
		"tracks", len(m.Tracks()), "url", m.URL)
	return m
}

func (mp *Mapper) mapSegment(resp, req *httpobj.Object) *VideoEvent {
	// Most recent manifests first.
	for i := len(mp.manifests) - 1; i >= 0; i-- {
		m := mp.manifests[i]
		if m.SupersededBy != nil {
			continue
		}
		mt, ok := m.match(req.Path)
		if !ok {
			continue
		}
		if mt.init {
			mp.stats.InitSegments++
			return nil
		}
		t := mt.track
		number := mt.number
		if mt.byCounter {
			number = mp.counters.next(m.VideoName+"|"+t.ID, t.StartNumber)
		}

		ev := &VideoEvent{
			Segment:       number,
			Quality:       t.ID,
			Bitrate:       m.ResolveBitrate(t.ID),
			ContentType:   t.ContentType,
			Bytes:         int64(len(resp.Body)),
			RequestTime:   req.Timestamp,
			FirstByteTime: resp.FirstByteTime,
			LastByteTime:  resp.LastByteTime,
			Duration:      t.Duration(number),
			MediaTime:     t.MediaTime(number),
			Partial:       resp.Status == httpobj.StatusPending,
			Session:       resp.Session,
			URL:           resp.URL(),
			Manifest:      m,
			Object:        resp,
		}
		if ev.Bitrate == 0 {
			ev.Bitrate = t.Bandwidth
		}
		if ev.Duration == 0 && ev.Bitrate > 0 && ev.Bytes > 0 && !ev.Partial {
			ev.Duration = float64(ev.Bytes*8) / float64(ev.Bitrate)
			ev.Estimated = true
		}
		mp.events = append(mp.events, ev)
		mp.stats.Events++
		return ev
	}
	mp.stats.Unmatched++
	return nil
}

// Manifests returns every distinct manifest in arrival order.
func (mp *Mapper) Manifests() []*Manifest { return mp.manifests }

// Stats returns the mapper counters.
func (mp *Mapper) Stats() MapperStats { return mp.stats }

// Events returns all events ordered by TimelineKey.
func (mp *Mapper) Events() []*VideoEvent {
	out := append([]*VideoEvent(nil), mp.events...)
	sortEvents(out, (*VideoEvent).TimelineKey)
	return out
}

// Streams groups events by video name and content type. Streams are sorted
// by video then content type; events within a stream by TimelineKey.
func (mp *Mapper) Streams() []*Stream {
	type key struct{ video, contentType string }
	index := make(map[key]*Stream)
	var streams []*Stream
	for _, ev := range mp.Events() {
		k := key{ev.Manifest.VideoName, ev.ContentType}
		s, ok := index[k]
		if !ok {
			s = &Stream{Video: k.video, ContentType: k.contentType, Manifest: mp.active[k.video]}
			index[k] = s
			streams = append(streams, s)
		}
		s.Events = append(s.Events, ev)
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].Video != streams[j].Video {
			return streams[i].Video < streams[j].Video
		}
		return streams[i].ContentType < streams[j].ContentType
	})
	return streams
}
