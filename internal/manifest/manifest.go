// Package manifest parses streaming manifests carried in HTTP responses and
// maps later segment downloads onto them.
package manifest

import (
	"path"
	"strconv"
	"strings"

	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/httpobj"
)

// Manifest is a parsed manifest. Exactly one of the dialect trees is set,
// selected by Dialect.
type Manifest struct {
	Dialect   Dialect
	VideoName string
	URL       string
	Timestamp float64 // last byte of the carrying response
	Duration  float64 // presentation duration in seconds, 0 unknown
	Live      bool
	Body      string
	Source    *httpobj.Object
	Labels    core.Labels

	// SupersededBy is the later manifest of the same video that replaced
	// this one for segment mapping.
	SupersededBy *Manifest

	plain    *plainTree
	timeline *timelineTree
	encoded  *encodedTree
	smooth   *smoothTree
}

type mpdTree struct {
	doc    *mpdXML
	tracks []*Track
}

// plainTree addresses segments by BaseURL, SegmentList or numbered
// templates with a constant duration.
type plainTree struct{ mpdTree }

// timelineTree carries explicit S(t, d, r) entries per representation.
type timelineTree struct{ mpdTree }

// encodedTree carries a packed per-segment duration list.
type encodedTree struct{ mpdTree }

type smoothTree struct {
	doc    *smoothXML
	tracks []*Track
}

// Parse sniffs body and parses it as the detected dialect. url is the
// request URL the body was fetched from. Fields that do not parse are left
// at zero and listed under the manifest.error label.
func Parse(body []byte, url string) (*Manifest, error) {
	m := &Manifest{
		Dialect:   Sniff(body),
		URL:       url,
		VideoName: VideoName(url),
		Body:      string(body),
	}
	var n notes
	switch m.Dialect {
	case DialectUnknown:
		return nil, core.ErrNotManifest

	case DialectSmooth:
		doc, tracks, err := parseSmooth(body, &n)
		if err != nil {
			return nil, err
		}
		m.smooth = &smoothTree{doc: doc, tracks: tracks}
		m.Live = doc.IsLive
		scale := orDefault(doc.TimeScale, smoothTimeScale)
		m.Duration = float64(doc.Duration) / float64(scale)

	default:
		doc, tracks, total, err := parseMPD(body, &n)
		if err != nil {
			return nil, err
		}
		tree := mpdTree{doc: doc, tracks: tracks}
		switch m.Dialect {
		case DialectEncodedList:
			m.encoded = &encodedTree{tree}
		case DialectSegmentTimeline:
			m.timeline = &timelineTree{tree}
		default:
			m.plain = &plainTree{tree}
		}
		m.Live = doc.Type == "dynamic"
		m.Duration = total
	}
	if len(n) > 0 {
		m.Labels.Set(core.LabelManifestError, strings.Join(n, "; "))
	}
	return m, nil
}

// Tracks returns every representation of the manifest.
func (m *Manifest) Tracks() []*Track {
	switch m.Dialect {
	case DialectDASH:
		return m.plain.tracks
	case DialectSegmentTimeline:
		return m.timeline.tracks
	case DialectEncodedList:
		return m.encoded.tracks
	case DialectSmooth:
		return m.smooth.tracks
	}
	return nil
}

// ResolveBitrate returns the bitrate of the representation or quality level
// named key, or 0 when unknown.
func (m *Manifest) ResolveBitrate(key string) int64 {
	switch m.Dialect {
	case DialectSmooth:
		return smoothBitrate(m.smooth.doc, key)
	case DialectDASH, DialectSegmentTimeline, DialectEncodedList:
		for _, t := range m.Tracks() {
			if t.ID == key {
				return t.Bandwidth
			}
		}
	}
	return 0
}

// ResolveDuration returns the play duration in seconds of segment id in
// the main video track, or 0 when unknown.
func (m *Manifest) ResolveDuration(id uint64) float64 {
	return firstDuration(m.Tracks(), "video", id)
}

// AdaptationSetFor returns the representations carrying contentType, or nil.
func (m *Manifest) AdaptationSetFor(contentType string) []*Track {
	var out []*Track
	for _, t := range m.Tracks() {
		if t.ContentType == contentType {
			out = append(out, t)
		}
	}
	return out
}

// ExpectedSegments returns the largest segment count announced for
// contentType, or 0.
func (m *Manifest) ExpectedSegments(contentType string) int {
	n := 0
	for _, t := range m.AdaptationSetFor(contentType) {
		n = max(n, t.SegmentCount())
	}
	return n
}

// Equal reports whether two manifests have the same string form.
func (m *Manifest) Equal(o *Manifest) bool {
	return o != nil && m.Body == o.Body
}

// firstDuration returns the first non-zero duration of id among tracks of
// contentType, then among all tracks.
func firstDuration(tracks []*Track, contentType string, id uint64) float64 {
	for _, t := range tracks {
		if t.ContentType == contentType {
			if d := t.Duration(id); d > 0 {
				return d
			}
		}
	}
	for _, t := range tracks {
		if d := t.Duration(id); d > 0 {
			return d
		}
	}
	return 0
}

// match is the result of mapping a request path onto a manifest.
type match struct {
	track     *Track
	number    uint64
	init      bool
	byCounter bool // number must come from the mapper's counter state
}

// match finds the track and segment number addressed by urlPath.
func (m *Manifest) match(urlPath string) (match, bool) {
	p := stripURL(urlPath)
	for _, t := range m.Tracks() {
		if t.init != nil && t.init.MatchString(p) {
			return match{track: t, init: true}, true
		}
		if t.Initialization != "" && len(t.SegmentURLs) > 0 && hasPathSuffix(p, t.Initialization) {
			return match{track: t, init: true}, true
		}

		if t.media != nil {
			sub := t.media.FindStringSubmatch(p)
			if sub == nil {
				continue
			}
			if m.Dialect == DialectSmooth && namedGroup(t.media, sub, "bitrate") != t.ID {
				continue
			}
			if n := namedGroup(t.media, sub, "number"); n != "" {
				if v, err := strconv.ParseUint(n, 10, 64); err == nil {
					return match{track: t, number: v}, true
				}
			}
			if tm := namedGroup(t.media, sub, "time"); tm != "" {
				v, err := strconv.ParseUint(tm, 10, 64)
				if err == nil {
					if s, ok := t.segmentByTime(v); ok {
						return match{track: t, number: s.Number}, true
					}
				}
			}
			return match{track: t, byCounter: true}, true
		}

		for i, u := range t.SegmentURLs {
			if hasPathSuffix(p, u) {
				return match{track: t, number: t.StartNumber + uint64(i)}, true
			}
		}

		if len(t.SegmentURLs) == 0 && t.BaseURL != "" && hasPathSuffix(p, t.BaseURL) {
			return match{track: t, byCounter: true}, true
		}
	}
	return match{}, false
}

// genericNames are file names that say nothing about the video.
var genericNames = map[string]bool{
	"manifest": true, "index": true, "master": true, "stream": true, "playlist": true,
}

// VideoName derives a stable video name from a manifest URL: the last path
// element without extension, the .ism name for Smooth manifests, or the
// parent directory when the file name is generic.
func VideoName(url string) string {
	p := strings.TrimSuffix(stripURL(url), "/")
	dir, file := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")

	if strings.EqualFold(file, "manifest") {
		if base := path.Base(dir); strings.HasSuffix(strings.ToLower(base), ".ism") ||
			strings.HasSuffix(strings.ToLower(base), ".isml") {
			return strings.TrimSuffix(base, path.Ext(base))
		}
	}
	name := strings.TrimSuffix(file, path.Ext(file))
	if genericNames[strings.ToLower(name)] && dir != "" {
		if parent := path.Base(dir); parent != "/" && parent != "." {
			return strings.TrimSuffix(parent, path.Ext(parent))
		}
	}
	if name == "" {
		return "unknown"
	}
	return name
}
