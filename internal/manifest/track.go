package manifest

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Segment is one entry of a track's segment index. Time and Duration are in
// the track's timescale.
type Segment struct {
	Number   uint64
	Time     uint64
	Duration uint64
}

// Track is one representation (DASH) or quality level (Smooth).
type Track struct {
	ID          string
	ContentType string // video, audio, text
	MimeType    string
	Codecs      string
	Bandwidth   int64
	Width       int
	Height      int

	BaseURL        string // most specific BaseURL, as written
	Media          string // media template or Smooth Url pattern
	Initialization string
	SegmentURLs    []string // SegmentList media, in list order

	Timescale   uint64
	StartNumber uint64
	// SegmentDuration is the constant segment duration of numbered
	// templates and segment lists, 0 when the index is explicit.
	SegmentDuration uint64
	// Count bounds numbered segments when the presentation duration is
	// known, 0 otherwise.
	Count    int
	Segments []Segment // explicit index ordered by Number

	media *regexp.Regexp
	init  *regexp.Regexp
}

// Duration returns the play duration in seconds of segment number, or 0.
func (t *Track) Duration(number uint64) float64 {
	if t.Timescale == 0 {
		return 0
	}
	if len(t.Segments) > 0 {
		if s, ok := t.segmentByNumber(number); ok {
			return float64(s.Duration) / float64(t.Timescale)
		}
		return 0
	}
	if t.SegmentDuration == 0 || number < t.StartNumber {
		return 0
	}
	if t.Count > 0 && number >= t.StartNumber+uint64(t.Count) {
		return 0
	}
	return float64(t.SegmentDuration) / float64(t.Timescale)
}

// MediaTime returns the media start time in seconds of segment number, or -1.
func (t *Track) MediaTime(number uint64) float64 {
	if t.Timescale == 0 {
		return -1
	}
	if s, ok := t.segmentByNumber(number); ok {
		return float64(s.Time) / float64(t.Timescale)
	}
	if t.SegmentDuration > 0 && number >= t.StartNumber {
		return float64((number-t.StartNumber)*t.SegmentDuration) / float64(t.Timescale)
	}
	return -1
}

// SegmentCount returns the number of segments the track announces, or 0.
func (t *Track) SegmentCount() int {
	switch {
	case len(t.Segments) > 0:
		return len(t.Segments)
	case len(t.SegmentURLs) > 0:
		return len(t.SegmentURLs)
	default:
		return t.Count
	}
}

func (t *Track) segmentByNumber(number uint64) (Segment, bool) {
	i := sort.Search(len(t.Segments), func(i int) bool { return t.Segments[i].Number >= number })
	if i < len(t.Segments) && t.Segments[i].Number == number {
		return t.Segments[i], true
	}
	return Segment{}, false
}

// segmentByTime returns the segment starting at media time tm.
func (t *Track) segmentByTime(tm uint64) (Segment, bool) {
	i := sort.Search(len(t.Segments), func(i int) bool { return t.Segments[i].Time >= tm })
	if i < len(t.Segments) && t.Segments[i].Time == tm {
		return t.Segments[i], true
	}
	return Segment{}, false
}

// expand builds an explicit index from repeated (t, d, r) entries.
// DASH repeats r extra times, -1 meaning until end; Smooth uses r as the
// total count. end bounds open repeats in timescale units (0 unknown).
func expand(entries []timelineEntry, startNumber uint64, end uint64, smooth bool) []Segment {
	var segs []Segment
	var now uint64
	number := startNumber
	for i, e := range entries {
		if e.t != nil {
			now = *e.t
		}
		if e.n != nil && *e.n >= 0 {
			number = uint64(*e.n)
		}
		count := e.r + 1
		if smooth {
			count = max(e.r, 1)
		}
		if e.r < 0 {
			// Open repeat: up to the next explicit time or the end.
			limit := end
			if i+1 < len(entries) && entries[i+1].t != nil {
				limit = *entries[i+1].t
			}
			count = 1
			if e.d > 0 && limit > now {
				count = int((limit - now + e.d - 1) / e.d)
			}
		}
		if e.d == 0 {
			count = 1
		}
		for k := 0; k < count && len(segs) < maxSegments; k++ {
			segs = append(segs, Segment{Number: number, Time: now, Duration: e.d})
			now += e.d
			number++
		}
	}
	return segs
}

// maxSegments bounds index expansion of hostile repeat counts.
const maxSegments = 1 << 20

type timelineEntry struct {
	t *uint64
	n *int
	d uint64
	r int
}

var templateIdent = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth|SubNumber)?(?:%0?\d*[dxX])?\$`)

// compileTemplate turns a media or initialization template into a regexp
// matching request paths by suffix. $Number$ and $Time$ become capture
// groups named number and time.
func compileTemplate(tmpl string, t *Track) (*regexp.Regexp, error) {
	tmpl = strings.TrimPrefix(stripURL(tmpl), "/")
	var b strings.Builder
	b.WriteString(`(?:^|/)`)
	last := 0
	for _, loc := range templateIdent.FindAllStringSubmatchIndex(tmpl, -1) {
		b.WriteString(regexp.QuoteMeta(tmpl[last:loc[0]]))
		ident := ""
		if loc[2] >= 0 {
			ident = tmpl[loc[2]:loc[3]]
		}
		switch ident {
		case "":
			b.WriteString(`\$`)
		case "RepresentationID":
			b.WriteString(regexp.QuoteMeta(t.ID))
		case "Bandwidth":
			b.WriteString(`0*` + strconv.FormatInt(t.Bandwidth, 10))
		case "Number":
			b.WriteString(`(?P<number>\d+)`)
		case "Time":
			b.WriteString(`(?P<time>\d+)`)
		case "SubNumber":
			b.WriteString(`\d+`)
		}
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(tmpl[last:]))
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", tmpl, err)
	}
	return re, nil
}

// smoothIdent matches the placeholders of a StreamIndex Url attribute.
var smoothIdent = regexp.MustCompile(`(?i)\{(bitrate|start[ _]time|[^}]*)\}`)

// compileSmooth turns a Smooth Url pattern such as
// QualityLevels({bitrate})/Fragments(video={start time}) into a regexp with
// bitrate and time groups.
func compileSmooth(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?i)(?:^|/)`)
	last := 0
	for _, loc := range smoothIdent.FindAllStringSubmatchIndex(pattern, -1) {
		b.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		switch strings.ToLower(strings.ReplaceAll(pattern[loc[2]:loc[3]], "_", " ")) {
		case "bitrate":
			b.WriteString(`(?P<bitrate>\d+)`)
		case "start time":
			b.WriteString(`(?P<time>\d+)`)
		default:
			b.WriteString(`[^/]*`)
		}
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("smooth url %q: %w", pattern, err)
	}
	return re, nil
}

// stripURL removes scheme, authority, query and leading relative
// components, leaving a path suffix to match against.
func stripURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			u = rest[j:]
		} else {
			u = "/"
		}
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	for {
		switch {
		case strings.HasPrefix(u, "./"):
			u = u[2:]
		case strings.HasPrefix(u, "../"):
			u = u[3:]
		default:
			return u
		}
	}
}

// hasPathSuffix reports whether path ends with the path components of
// suffix.
func hasPathSuffix(path, suffix string) bool {
	suffix = strings.TrimPrefix(stripURL(suffix), "/")
	if suffix == "" || strings.HasSuffix(suffix, "/") {
		return false
	}
	return path == suffix || path == "/"+suffix || strings.HasSuffix(path, "/"+suffix)
}

// namedGroup returns the submatch named name, or "".
func namedGroup(re *regexp.Regexp, m []string, name string) string {
	if i := re.SubexpIndex(name); i >= 0 && i < len(m) {
		return m[i]
	}
	return ""
}
