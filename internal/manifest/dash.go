package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"firestige.xyz/vtrace/internal/core"
)

// decodeXML unmarshals body into v. Declared charsets are ignored: manifest
// documents are ASCII in every field the resolver reads. Numeric attributes
// that do not parse are left at zero and recorded in n.
func decodeXML(body []byte, v any, n *notes) error {
	raw := xml.NewDecoder(bytes.NewReader(body))
	raw.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	raw.Strict = false
	dec := xml.NewTokenDecoder(&lenientReader{dec: raw, notes: n})
	dec.Strict = false
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrManifestParse, err)
	}
	return nil
}

// parseMPD builds the track list of an MPD document.
func parseMPD(body []byte, n *notes) (*mpdXML, []*Track, float64, error) {
	var doc mpdXML
	if err := decodeXML(body, &doc, n); err != nil {
		return nil, nil, 0, err
	}
	total := parseISODuration(doc.MediaPresentationDuration)

	var tracks []*Track
	for _, p := range doc.Periods {
		period := parseISODuration(p.Duration)
		if period == 0 && len(doc.Periods) == 1 {
			period = total
		}
		for i := range p.AdaptationSets {
			as := &p.AdaptationSets[i]
			for j := range as.Representations {
				t, err := buildTrack(as, &as.Representations[j], j, period, n)
				if err != nil {
					return nil, nil, 0, err
				}
				tracks = append(tracks, t)
			}
		}
	}
	if len(tracks) == 0 {
		return nil, nil, 0, core.ErrNoRepresentation
	}
	return &doc, tracks, total, nil
}

func buildTrack(as *adaptationSetXML, rep *representationXML, idx int, period float64, n *notes) (*Track, error) {
	t := &Track{
		ID:        rep.ID,
		MimeType:  firstNonEmpty(rep.MimeType, as.MimeType),
		Codecs:    firstNonEmpty(rep.Codecs, as.Codecs),
		Bandwidth: rep.Bandwidth,
		Width:     rep.Width,
		Height:    rep.Height,
		BaseURL:   strings.TrimSpace(rep.BaseURL),
	}
	if t.ID == "" {
		t.ID = firstNonEmpty(as.ID, "as") + "-" + strconv.Itoa(idx)
	}
	t.ContentType = contentTypeOf(as.ContentType, t.MimeType, t.Codecs)

	tmpl := mergeTemplate(as.SegmentTemplate, rep.SegmentTemplate)
	list := rep.SegmentList
	if list == nil {
		list = as.SegmentList
	}
	enc := rep.EncodedSegmentList
	if enc == nil {
		enc = as.EncodedSegmentList
	}

	switch {
	case enc != nil:
		if tmpl != nil {
			t.Media, t.Initialization = tmpl.Media, tmpl.Initialization
		}
		if enc.Media != "" {
			t.Media = enc.Media
		}
		t.Timescale = orDefault(enc.Timescale, tmplTimescale(tmpl))
		t.StartNumber = startNumber(enc.StartNumber)
		durations, err := decodeDurations(enc.Durations)
		if err != nil {
			n.add("%s: %v", t.ID, err)
		}
		if len(durations) == 0 {
			t.SegmentDuration = enc.Duration
			t.Count = segmentCount(period, t.Timescale, enc.Duration)
		}
		var now uint64
		for i, d := range durations {
			t.Segments = append(t.Segments, Segment{Number: t.StartNumber + uint64(i), Time: now, Duration: d})
			now += d
		}

	case tmpl != nil:
		t.Media, t.Initialization = tmpl.Media, tmpl.Initialization
		t.Timescale = orDefault(tmpl.Timescale, 1)
		t.StartNumber = startNumber(tmpl.StartNumber)
		if tmpl.SegmentTimeline != nil {
			entries := make([]timelineEntry, 0, len(tmpl.SegmentTimeline.S))
			for _, s := range tmpl.SegmentTimeline.S {
				entries = append(entries, timelineEntry{t: s.T, d: s.D, r: s.R})
			}
			end := uint64(period * float64(t.Timescale))
			t.Segments = expand(entries, t.StartNumber, end, false)
		} else {
			t.SegmentDuration = tmpl.Duration
			t.Count = segmentCount(period, t.Timescale, tmpl.Duration)
		}

	case list != nil:
		t.Timescale = orDefault(list.Timescale, 1)
		t.StartNumber = startNumber(list.StartNumber)
		t.SegmentDuration = list.Duration
		for _, u := range list.SegmentURLs {
			t.SegmentURLs = append(t.SegmentURLs, strings.TrimSpace(u.Media))
		}
		if list.Initialization != nil {
			t.Initialization = list.Initialization.SourceURL
		}

	default:
		// Single-file representation addressed by BaseURL.
		t.Timescale = 1
		t.StartNumber = 1
	}

	var err error
	if t.Media != "" {
		if t.media, err = compileTemplate(t.Media, t); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrManifestParse, err)
		}
	}
	if t.Initialization != "" && len(t.SegmentURLs) == 0 {
		if t.init, err = compileTemplate(t.Initialization, t); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrManifestParse, err)
		}
	}
	return t, nil
}

// mergeTemplate applies representation-level overrides to the adaptation
// set template.
func mergeTemplate(parent, child *segmentTemplateXML) *segmentTemplateXML {
	switch {
	case parent == nil:
		return child
	case child == nil:
		return parent
	}
	out := *parent
	if child.Media != "" {
		out.Media = child.Media
	}
	if child.Initialization != "" {
		out.Initialization = child.Initialization
	}
	if child.Timescale != 0 {
		out.Timescale = child.Timescale
	}
	if child.Duration != 0 {
		out.Duration = child.Duration
	}
	if child.StartNumber != nil {
		out.StartNumber = child.StartNumber
	}
	if child.SegmentTimeline != nil {
		out.SegmentTimeline = child.SegmentTimeline
	}
	return &out
}

func tmplTimescale(t *segmentTemplateXML) uint64 {
	if t == nil || t.Timescale == 0 {
		return 1
	}
	return t.Timescale
}

func startNumber(v *uint64) uint64 {
	if v == nil {
		return 1
	}
	return *v
}

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func segmentCount(period float64, timescale, duration uint64) int {
	if period <= 0 || duration == 0 || timescale == 0 {
		return 0
	}
	return int(math.Ceil(period * float64(timescale) / float64(duration)))
}

// contentTypeOf derives video, audio or text from the declared content
// type, the MIME type or the codecs string.
func contentTypeOf(declared, mime, codecs string) string {
	if declared != "" {
		return strings.ToLower(declared)
	}
	if major, _, ok := strings.Cut(strings.ToLower(mime), "/"); ok {
		switch major {
		case "video", "audio", "text":
			return major
		case "application":
			if strings.Contains(mime, "ttml") || strings.Contains(mime, "vtt") {
				return "text"
			}
		}
	}
	c := strings.ToLower(codecs)
	switch {
	case strings.HasPrefix(c, "avc"), strings.HasPrefix(c, "hvc"), strings.HasPrefix(c, "hev"),
		strings.HasPrefix(c, "vp0"), strings.HasPrefix(c, "vp9"), strings.HasPrefix(c, "av01"):
		return "video"
	case strings.HasPrefix(c, "mp4a"), strings.HasPrefix(c, "ac-3"), strings.HasPrefix(c, "ec-3"),
		strings.HasPrefix(c, "opus"):
		return "audio"
	case strings.HasPrefix(c, "stpp"), strings.HasPrefix(c, "wvtt"):
		return "text"
	}
	return "unknown"
}

// decodeDurations reads EncodedSegmentDurations. A run of hex digits whose
// length is a multiple of eight holds 32-bit big-endian values when it
// contains a letter digit or more than one value; anything else is a
// decimal list separated by commas or whitespace.
func decodeDurations(text string) ([]uint64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if len(text)%8 == 0 && isHex(text) && (len(text) > 8 || hasHexLetter(text)) {
		raw, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%w: encoded durations: %v", core.ErrManifestParse, err)
		}
		out := make([]uint64, 0, len(raw)/4)
		for i := 0; i+4 <= len(raw); i += 4 {
			out = append(out, uint64(binary.BigEndian.Uint32(raw[i:])))
		}
		return out, nil
	}
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: encoded duration %q", core.ErrManifestParse, f)
		}
		out = append(out, v)
	}
	return out, nil
}

func hasHexLetter(s string) bool {
	return strings.ContainsAny(s, "abcdefABCDEF")
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// parseISODuration converts an xs:duration such as PT1H2M3.5S to seconds.
// Year and month designators are not used by manifests and yield 0.
func parseISODuration(s string) float64 {
	m := isoDuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	var total float64
	for i, unit := range []float64{86400, 3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0
		}
		total += v * unit
	}
	return total
}
