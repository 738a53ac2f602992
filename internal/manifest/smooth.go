package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"firestige.xyz/vtrace/internal/core"
)

// smoothTimeScale is the Smooth Streaming default of 100 ns units.
const smoothTimeScale = 10_000_000

// parseSmooth builds one track per StreamIndex quality level.
func parseSmooth(body []byte, n *notes) (*smoothXML, []*Track, error) {
	var doc smoothXML
	if err := decodeXML(body, &doc, n); err != nil {
		return nil, nil, err
	}
	docScale := orDefault(doc.TimeScale, smoothTimeScale)

	var tracks []*Track
	for _, si := range doc.StreamIndexes {
		kind := strings.ToLower(strings.TrimSpace(si.Type))
		scale := orDefault(si.TimeScale, docScale)
		pattern := si.URL
		if pattern == "" {
			pattern = "QualityLevels({bitrate})/Fragments(" + kind + "={start time})"
		}
		re, err := compileSmooth(pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", core.ErrManifestParse, err)
		}

		entries := make([]timelineEntry, 0, len(si.C))
		for _, c := range si.C {
			entries = append(entries, timelineEntry{t: c.T, n: c.N, d: c.D, r: c.R})
		}
		end := uint64(0)
		if doc.Duration > 0 {
			// Document Duration is in the document timescale.
			end = doc.Duration * scale / docScale
		}
		segs := expand(entries, 0, end, true)

		for _, q := range si.QualityLevels {
			tracks = append(tracks, &Track{
				ID:          strconv.FormatInt(q.Bitrate, 10),
				ContentType: contentTypeOf(kind, "", q.FourCC),
				Codecs:      q.FourCC,
				Bandwidth:   q.Bitrate,
				Width:       q.MaxWidth,
				Height:      q.MaxHeight,
				Media:       pattern,
				Timescale:   scale,
				Segments:    segs,
				media:       re,
			})
		}
	}
	if len(tracks) == 0 {
		return nil, nil, core.ErrNoRepresentation
	}
	return &doc, tracks, nil
}

// smoothBitrate resolves a quality key that is either a bitrate or a
// QualityLevel Index.
func smoothBitrate(doc *smoothXML, key string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
	if err != nil {
		return 0
	}
	for _, si := range doc.StreamIndexes {
		for _, q := range si.QualityLevels {
			if q.Bitrate == n {
				return q.Bitrate
			}
		}
	}
	for _, si := range doc.StreamIndexes {
		if !strings.EqualFold(si.Type, "video") {
			continue
		}
		for _, q := range si.QualityLevels {
			if int64(q.Index) == n {
				return q.Bitrate
			}
		}
	}
	return 0
}
