package manifest

import "bytes"

// Dialect tags the manifest format a body was parsed as.
type Dialect uint8

const (
	DialectUnknown Dialect = iota
	DialectDASH            // plain MPD: BaseURL, SegmentList or numbered SegmentTemplate
	DialectSegmentTimeline // MPD with SegmentTimeline
	DialectEncodedList     // MPD with EncodedSegmentList
	DialectSmooth          // SmoothStreamingMedia
)

func (d Dialect) String() string {
	switch d {
	case DialectDASH:
		return "dash"
	case DialectSegmentTimeline:
		return "dash-timeline"
	case DialectEncodedList:
		return "dash-encoded"
	case DialectSmooth:
		return "smooth"
	default:
		return "unknown"
	}
}

// sniffOrder is the match priority; the first dialect whose element is
// present wins.
var sniffOrder = []struct {
	element string
	dialect Dialect
}{
	{"SmoothStreamingMedia", DialectSmooth},
	{"EncodedSegmentList", DialectEncodedList},
	{"SegmentTimeline", DialectSegmentTimeline},
	{"MPD", DialectDASH},
}

// Sniff returns the dialect of body, or DialectUnknown when it is not a
// manifest.
func Sniff(body []byte) Dialect {
	trimmed := bytes.TrimLeft(body, "\xef\xbb\xbf \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return DialectUnknown
	}
	for _, s := range sniffOrder {
		if hasElement(trimmed, s.element) {
			return s.dialect
		}
	}
	return DialectUnknown
}

// hasElement reports whether body contains a start tag named name, with or
// without a namespace prefix.
func hasElement(body []byte, name string) bool {
	needle := []byte(name)
	for off := 0; off < len(body); {
		i := bytes.Index(body[off:], needle)
		if i < 0 {
			return false
		}
		at := off + i
		end := at + len(needle)
		if at > 0 && end < len(body) && isNameEnd(body[end]) {
			switch prev := body[at-1]; prev {
			case '<':
				return true
			case ':':
				// <ns:Name, but not </ns:Name
				j := bytes.LastIndexByte(body[:at-1], '<')
				if j >= 0 && j+1 < at && body[j+1] != '/' {
					return true
				}
			}
		}
		off = end
	}
	return false
}

func isNameEnd(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '>', '/':
		return true
	}
	return false
}
