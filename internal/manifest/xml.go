package manifest

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Wire trees. Tag and attribute names follow the MPD and Smooth Streaming
// client manifest schemas and must not be renamed.

type mpdXML struct {
	XMLName                   xml.Name    `xml:"MPD"`
	Type                      string      `xml:"type,attr"`
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	BaseURL                   string      `xml:"BaseURL"`
	Periods                   []periodXML `xml:"Period"`
}

type periodXML struct {
	ID             string             `xml:"id,attr"`
	Start          string             `xml:"start,attr"`
	Duration       string             `xml:"duration,attr"`
	BaseURL        string             `xml:"BaseURL"`
	AdaptationSets []adaptationSetXML `xml:"AdaptationSet"`
}

type adaptationSetXML struct {
	ID                 string               `xml:"id,attr"`
	ContentType        string               `xml:"contentType,attr"`
	MimeType           string               `xml:"mimeType,attr"`
	Codecs             string               `xml:"codecs,attr"`
	BaseURL            string               `xml:"BaseURL"`
	SegmentTemplate    *segmentTemplateXML  `xml:"SegmentTemplate"`
	SegmentList        *segmentListXML      `xml:"SegmentList"`
	EncodedSegmentList *encodedSegmentsXML  `xml:"EncodedSegmentList"`
	Representations    []representationXML `xml:"Representation"`
}

type representationXML struct {
	ID                 string              `xml:"id,attr"`
	Bandwidth          int64               `xml:"bandwidth,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Codecs             string              `xml:"codecs,attr"`
	Width              int                 `xml:"width,attr"`
	Height             int                 `xml:"height,attr"`
	BaseURL            string              `xml:"BaseURL"`
	SegmentTemplate    *segmentTemplateXML `xml:"SegmentTemplate"`
	SegmentList        *segmentListXML     `xml:"SegmentList"`
	EncodedSegmentList *encodedSegmentsXML `xml:"EncodedSegmentList"`
}

type segmentTemplateXML struct {
	Media           string              `xml:"media,attr"`
	Initialization  string              `xml:"initialization,attr"`
	Timescale       uint64              `xml:"timescale,attr"`
	Duration        uint64              `xml:"duration,attr"`
	StartNumber     *uint64             `xml:"startNumber,attr"`
	SegmentTimeline *segmentTimelineXML `xml:"SegmentTimeline"`
}

type segmentTimelineXML struct {
	S []timelineEntryXML `xml:"S"`
}

type timelineEntryXML struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

type segmentListXML struct {
	Timescale      uint64          `xml:"timescale,attr"`
	Duration       uint64          `xml:"duration,attr"`
	StartNumber    *uint64         `xml:"startNumber,attr"`
	Initialization *urlXML         `xml:"Initialization"`
	SegmentURLs    []segmentURLXML `xml:"SegmentURL"`
}

type urlXML struct {
	SourceURL string `xml:"sourceURL,attr"`
}

type segmentURLXML struct {
	Media string `xml:"media,attr"`
}

type encodedSegmentsXML struct {
	Timescale   uint64  `xml:"timescale,attr"`
	Duration    uint64  `xml:"duration,attr"`
	StartNumber *uint64 `xml:"startNumber,attr"`
	Media       string  `xml:"media,attr"`
	Durations   string  `xml:"EncodedSegmentDurations"`
}

type smoothXML struct {
	XMLName       xml.Name         `xml:"SmoothStreamingMedia"`
	MajorVersion  int              `xml:"MajorVersion,attr"`
	MinorVersion  int              `xml:"MinorVersion,attr"`
	TimeScale     uint64           `xml:"TimeScale,attr"`
	Duration      uint64           `xml:"Duration,attr"`
	IsLive        bool             `xml:"IsLive,attr"`
	StreamIndexes []streamIndexXML `xml:"StreamIndex"`
}

type streamIndexXML struct {
	Type          string            `xml:"Type,attr"`
	Name          string            `xml:"Name,attr"`
	URL           string            `xml:"Url,attr"`
	Chunks        int               `xml:"Chunks,attr"`
	TimeScale     uint64            `xml:"TimeScale,attr"`
	QualityLevels []qualityLevelXML `xml:"QualityLevel"`
	C             []chunkXML        `xml:"c"`
}

type qualityLevelXML struct {
	Index     int    `xml:"Index,attr"`
	Bitrate   int64  `xml:"Bitrate,attr"`
	FourCC    string `xml:"FourCC,attr"`
	MaxWidth  int    `xml:"MaxWidth,attr"`
	MaxHeight int    `xml:"MaxHeight,attr"`
}

type chunkXML struct {
	N *int    `xml:"n,attr"`
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

type attrKind int

const (
	attrInt attrKind = iota
	attrUint
	attrBool
)

// numericAttrs lists, per element, the attributes decoded into numbers or
// booleans.
var numericAttrs = map[string]map[string]attrKind{
	"Representation":       {"bandwidth": attrInt, "width": attrInt, "height": attrInt},
	"SegmentTemplate":      {"timescale": attrUint, "duration": attrUint, "startNumber": attrUint},
	"SegmentList":          {"timescale": attrUint, "duration": attrUint, "startNumber": attrUint},
	"EncodedSegmentList":   {"timescale": attrUint, "duration": attrUint, "startNumber": attrUint},
	"S":                    {"t": attrUint, "d": attrUint, "r": attrInt},
	"SmoothStreamingMedia": {"MajorVersion": attrInt, "MinorVersion": attrInt, "TimeScale": attrUint, "Duration": attrUint, "IsLive": attrBool},
	"StreamIndex":          {"Chunks": attrInt, "TimeScale": attrUint},
	"QualityLevel":         {"Index": attrInt, "Bitrate": attrInt, "MaxWidth": attrInt, "MaxHeight": attrInt},
	"c":                    {"n": attrInt, "t": attrUint, "d": attrUint, "r": attrInt},
}

func (k attrKind) valid(v string) bool {
	v = strings.TrimSpace(v)
	var err error
	switch k {
	case attrInt:
		_, err = strconv.ParseInt(v, 10, 64)
	case attrUint:
		_, err = strconv.ParseUint(v, 10, 64)
	case attrBool:
		_, err = strconv.ParseBool(v)
	}
	return err == nil
}

// notes collects fields that failed to parse and were left at their zero
// value.
type notes []string

func (n *notes) add(format string, args ...any) {
	*n = append(*n, fmt.Sprintf(format, args...))
}

// lenientReader drops numeric attributes that do not parse, so the field
// keeps its zero value instead of failing the whole document.
type lenientReader struct {
	dec   *xml.Decoder
	notes *notes
}

func (r *lenientReader) Token() (xml.Token, error) {
	tok, err := r.dec.Token()
	se, ok := tok.(xml.StartElement)
	if !ok {
		return tok, err
	}
	kinds := numericAttrs[se.Name.Local]
	if kinds == nil {
		return tok, err
	}
	attrs := make([]xml.Attr, 0, len(se.Attr))
	for _, a := range se.Attr {
		if kind, ok := kinds[a.Name.Local]; ok && a.Name.Space == "" && !kind.valid(a.Value) {
			r.notes.add("%s@%s=%q ignored", se.Name.Local, a.Name.Local, a.Value)
			continue
		}
		attrs = append(attrs, a)
	}
	se.Attr = attrs
	return se, err
}
