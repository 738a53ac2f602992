package httpobj

import (
	"bytes"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/session"
)

// Correlator turns reconstructed session streams into HTTP objects.
type Correlator struct {
	logger *slog.Logger
}

// NewCorrelator creates a correlator. A nil logger uses slog.Default().
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{logger: logger}
}

// pairFunc hands a response the request it answers, or nil.
type pairFunc func(ts float64) *Object

// Correlate scans the uplink stream for requests and the downlink stream for
// responses, pairs them in order and returns all objects sorted by timestamp.
// Requests without a response are kept with StatusRequestOnly.
func (c *Correlator) Correlate(sess *session.Session) []*Object {
	if sess.Key.Transport != core.TransportTCP {
		return nil
	}

	reqs := c.scan(sess, sess.Uplink, KindRequest, nil)
	next := 0
	resps := c.scan(sess, sess.Downlink, KindResponse, func(ts float64) *Object {
		if next < len(reqs) && reqs[next].Timestamp <= ts {
			r := reqs[next]
			next++
			return r
		}
		return nil
	})

	for _, r := range reqs {
		if r.Pair == nil && r.Status == StatusComplete {
			r.Status = StatusRequestOnly
		}
	}

	objs := make([]*Object, 0, len(reqs)+len(resps))
	objs = append(objs, reqs...)
	objs = append(objs, resps...)
	sort.SliceStable(objs, func(i, j int) bool { return objs[i].Timestamp < objs[j].Timestamp })
	for _, o := range objs {
		if err := o.Err(); err != nil {
			c.logger.Debug("object incomplete", "session", sess.Key.String(), "kind", o.Kind.String(),
				"path", o.URL(), "error", err)
		}
	}
	return objs
}

// scan walks one stream and slices out every message of kind. The loop is
// bounded by the stream length: each iteration either consumes bytes or stops.
func (c *Correlator) scan(sess *session.Session, st *session.Stream, kind Kind, pair pairFunc) []*Object {
	data := st.Bytes()
	var objs []*Object
	pos, skipped := 0, 0

	for pos < len(data) {
		start, sl, ok := findStart(data, pos, kind)
		if !ok {
			skipped += len(data) - pos
			break
		}
		skipped += start - pos

		obj := &Object{
			Session:        sess.Key,
			Direction:      st.Direction(),
			Kind:           kind,
			Method:         sl.method,
			Target:         sl.target,
			Proto:          sl.proto,
			StatusCode:     sl.statusCode,
			Begin:          start,
			DeclaredLength: -1,
		}
		obj.Timestamp, _ = st.TimeAt(start)
		if kind == KindRequest {
			obj.Path = objectPath(sl.target)
		}

		hEnd := headerEnd(data, start)
		if hEnd < 0 {
			// Header block cut off by the end of the capture.
			obj.Status = StatusPending
			obj.HeaderBytes = data[start:]
			obj.End = len(data)
			obj.BodyBegin, obj.BodyEnd = len(data), len(data)
			obj.Labels.Set(core.LabelHTTPTruncated, "header")
			c.finishObject(st, obj)
			if kind == KindResponse && pair != nil {
				link(pair(obj.Timestamp), obj)
			}
			objs = append(objs, obj)
			break
		}

		first := lineEnd(data, start)
		header, bad := parseHeaders(data[first+1 : hEnd])
		obj.Header = header
		obj.HeaderBytes = data[start:hEnd]
		obj.ContentType = mediaType(header.Get("Content-Type"))
		obj.Encoding = strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
		if kind == KindRequest {
			obj.Host = hostOf(header, sl.target)
		} else {
			obj.ContentRange = header.Get("Content-Range")
		}
		if bad > 0 {
			obj.Labels.Set(core.LabelHTTPMalformedHeader, strconv.Itoa(bad))
			obj.Status = StatusDegraded
		}

		// Interim 1xx responses carry no body and answer no request.
		if kind == KindResponse && sl.statusCode/100 == 1 && sl.statusCode != 101 {
			pos = hEnd
			continue
		}
		if kind == KindResponse && pair != nil {
			link(pair(obj.Timestamp), obj)
		}

		c.frameBody(data, hEnd, obj)
		c.finishObject(st, obj)
		objs = append(objs, obj)
		pos = obj.End

		if kind == KindResponse && sl.statusCode == 101 {
			// Protocol switch: the rest of the stream is not HTTP/1.
			break
		}
	}

	if skipped > 0 {
		sess.Labels.Set(core.LabelHTTPResync+"."+st.Direction().String(), strconv.Itoa(skipped))
		c.logger.Debug("skipped non-http bytes", "session", sess.Key.String(),
			"direction", st.Direction().String(), "bytes", skipped)
	}
	return objs
}

// link pairs a request and a response.
func link(req, resp *Object) {
	if req == nil {
		return
	}
	req.Pair = resp
	resp.Pair = req
}

// frameBody determines the body extent of obj, whose header ends at hEnd.
func (c *Correlator) frameBody(data []byte, hEnd int, obj *Object) {
	obj.BodyBegin = hEnd
	avail := data[hEnd:]

	bodyless := false
	if obj.Kind == KindResponse {
		code := obj.StatusCode
		bodyless = code == 204 || code == 304 || code == 101 ||
			(obj.Pair != nil && obj.Pair.Method == "HEAD")
	}
	cl, clValid := contentLength(obj.Header)
	if !clValid {
		obj.Labels.Set(core.LabelHTTPMalformedHeader, "content-length")
		obj.Status = StatusDegraded
	}

	switch {
	case bodyless:
		obj.BodyEnd = hEnd

	case isChunked(obj.Header):
		obj.Chunked = true
		body, consumed, complete, err := dechunk(avail)
		obj.Body = body
		obj.DeclaredLength = int64(len(body))
		obj.BodyEnd = hEnd + consumed
		if err != nil {
			obj.Labels.Set(core.LabelHTTPDecodeError, err.Error())
			obj.Status = StatusDegraded
			// Unparseable framing: nothing after this point can be trusted.
			obj.BodyEnd = len(data)
		} else if !complete {
			obj.Status = StatusPending
			obj.Labels.Set(core.LabelHTTPTruncated, "chunked")
		}

	case cl >= 0:
		obj.DeclaredLength = cl
		if cl > int64(len(avail)) {
			obj.Body = avail
			obj.BodyEnd = len(data)
			obj.Status = StatusPending
			obj.Labels.Set(core.LabelHTTPTruncated,
				strconv.Itoa(len(avail))+"/"+strconv.FormatInt(cl, 10))
		} else {
			obj.Body = avail[:cl]
			obj.BodyEnd = hEnd + int(cl)
		}

	case obj.Kind == KindRequest:
		obj.DeclaredLength = 0
		obj.BodyEnd = hEnd

	default:
		// Delimited by connection close.
		obj.Body = avail
		obj.BodyEnd = len(data)
	}
	obj.End = obj.BodyEnd

	if len(obj.Body) > 0 && obj.IsText() && decodable(obj.Encoding) {
		decoded, err := decodeContent(obj.Encoding, obj.Body)
		if err != nil {
			obj.Labels.Set(core.LabelHTTPDecodeError, err.Error())
			if obj.Status == StatusComplete {
				obj.Status = StatusDegraded
			}
			c.logger.Debug("content decoding failed", "session", obj.Session.String(),
				"path", obj.URL(), "error", err)
		}
		if len(decoded) > 0 || err == nil {
			obj.Decoded = decoded
		}
	}
}

// finishObject resolves the packet references of obj from the offset map.
func (c *Correlator) finishObject(st *session.Stream, obj *Object) {
	firstOff := obj.BodyBegin
	if obj.BodyEnd <= obj.BodyBegin {
		firstOff = obj.BodyBegin - 1
	}
	if ch, ok := st.ChunkAt(firstOff); ok {
		obj.FirstDataID = ch.PacketID
		obj.FirstByteTime = ch.Timestamp
	}
	if obj.End > obj.Begin {
		if ch, ok := st.ChunkAt(obj.End - 1); ok {
			obj.LastDataID = ch.PacketID
			obj.LastByteTime = ch.Timestamp
		}
	}
}

// findStart returns the first line start at or after pos that parses as a
// start line of kind.
func findStart(data []byte, pos int, kind Kind) (int, startLine, bool) {
	for p := pos; p < len(data); {
		end := lineEnd(data, p)
		if end < 0 {
			// Over-long line: no start line can begin before its end.
			i := bytes.IndexByte(data[p:], '\n')
			if i < 0 {
				return 0, startLine{}, false
			}
			p += i + 1
			continue
		}
		if sl, err := parseStartLine(trimCR(data[p:end]), kind); err == nil {
			return p, sl, true
		}
		p = end + 1
	}
	return 0, startLine{}, false
}
