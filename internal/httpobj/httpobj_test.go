package httpobj

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vtrace/internal/core"
	"firestige.xyz/vtrace/internal/session"
)

var testKey = core.SessionKey{
	Transport: core.TransportTCP,
	Local:     netip.MustParseAddrPort("10.0.0.2:51000"),
	Remote:    netip.MustParseAddrPort("203.0.113.7:80"),
}

// flow builds a session from payloads appended in order per direction.
type flow struct {
	sess *session.Session
	id   int
	seq  map[core.Direction]uint32
}

func newFlow() *flow {
	return &flow{
		sess: session.New(testKey),
		seq:  map[core.Direction]uint32{core.Uplink: 100, core.Downlink: 5000},
	}
}

// send appends payload in dir at ts and returns the packet id.
func (f *flow) send(ts float64, dir core.Direction, payload string) int {
	f.id++
	p := &core.Packet{
		ID:        f.id,
		Timestamp: ts,
		Direction: dir,
		Transport: core.TransportTCP,
		Key:       testKey,
		Seq:       f.seq[dir],
		Flags:     core.FlagACK | core.FlagPSH,
		Payload:   []byte(payload),
	}
	f.sess.Add(p)
	f.seq[dir] += uint32(len(payload))
	return f.id
}

// resend retransmits payload at the given sequence number.
func (f *flow) resend(ts float64, dir core.Direction, seq uint32, payload string) bool {
	f.id++
	return f.sess.Add(&core.Packet{
		ID: f.id, Timestamp: ts, Direction: dir, Transport: core.TransportTCP,
		Key: testKey, Seq: seq, Flags: core.FlagACK, Payload: []byte(payload),
	})
}

func (f *flow) correlate() []*Object {
	f.sess.Finish()
	return NewCorrelator(nil).Correlate(f.sess)
}

func byKind(objs []*Object, k Kind) []*Object {
	var out []*Object
	for _, o := range objs {
		if o.Kind == k {
			out = append(out, o)
		}
	}
	return out
}

func gzipped(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.String()
}

func TestCorrelate_RetransmittedBodyCountedOnce(t *testing.T) {
	f := newFlow()
	header := "HTTP/1.1 200 OK\r\nContent-Type: video/mp4\r\nContent-Length: 10\r\n\r\n"
	f.send(1.0, core.Downlink, header)
	bodySeq := f.seq[core.Downlink]
	bodyID := f.send(1.2, core.Downlink, "0123456789")
	assert.False(t, f.resend(1.3, core.Downlink, bodySeq, "0123456789"))

	objs := f.correlate()
	assert.Equal(t, 2, f.sess.Accepted())
	require.Len(t, objs, 1)

	resp := objs[0]
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, StatusComplete, resp.Status)
	assert.Equal(t, 10, resp.ContentLength())
	assert.EqualValues(t, 10, resp.DeclaredLength)
	assert.Equal(t, bodyID, resp.FirstDataID)
	assert.Equal(t, bodyID, resp.LastDataID)
	assert.Equal(t, 1.0, resp.Timestamp)
	assert.Equal(t, 1.2, resp.LastByteTime)
	assert.Nil(t, resp.Pair)
}

func TestCorrelate_RequestResponsePair(t *testing.T) {
	f := newFlow()
	f.send(0.5, core.Uplink, "GET /vod/movie/seg-1.m4s?token=x HTTP/1.1\r\nHost: cdn.example\r\n\r\n")
	h1 := f.send(0.6, core.Downlink, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\n")
	b1 := f.send(0.7, core.Downlink, "abc")
	b2 := f.send(0.8, core.Downlink, "def")

	objs := f.correlate()
	require.Len(t, objs, 2)
	req, resp := objs[0], objs[1]

	assert.Equal(t, KindRequest, req.Kind)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/vod/movie/seg-1.m4s", req.Path)
	assert.Equal(t, "cdn.example", req.Host)
	assert.Equal(t, "cdn.example/vod/movie/seg-1.m4s?token=x", req.URL())
	assert.Equal(t, StatusComplete, req.Status)

	assert.Same(t, resp, req.Pair)
	assert.Same(t, req, resp.Pair)
	assert.Same(t, req, resp.Request())
	assert.Same(t, resp, req.Response())
	assert.Equal(t, req.URL(), resp.URL())
	assert.Equal(t, "abcdef", string(resp.Body))
	assert.Equal(t, b1, resp.FirstDataID)
	assert.Equal(t, b2, resp.LastDataID)
	assert.Equal(t, []int{h1, b1, b2}, f.sess.PacketIDs(core.Downlink, resp.Begin, resp.End))
	assert.Equal(t, resp.End-resp.Begin, resp.WireSize())
}

func TestCorrelate_AbsoluteTargetURL(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Uplink, "GET http://proxy.example/a/b.mpd HTTP/1.1\r\n\r\n")
	objs := f.correlate()
	require.Len(t, objs, 1)
	assert.Equal(t, "proxy.example", objs[0].Host)
	assert.Equal(t, "/a/b.mpd", objs[0].Path)
	assert.Equal(t, "http://proxy.example/a/b.mpd", objs[0].URL())
}

func TestCorrelate_GzipTextContentLength(t *testing.T) {
	manifest := `<?xml version="1.0"?><MPD><Period><AdaptationSet contentType="video"/></Period></MPD>`
	body := gzipped(t, manifest)

	f := newFlow()
	f.send(0.1, core.Downlink, fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: application/dash+xml; charset=utf-8\r\nContent-Encoding: gzip\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body))

	objs := f.correlate()
	require.Len(t, objs, 1)
	resp := objs[0]
	assert.Equal(t, StatusComplete, resp.Status)
	assert.Equal(t, "application/dash+xml", resp.ContentType)
	assert.Equal(t, len(body), len(resp.Body))
	assert.Equal(t, len(manifest), resp.ContentLength())
	assert.Equal(t, manifest, string(resp.Content()))
}

func TestCorrelate_BinaryBodyNotDecoded(t *testing.T) {
	body := gzipped(t, "not really video")
	f := newFlow()
	f.send(0.1, core.Downlink, fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: video/mp4\r\nContent-Encoding: gzip\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body))

	objs := f.correlate()
	require.Len(t, objs, 1)
	assert.Nil(t, objs[0].Decoded)
	assert.Equal(t, len(body), objs[0].ContentLength())
}

func TestCorrelate_Chunked(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Downlink, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Type: text/plain\r\n\r\n4\r\nWiki\r\n")
	f.send(0.2, core.Downlink, "5;ext=1\r\npedia\r\n0\r\nX-Trailer: yes\r\n\r\n")
	f.send(0.3, core.Downlink, "HTTP/1.1 204 No Content\r\n\r\n")

	objs := f.correlate()
	require.Len(t, objs, 2)
	assert.True(t, objs[0].Chunked)
	assert.Equal(t, "Wikipedia", string(objs[0].Body))
	assert.Equal(t, StatusComplete, objs[0].Status)
	assert.EqualValues(t, 9, objs[0].DeclaredLength)
	assert.Equal(t, 204, objs[1].StatusCode)
	assert.Empty(t, objs[1].Body)
}

func TestCorrelate_TruncatedBodyIsPending(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Downlink, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n0123456789")

	objs := f.correlate()
	require.Len(t, objs, 1)
	resp := objs[0]
	assert.Equal(t, StatusPending, resp.Status)
	assert.EqualValues(t, 100, resp.DeclaredLength)
	assert.Equal(t, 10, resp.ContentLength())
	assert.Equal(t, "10/100", resp.Labels[core.LabelHTTPTruncated])
	assert.ErrorIs(t, resp.Err(), core.ErrTruncatedBody)
	assert.NotErrorIs(t, resp.Err(), core.ErrMalformedHeader)
}

func TestCorrelate_TruncatedHeaderIsPending(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Downlink, "HTTP/1.1 200 OK\r\nContent-Le")

	objs := f.correlate()
	require.Len(t, objs, 1)
	assert.Equal(t, StatusPending, objs[0].Status)
	assert.Equal(t, "header", objs[0].Labels[core.LabelHTTPTruncated])
}

func TestCorrelate_RequestOnly(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Uplink, "GET /a HTTP/1.1\r\nHost: h\r\n\r\n")
	f.send(0.2, core.Uplink, "GET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	f.send(0.3, core.Downlink, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA")

	objs := f.correlate()
	reqs := byKind(objs, KindRequest)
	resps := byKind(objs, KindResponse)
	require.Len(t, reqs, 2)
	require.Len(t, resps, 1)

	assert.Same(t, reqs[0], resps[0].Pair)
	assert.Equal(t, StatusComplete, reqs[0].Status)
	assert.Equal(t, StatusRequestOnly, reqs[1].Status)
	assert.Nil(t, reqs[1].Pair)
}

func TestCorrelate_HeadResponseIsBodyless(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Uplink, "HEAD /a HTTP/1.1\r\nHost: h\r\n\r\nGET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	f.send(0.2, core.Downlink, "HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\n")
	f.send(0.3, core.Downlink, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	resps := byKind(f.correlate(), KindResponse)
	require.Len(t, resps, 2)
	assert.Equal(t, "HEAD", resps[0].Pair.Method)
	assert.Empty(t, resps[0].Body)
	assert.Equal(t, StatusComplete, resps[0].Status)
	assert.Equal(t, "/b", resps[1].Pair.Path)
	assert.Equal(t, "ok", string(resps[1].Body))
}

func TestCorrelate_InterimResponseSkipped(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Uplink, "POST /upload HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\nExpect: 100-continue\r\n\r\n")
	f.send(0.2, core.Downlink, "HTTP/1.1 100 Continue\r\n\r\n")
	f.send(0.3, core.Uplink, "abc")
	f.send(0.4, core.Downlink, "HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n")

	objs := f.correlate()
	resps := byKind(objs, KindResponse)
	require.Len(t, resps, 1)
	assert.Equal(t, 201, resps[0].StatusCode)
	require.NotNil(t, resps[0].Pair)
	assert.Equal(t, "abc", string(resps[0].Pair.Body))
}

func TestCorrelate_ResynchronisesAfterGarbage(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Uplink, "\x16\x03\x01garbage\r\nmore junk\nGET /x HTTP/1.1\r\nHost: h\r\n\r\n")

	objs := f.correlate()
	require.Len(t, objs, 1)
	assert.Equal(t, "/x", objs[0].Path)
	assert.Equal(t, "22", f.sess.Labels[core.LabelHTTPResync+".uplink"])
}

func TestCorrelate_CloseDelimitedResponse(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Downlink, "HTTP/1.0 200 OK\nContent-Type: text/plain\n\nuntil the end")

	objs := f.correlate()
	require.Len(t, objs, 1)
	assert.EqualValues(t, -1, objs[0].DeclaredLength)
	assert.Equal(t, "until the end", string(objs[0].Body))
	assert.Equal(t, StatusComplete, objs[0].Status)
	assert.NoError(t, objs[0].Err())
}

func TestCorrelate_MalformedHeaderDegrades(t *testing.T) {
	f := newFlow()
	f.send(0.1, core.Downlink, "HTTP/1.1 206 Partial Content\r\nBad Header Line\r\nContent-Range: bytes 0-1/10\r\nContent-Length: 2\r\n\r\nhi")

	objs := f.correlate()
	require.Len(t, objs, 1)
	assert.Equal(t, StatusDegraded, objs[0].Status)
	assert.Equal(t, "1", objs[0].Labels[core.LabelHTTPMalformedHeader])
	assert.ErrorIs(t, objs[0].Err(), core.ErrMalformedHeader)
	assert.Equal(t, "bytes 0-1/10", objs[0].ContentRange)
	assert.Equal(t, "hi", string(objs[0].Body))
}

func TestCorrelate_UDPSessionHasNoObjects(t *testing.T) {
	key := testKey
	key.Transport = core.TransportUDP
	s := session.New(key)
	s.Add(&core.Packet{ID: 1, Timestamp: 1, Direction: core.Downlink, Transport: core.TransportUDP,
		Key: key, Payload: []byte("HTTP/1.1 200 OK\r\n\r\n")})
	s.Finish()
	assert.Nil(t, NewCorrelator(nil).Correlate(s))
}

func TestParseRequestLine(t *testing.T) {
	sl, err := parseRequestLine([]byte("GET /index.mpd HTTP/1.1"))
	require.NoError(t, err)
	assert.Equal(t, "GET", sl.method)
	assert.Equal(t, "/index.mpd", sl.target)
	assert.Equal(t, "HTTP/1.1", sl.proto)

	for _, bad := range []string{
		"get /a HTTP/1.1",
		"GET /a",
		"GET /a HTTP/x",
		"G(T /a HTTP/1.1",
	} {
		_, err := parseRequestLine([]byte(bad))
		assert.ErrorIs(t, err, core.ErrMalformedStartLine, bad)
	}
}

func TestParseStatusLine(t *testing.T) {
	sl, err := parseStatusLine([]byte("HTTP/1.1 404 Not Found"))
	require.NoError(t, err)
	assert.Equal(t, 404, sl.statusCode)

	sl, err = parseStatusLine([]byte("HTTP/1.0 200"))
	require.NoError(t, err)
	assert.Equal(t, 200, sl.statusCode)

	for _, bad := range []string{"HTTP/1.1 20 OK", "HTTP/1.1 abc", "HTTPS/1.1 200 OK", "200 OK"} {
		_, err := parseStatusLine([]byte(bad))
		assert.ErrorIs(t, err, core.ErrMalformedStartLine, bad)
	}
}

func TestParseHeaders(t *testing.T) {
	h, bad := parseHeaders([]byte("Content-Type: text/plain\r\nX-Long: one\r\n  two\r\nnocolon\r\nSet-Cookie: a\r\nSet-Cookie: b\r\n\r\n"))
	assert.Equal(t, 1, bad)
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
	assert.Equal(t, "one two", h.Get("X-Long"))
	assert.Equal(t, []string{"a", "b"}, h.Values("Set-Cookie"))
}

func TestContentLength(t *testing.T) {
	h, _ := parseHeaders([]byte("Content-Length: 42\r\n"))
	n, ok := contentLength(h)
	assert.True(t, ok)
	assert.EqualValues(t, 42, n)

	h, _ = parseHeaders([]byte("Content-Length: 42\r\nContent-Length: 42\r\n"))
	n, ok = contentLength(h)
	assert.True(t, ok)
	assert.EqualValues(t, 42, n)

	h, _ = parseHeaders([]byte("Content-Length: 42\r\nContent-Length: 43\r\n"))
	_, ok = contentLength(h)
	assert.False(t, ok)

	n, ok = contentLength(nil)
	assert.True(t, ok)
	assert.EqualValues(t, -1, n)
}

func TestDechunkIncomplete(t *testing.T) {
	body, consumed, complete, err := dechunk([]byte("4\r\nWiki\r\n5\r\nped"))
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, "Wikiped", string(body))
	assert.Equal(t, 15, consumed)

	_, _, _, err = dechunk([]byte("zz\r\n"))
	assert.True(t, errors.Is(err, core.ErrMalformedChunk))
}

func TestDecodeContent(t *testing.T) {
	const text = "segment list segment list segment list"

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	zw.Write([]byte(text))
	zw.Close()

	var fbuf bytes.Buffer
	fw, err := flate.NewWriter(&fbuf, flate.DefaultCompression)
	require.NoError(t, err)
	fw.Write([]byte(text))
	fw.Close()

	for name, tc := range map[string]struct {
		encoding string
		body     []byte
	}{
		"gzip":         {"gzip", []byte(gzipped(t, text))},
		"zlib deflate": {"deflate", zbuf.Bytes()},
		"raw deflate":  {"deflate", fbuf.Bytes()},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := decodeContent(tc.encoding, tc.body)
			require.NoError(t, err)
			assert.Equal(t, text, string(out))
		})
	}

	_, err = decodeContent("br", []byte("x"))
	assert.ErrorIs(t, err, core.ErrContentDecode)
	_, err = decodeContent("gzip", []byte("not gzip"))
	assert.ErrorIs(t, err, core.ErrContentDecode)
}

func TestUncompress(t *testing.T) {
	// compress(1) output, readable by gzip -d.
	small := []byte{
		0x1f, 0x9d, 0x90, 0x3c, 0x9a, 0x40, 0x21, 0x02, 0x82, 0x4e, 0x1e, 0x38, 0x65, 0x7a,
		0x88, 0x98, 0x43, 0x27, 0x0c, 0x9d, 0x34, 0x63, 0x44, 0xf8, 0xe0, 0x01, 0xa5, 0x8c,
		0x9c, 0x34, 0x6f, 0xc8, 0xbc, 0x98, 0x58, 0xf1, 0x62, 0xc6, 0x8d, 0x14, 0x2d, 0x62,
		0xd4, 0x38, 0xf1, 0x85, 0x40, 0x22, 0x3e, 0x00,
	}
	out, err := decodeContent("compress", small)
	require.NoError(t, err)
	assert.Equal(t, `<MPD type="static"><Period/><Period/><Period/></MPD>`, string(out))

	// Long enough to widen codes past 9 bits.
	big, err := os.ReadFile("testdata/numbers.Z")
	require.NoError(t, err)
	var want strings.Builder
	for i := 0; i < 600; i++ {
		fmt.Fprintf(&want, "%d,", (i*7919)%1009)
	}
	out, err = uncompress(big, maxDecodedSize)
	require.NoError(t, err)
	assert.Equal(t, want.String(), string(out))

	out, err = uncompress(big, 10)
	require.NoError(t, err)
	assert.Len(t, out, 10)

	_, err = uncompress([]byte{0x1f, 0x8b, 0x08}, maxDecodedSize)
	assert.ErrorIs(t, err, core.ErrContentDecode)
}

func TestIsTextual(t *testing.T) {
	for _, ct := range []string{"text/html", "application/dash+xml", "application/xml",
		"application/json", "application/vnd.apple.mpegurl", "application/vnd.ms-sstr+xml"} {
		assert.True(t, isTextual(ct), ct)
	}
	for _, ct := range []string{"video/mp4", "audio/mp4", "application/octet-stream", ""} {
		assert.False(t, isTextual(ct), ct)
	}
}
