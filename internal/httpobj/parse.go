package httpobj

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"firestige.xyz/vtrace/internal/core"
)

// maxStartLine bounds the search for a start line terminator.
const maxStartLine = 8192

var httpVersionPrefix = []byte("HTTP/")

// startLine is a parsed request line or status line.
type startLine struct {
	kind       Kind
	method     string
	target     string
	proto      string
	statusCode int
}

// lineEnd returns the index of the next '\n' at or after from, bounded by
// maxStartLine, or -1.
func lineEnd(data []byte, from int) int {
	limit := len(data)
	if limit-from > maxStartLine {
		limit = from + maxStartLine
	}
	i := bytes.IndexByte(data[from:limit], '\n')
	if i < 0 {
		return -1
	}
	return from + i
}

func trimCR(line []byte) []byte {
	return bytes.TrimSuffix(line, []byte("\r"))
}

// parseStartLine parses line (without terminator) as the start line of kind.
func parseStartLine(line []byte, kind Kind) (startLine, error) {
	if kind == KindResponse {
		return parseStatusLine(line)
	}
	return parseRequestLine(line)
}

// parseRequestLine parses "METHOD SP target SP HTTP/x.y".
func parseRequestLine(line []byte) (startLine, error) {
	parts := strings.Fields(string(line))
	if len(parts) != 3 {
		return startLine{}, fmt.Errorf("%w: %q", core.ErrMalformedStartLine, truncate(line))
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !isToken(method) || !validProto(proto) {
		return startLine{}, fmt.Errorf("%w: %q", core.ErrMalformedStartLine, truncate(line))
	}
	if method != strings.ToUpper(method) {
		return startLine{}, fmt.Errorf("%w: lower-case method %q", core.ErrMalformedStartLine, method)
	}
	return startLine{kind: KindRequest, method: method, target: target, proto: proto}, nil
}

// parseStatusLine parses "HTTP/x.y SP code [SP reason]".
func parseStatusLine(line []byte) (startLine, error) {
	if !bytes.HasPrefix(line, httpVersionPrefix) {
		return startLine{}, fmt.Errorf("%w: %q", core.ErrMalformedStartLine, truncate(line))
	}
	proto, rest, ok := strings.Cut(string(line), " ")
	if !ok || !validProto(proto) {
		return startLine{}, fmt.Errorf("%w: %q", core.ErrMalformedStartLine, truncate(line))
	}
	codeStr, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || code < 100 {
		return startLine{}, fmt.Errorf("%w: status %q", core.ErrMalformedStartLine, codeStr)
	}
	return startLine{kind: KindResponse, proto: proto, statusCode: code}, nil
}

func validProto(proto string) bool {
	_, _, ok := http.ParseHTTPVersion(proto)
	return ok
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !httpguts.IsTokenRune(r) {
			return false
		}
	}
	return true
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}

// headerEnd returns the index just past the blank line ending the header
// block that starts at from, or -1 when the block is not terminated.
func headerEnd(data []byte, from int) int {
	crlf := bytes.Index(data[from:], []byte("\r\n\r\n"))
	lf := bytes.Index(data[from:], []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return from + crlf + 4
	default:
		return from + lf + 2
	}
}

// parseHeaders parses header lines (start line excluded). Malformed lines are
// skipped and counted rather than failing the object.
func parseHeaders(block []byte) (http.Header, int) {
	h := make(http.Header)
	bad := 0
	var lastKey string
	for _, raw := range bytes.Split(block, []byte("\n")) {
		line := trimCR(raw)
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// obs-fold continuation
			if lastKey == "" {
				bad++
				continue
			}
			vals := h[lastKey]
			vals[len(vals)-1] += " " + strings.TrimSpace(string(line))
			continue
		}
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || !httpguts.ValidHeaderFieldName(string(name)) {
			bad++
			lastKey = ""
			continue
		}
		v := strings.TrimSpace(string(value))
		if !httpguts.ValidHeaderFieldValue(v) {
			bad++
			lastKey = ""
			continue
		}
		lastKey = http.CanonicalHeaderKey(string(name))
		h[lastKey] = append(h[lastKey], v)
	}
	return h, bad
}

// contentLength returns the Content-Length header value, or -1.
func contentLength(h http.Header) (int64, bool) {
	v := h.Get("Content-Length")
	if v == "" {
		return -1, true
	}
	// Repeated identical values are tolerated, as net/http does.
	if vals := h.Values("Content-Length"); len(vals) > 1 {
		for _, other := range vals[1:] {
			if strings.TrimSpace(other) != strings.TrimSpace(v) {
				return -1, false
			}
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1, false
	}
	return n, true
}

// isChunked reports whether chunked is the final transfer coding.
func isChunked(h http.Header) bool {
	te := strings.ToLower(strings.Join(h.Values("Transfer-Encoding"), ","))
	if te == "" {
		return false
	}
	codings := strings.Split(te, ",")
	return strings.TrimSpace(codings[len(codings)-1]) == "chunked"
}

// mediaType strips parameters from a Content-Type value.
func mediaType(v string) string {
	mt, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// objectPath strips scheme, authority and query from a request target.
func objectPath(target string) string {
	if i := strings.Index(target, "://"); i >= 0 {
		rest := target[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			target = rest[j:]
		} else {
			target = "/"
		}
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	return target
}

// hostOf returns the Host header, or the authority of an absolute target.
func hostOf(h http.Header, target string) string {
	if host := h.Get("Host"); host != "" {
		return host
	}
	if i := strings.Index(target, "://"); i >= 0 {
		rest := target[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return ""
}
