// Package httpobj slices HTTP request and response objects out of the
// reconstructed byte streams of a session and pairs them.
package httpobj

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"firestige.xyz/vtrace/internal/core"
)

// Kind tells requests from responses.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
)

func (k Kind) String() string {
	if k == KindRequest {
		return "request"
	}
	return "response"
}

// Status describes how completely an object was captured.
type Status uint8

const (
	StatusComplete    Status = iota // every declared byte captured
	StatusPending                   // declared length exceeds the captured bytes
	StatusRequestOnly               // request whose response never arrived
	StatusDegraded                  // parsed with recoverable errors
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusPending:
		return "pending"
	case StatusRequestOnly:
		return "request-only"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Object is one HTTP request or response reconstructed from a session.
type Object struct {
	Session   core.SessionKey
	Direction core.Direction
	Kind      Kind
	Status    Status

	// Start line
	Method     string // request only
	Target     string // request only, as sent
	Proto      string
	StatusCode int // response only

	Header      http.Header
	HeaderBytes []byte

	Host        string
	Path        string // object name without query
	ContentType string // media type without parameters
	Encoding    string // Content-Encoding, lower case
	// ContentRange is the raw Content-Range of a partial (206) response.
	ContentRange string

	// DeclaredLength is Content-Length, or the sum of chunk sizes for chunked
	// bodies; -1 when the body is delimited by the end of the stream.
	DeclaredLength int64
	Chunked        bool

	// Body holds the captured entity bytes with chunk framing removed and
	// content coding still applied.
	Body []byte
	// Decoded holds the body with content coding removed. It is only set for
	// textual content types with a gzip, deflate or compress coding.
	Decoded []byte

	// Byte range [Begin, End) of the whole message in the session stream.
	Begin, End int
	// Byte range of the on-wire body (including chunk framing).
	BodyBegin, BodyEnd int

	Timestamp     float64 // first byte of the message
	FirstDataID   int     // packet carrying the first body byte (or last header byte)
	LastDataID    int     // packet carrying the last byte of the message
	FirstByteTime float64
	LastByteTime  float64

	Pair   *Object // response of a request, request of a response
	Labels core.Labels
}

// ContentLength returns the logical content length: the decoded length for
// textual bodies that were content-decoded, the captured body length otherwise.
func (o *Object) ContentLength() int {
	if o.Decoded != nil {
		return len(o.Decoded)
	}
	return len(o.Body)
}

// Content returns the logical content bytes (decoded when available).
func (o *Object) Content() []byte {
	if o.Decoded != nil {
		return o.Decoded
	}
	return o.Body
}

// Err reports why the object was cut short or degraded, or nil. It is
// derived from the object's labels.
func (o *Object) Err() error {
	var errs []error
	if v, ok := o.Labels[core.LabelHTTPTruncated]; ok {
		errs = append(errs, fmt.Errorf("%w: %s", core.ErrTruncatedBody, v))
	}
	if v, ok := o.Labels[core.LabelHTTPMalformedHeader]; ok {
		errs = append(errs, fmt.Errorf("%w: %s", core.ErrMalformedHeader, v))
	}
	return errors.Join(errs...)
}

// WireSize returns the number of stream bytes the message occupies.
func (o *Object) WireSize() int { return o.End - o.Begin }

// URL returns host + target for requests, or the paired request's URL for
// responses.
func (o *Object) URL() string {
	req := o
	if o.Kind == KindResponse {
		if o.Pair == nil {
			return ""
		}
		req = o.Pair
	}
	if strings.Contains(req.Target, "://") {
		return req.Target
	}
	return req.Host + req.Target
}

// Request returns the request side of the pair (the object itself for requests).
func (o *Object) Request() *Object {
	if o.Kind == KindRequest {
		return o
	}
	return o.Pair
}

// Response returns the response side of the pair (the object itself for responses).
func (o *Object) Response() *Object {
	if o.Kind == KindResponse {
		return o
	}
	return o.Pair
}

// IsText reports whether the content type is textual.
func (o *Object) IsText() bool { return isTextual(o.ContentType) }

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "text/"),
		strings.HasSuffix(ct, "+xml"),
		strings.HasSuffix(ct, "/xml"),
		strings.HasSuffix(ct, "json"),
		strings.Contains(ct, "javascript"),
		strings.Contains(ct, "mpegurl"),
		ct == "application/vnd.ms-sstr+xml",
		ct == "application/x-www-form-urlencoded":
		return true
	}
	return false
}
