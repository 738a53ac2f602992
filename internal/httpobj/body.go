package httpobj

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"

	"firestige.xyz/vtrace/internal/core"
)

// maxDecodedSize bounds decompression output.
const maxDecodedSize = 64 << 20

// dechunk decodes a chunked body starting at data[0]. It returns the entity
// bytes, the number of wire bytes consumed and whether the terminating
// zero-size chunk (and trailer) was seen. Every loop is bounded by len(data).
func dechunk(data []byte) (body []byte, consumed int, complete bool, err error) {
	pos := 0
	for pos < len(data) {
		eol := bytes.IndexByte(data[pos:], '\n')
		if eol < 0 {
			return body, pos, false, nil
		}
		line := trimCR(data[pos : pos+eol])
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, perr := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
		if perr != nil || size < 0 {
			return body, pos, false, fmt.Errorf("%w: size line %q", core.ErrMalformedChunk, truncate(line))
		}
		pos += eol + 1

		if size == 0 {
			// Trailer section ends with an empty line.
			for pos < len(data) {
				end := bytes.IndexByte(data[pos:], '\n')
				if end < 0 {
					return body, len(data), false, nil
				}
				empty := len(trimCR(data[pos:pos+end])) == 0
				pos += end + 1
				if empty {
					return body, pos, true, nil
				}
			}
			return body, pos, false, nil
		}

		avail := int64(len(data) - pos)
		if size > avail {
			body = append(body, data[pos:]...)
			return body, len(data), false, nil
		}
		body = append(body, data[pos:pos+int(size)]...)
		pos += int(size)
		// CRLF after chunk data
		if pos < len(data) && data[pos] == '\r' {
			pos++
		}
		if pos < len(data) && data[pos] == '\n' {
			pos++
		}
	}
	return body, pos, false, nil
}

// decodeContent removes a gzip, deflate or compress content coding.
func decodeContent(encoding string, body []byte) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", core.ErrContentDecode, err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers send either zlib-wrapped or raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		}
	case "compress", "x-compress":
		return uncompress(body, maxDecodedSize)
	default:
		return nil, fmt.Errorf("%w: unsupported coding %q", core.ErrContentDecode, encoding)
	}

	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize))
	if err != nil && err != io.ErrUnexpectedEOF {
		return out, fmt.Errorf("%w: %s: %v", core.ErrContentDecode, encoding, err)
	}
	return out, nil
}

// decodable reports whether encoding is one the correlator removes.
func decodable(encoding string) bool {
	switch encoding {
	case "gzip", "x-gzip", "deflate", "compress", "x-compress":
		return true
	}
	return false
}
