// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err).
var (
	// Capture input errors
	ErrCaptureOpen   = errors.New("vtrace: cannot open capture")
	ErrCaptureFormat = errors.New("vtrace: unrecognized capture format")

	// Reassembly errors
	ErrReassemblyConflict = errors.New("vtrace: conflicting retransmission length")

	// HTTP object errors
	ErrMalformedStartLine = errors.New("vtrace: malformed start line")
	ErrMalformedHeader    = errors.New("vtrace: malformed header")
	ErrTruncatedBody      = errors.New("vtrace: truncated body")
	ErrMalformedChunk     = errors.New("vtrace: malformed chunk")
	ErrContentDecode      = errors.New("vtrace: content decoding failed")

	// Manifest errors
	ErrNotManifest      = errors.New("vtrace: not a manifest")
	ErrManifestParse    = errors.New("vtrace: manifest parse failed")
	ErrNoRepresentation = errors.New("vtrace: no representation")

	// Configuration errors
	ErrConfigInvalid = errors.New("vtrace: invalid configuration")

	// Pipeline errors
	ErrAnalysisAborted = errors.New("vtrace: analysis aborted")
)
