// Package core defines core types.
package core

// Labels represents key-value annotations attached to sessions, objects and
// manifests when a stage degrades a unit instead of failing it.
type Labels map[string]string

// Set stores value under key, allocating the map on first use.
func (l *Labels) Set(key, value string) {
	if *l == nil {
		*l = make(Labels)
	}
	(*l)[key] = value
}

// Label naming constants following {stage}.{field} convention.
const (
	LabelSessionIncomplete   = "session.incomplete"   // why the session is partial
	LabelSessionGaps         = "session.gaps"         // number of uncaptured sequence holes
	LabelReassemblyConflict  = "session.conflict"     // retransmissions with a different length
	LabelSessionWrapped      = "session.wrapped"      // sequence wraparound observed ("uplink"/"downlink")
	LabelHTTPMalformedHeader = "http.malformed_header" // count of skipped header lines
	LabelHTTPTruncated       = "http.truncated"       // captured/declared byte counts
	LabelHTTPDecodeError     = "http.decode_error"    // content decoding failure
	LabelHTTPResync          = "http.resync"          // bytes skipped while searching for a start line
	LabelManifestError       = "manifest.error"       // parse error text
	LabelManifestSuperseded  = "manifest.superseded"  // URL of the newer manifest
)
