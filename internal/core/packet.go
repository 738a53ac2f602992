// Package core defines core data structures with zero external dependencies.
package core

import "time"

// Packet is one decoded packet record handed over by the packet feed.
// It is read-only once built; only Session is filled in, once, by the
// session builder.
type Packet struct {
	ID        int       // capture index, unique within a trace
	Timestamp float64   // seconds since trace epoch
	Direction Direction // relative to the device
	Transport Transport
	Key       SessionKey // 4-tuple from the device's point of view, generation 0
	Seq       uint32     // TCP only
	Ack       uint32     // TCP only
	Flags     TCPFlags   // TCP only
	Payload   []byte     // application payload
	Session   SessionKey // owning session, assigned by the session builder
}

// PayloadLen returns the number of application payload bytes.
func (p *Packet) PayloadLen() int { return len(p.Payload) }

// TraceInfo carries the time-range boundaries of a capture.
type TraceInfo struct {
	Path     string
	Start    time.Time // wall-clock time of the trace epoch
	Duration float64   // seconds from epoch to the last packet
	Frames   int       // link-layer records read
	Filtered int       // frames rejected by the capture filter
	Packets  int
	Skipped  int // frames without a TCP/UDP layer
	// Truncated is set when the capture ended inside a record.
	Truncated bool
}

// End returns the trace end in seconds since the trace epoch.
func (t TraceInfo) End() float64 { return t.Duration }
