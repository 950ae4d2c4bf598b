// Package core defines core data structures with zero external dependencies.
package core

import "time"

// RawFrame is one link-layer frame read from a capture artifact.
type RawFrame struct {
	Data      []byte    // Captured bytes, owned by the frame
	Timestamp time.Time // Per-frame capture timestamp
	LinkType  uint16    // Link-layer header type from the capture file (LINKTYPE_*)
	OrigLen   uint32    // Length on the wire; larger than len(Data) when snaplen cut the frame
}

// FlowKey identifies one packet instance within a monitored flow.
// Two physically distinct packets sharing a key inside one window collapse
// into a single entry (last write wins).
type FlowKey struct {
	Port      uint16 // normalized flow port
	Sequence  uint16 // media transport sequence number
	Timestamp uint32 // media transport timestamp
}

// TxRecord is what the TX table remembers about a pre-filter packet.
type TxRecord struct {
	Arrival    time.Time
	Predictive bool // payload carries a predictive (P/B) slice
}

// RxRecord is what the RX table remembers about a post-filter packet.
type RxRecord struct {
	Arrival time.Time
}

// CounterSnapshot is a point-in-time read of the filter's drop/forward counters.
type CounterSnapshot struct {
	Dropped   uint64
	Forwarded uint64
}
