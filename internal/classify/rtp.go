package classify

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/lossmon/internal/core"
)

const (
	rtpHeaderLen = 12 // fixed header, CSRC list and extension are not skipped
	rtpVersion   = 2
)

type rtpHeader struct {
	sequence  uint16
	timestamp uint32
	payload   []byte // bytes following the fixed header
}

// parseRTP reads the fixed media transport header.
//
//	byte 0:    V(7:6) P(5) X(4) CC(3:0)
//	bytes 2-3: sequence number
//	bytes 4-7: timestamp
func parseRTP(b []byte) (rtpHeader, error) {
	if len(b) < rtpHeaderLen {
		return rtpHeader{}, fmt.Errorf("%w: payload too short (%d bytes)", core.ErrNotRTP, len(b))
	}
	if version := b[0] >> 6; version != rtpVersion {
		return rtpHeader{}, fmt.Errorf("%w: unexpected version %d", core.ErrNotRTP, version)
	}
	return rtpHeader{
		sequence:  binary.BigEndian.Uint16(b[2:4]),
		timestamp: binary.BigEndian.Uint32(b[4:8]),
		payload:   b[rtpHeaderLen:],
	}, nil
}
