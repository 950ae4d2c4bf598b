// Package core defines core types.
package core

import "errors"

// Side identifies which capture point a frame came from.
type Side string

const (
	SideTX Side = "tx" // pre-filter capture
	SideRX Side = "rx" // post-filter capture
)

// Rejection reason labels, {step} convention, used as metric label values.
const (
	ReasonNotUDP    = "not_udp"
	ReasonPort      = "port"
	ReasonNotRTP    = "not_rtp"
	ReasonPrefilter = "prefilter"
	ReasonTruncated = "truncated"
	ReasonOther     = "other"
)

// RejectReason maps a classification error onto its reason label.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTruncated):
		return ReasonTruncated
	case errors.Is(err, ErrNotUDP):
		return ReasonNotUDP
	case errors.Is(err, ErrPortOutOfRange):
		return ReasonPort
	case errors.Is(err, ErrNotRTP):
		return ReasonNotRTP
	case errors.Is(err, ErrPrefiltered):
		return ReasonPrefilter
	default:
		return ReasonOther
	}
}
