// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors, wrapped with fmt.Errorf("...: %w") and matched with errors.Is.
var (
	// Capture errors
	ErrSourceLost        = errors.New("lossmon: capture artifact lost")
	ErrSourceClosed      = errors.New("lossmon: capture source closed")
	ErrUnsupportedFormat = errors.New("lossmon: unsupported capture file format")

	// Classification errors (one per rejection step)
	ErrNotUDP         = errors.New("lossmon: not an IPv4/UDP frame")
	ErrPortOutOfRange = errors.New("lossmon: no endpoint in monitored port range")
	ErrNotRTP         = errors.New("lossmon: not a media transport packet")
	ErrPrefiltered    = errors.New("lossmon: rejected by prefilter")
	ErrTruncated      = errors.New("lossmon: frame truncated by capture snaplen")

	// Output errors
	ErrOutputClosed = errors.New("lossmon: output stream closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("lossmon: invalid configuration")
)
