// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"strconv"
	"strings"
)

// PortRange is an inclusive UDP port window.
type PortRange struct {
	Start uint16
	End   uint16
}

// DefaultPortRange is the port window used when none is configured.
var DefaultPortRange = PortRange{Start: 5000, End: 5099}

// ParsePortRange parses "start-end" (inclusive).
func ParsePortRange(s string) (PortRange, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return PortRange{}, fmt.Errorf("%w: port range %q must be start-end", ErrConfigInvalid, s)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(startStr), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: port range start %q: %v", ErrConfigInvalid, startStr, err)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(endStr), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: port range end %q: %v", ErrConfigInvalid, endStr, err)
	}
	if start > end {
		return PortRange{}, fmt.Errorf("%w: port range %q has start > end", ErrConfigInvalid, s)
	}
	return PortRange{Start: uint16(start), End: uint16(end)}, nil
}

// Contains reports whether port lies inside the window.
func (r PortRange) Contains(port uint16) bool {
	return r.Start <= port && port <= r.End
}

// FlowPort picks the monitored endpoint of a datagram: destination first,
// then source. ok is false when neither endpoint is in range.
func (r PortRange) FlowPort(srcPort, dstPort uint16) (port uint16, ok bool) {
	if r.Contains(dstPort) {
		return dstPort, true
	}
	if r.Contains(srcPort) {
		return srcPort, true
	}
	return 0, false
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}
