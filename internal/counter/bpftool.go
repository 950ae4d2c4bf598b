package counter

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"firestige.xyz/lossmon/internal/core"
	"firestige.xyz/lossmon/internal/metrics"
)

var errKeyNotFound = errors.New("key not found")

// BpftoolSampler dumps the pinned map with bpftool and picks the two keys.
type BpftoolSampler struct {
	opts Options
}

// NewBpftoolSampler creates a bpftool-backed sampler.
func NewBpftoolSampler(opts Options) *BpftoolSampler {
	opts.applyDefaults()
	return &BpftoolSampler{opts: opts}
}

// Sample implements Sampler.
func (s *BpftoolSampler) Sample(ctx context.Context) (core.CounterSnapshot, bool) {
	snap, err := s.read(ctx)
	if err != nil {
		metrics.CounterSampleFailuresTotal.WithLabelValues(BackendBpftool).Inc()
		slog.Debug("counter sample failed, using zero snapshot",
			"backend", BackendBpftool, "map", s.opts.MapPath, "error", err)
		return core.CounterSnapshot{}, false
	}
	return snap, true
}

func (s *BpftoolSampler) read(ctx context.Context) (core.CounterSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	args := append([]string{}, s.opts.Command[1:]...)
	args = append(args, "--json", "map", "dump", "pinned", s.opts.MapPath)

	cmd := exec.CommandContext(ctx, s.opts.Command[0], args...)
	// Bound the wait for pipes held open by children (sudo) after a kill.
	cmd.WaitDelay = s.opts.Timeout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return core.CounterSnapshot{}, fmt.Errorf("%s timed out after %s: %w", s.opts.Command[0], s.opts.Timeout, ctx.Err())
		}
		return core.CounterSnapshot{}, fmt.Errorf("%s: %w: %s", s.opts.Command[0], err, strings.TrimSpace(stderr.String()))
	}

	values, err := parseDump(out)
	if err != nil {
		return core.CounterSnapshot{}, err
	}

	dropped, ok := values[s.opts.DroppedKey]
	if !ok {
		return core.CounterSnapshot{}, fmt.Errorf("dropped key %d: %w", s.opts.DroppedKey, errKeyNotFound)
	}
	forwarded, ok := values[s.opts.ForwardedKey]
	if !ok {
		return core.CounterSnapshot{}, fmt.Errorf("forwarded key %d: %w", s.opts.ForwardedKey, errKeyNotFound)
	}
	return core.CounterSnapshot{Dropped: dropped, Forwarded: forwarded}, nil
}

// dumpEntry is one element of `bpftool --json map dump`. With BTF the
// readable form sits under "formatted"; without it key/value are arrays of
// hex byte strings. Per-CPU maps carry "values" instead of "value".
type dumpEntry struct {
	Key       json.RawMessage `json:"key"`
	Value     json.RawMessage `json:"value"`
	Values    []cpuValue      `json:"values"`
	Formatted *dumpEntry      `json:"formatted"`
}

type cpuValue struct {
	CPU   int             `json:"cpu"`
	Value json.RawMessage `json:"value"`
}

// parseDump returns key -> value (summed across CPUs for per-CPU maps).
func parseDump(out []byte) (map[uint32]uint64, error) {
	var entries []dumpEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("parse bpftool output: %w", err)
	}

	values := make(map[uint32]uint64, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.Formatted != nil {
			e = e.Formatted
		}

		key, err := decodeInt(e.Key)
		if err != nil {
			return nil, fmt.Errorf("entry %d key: %w", i, err)
		}

		var sum uint64
		if len(e.Values) > 0 {
			for _, cv := range e.Values {
				v, err := decodeInt(cv.Value)
				if err != nil {
					return nil, fmt.Errorf("entry %d cpu %d value: %w", i, cv.CPU, err)
				}
				sum += v
			}
		} else {
			sum, err = decodeInt(e.Value)
			if err != nil {
				return nil, fmt.Errorf("entry %d value: %w", i, err)
			}
		}
		values[uint32(key)] = sum
	}
	return values, nil
}

// decodeInt accepts a JSON number or an array of "0x.." byte strings in
// host byte order.
func decodeInt(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, errors.New("missing")
	}

	if raw[0] != '[' {
		return strconv.ParseUint(string(raw), 10, 64)
	}

	var hexBytes []string
	if err := json.Unmarshal(raw, &hexBytes); err != nil {
		return 0, err
	}
	b := make([]byte, len(hexBytes))
	for i, h := range hexBytes {
		v, err := strconv.ParseUint(strings.TrimPrefix(h, "0x"), 16, 8)
		if err != nil {
			return 0, err
		}
		b[i] = byte(v)
	}
	switch len(b) {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.NativeEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.NativeEndian.Uint32(b)), nil
	case 8:
		return binary.NativeEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("unsupported width %d bytes", len(b))
	}
}
