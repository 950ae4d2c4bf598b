//go:build linux

package counter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"firestige.xyz/lossmon/internal/core"
	"firestige.xyz/lossmon/internal/metrics"
)

// PinnedSampler reads the pinned stats map directly through the bpf syscall.
// The map handle is kept open across samples and reopened after a failure.
type PinnedSampler struct {
	opts Options
	m    *ebpf.Map
}

// NewPinnedSampler creates a sampler reading opts.MapPath.
func NewPinnedSampler(opts Options) *PinnedSampler {
	opts.applyDefaults()
	return &PinnedSampler{opts: opts}
}

// Sample implements Sampler.
func (s *PinnedSampler) Sample(ctx context.Context) (core.CounterSnapshot, bool) {
	snap, err := s.read(ctx)
	if err != nil {
		metrics.CounterSampleFailuresTotal.WithLabelValues(BackendPinned).Inc()
		slog.Debug("counter sample failed, using zero snapshot",
			"backend", BackendPinned, "map", s.opts.MapPath, "error", err)
		s.Close()
		return core.CounterSnapshot{}, false
	}
	return snap, true
}

// Close releases the map handle.
func (s *PinnedSampler) Close() error {
	if s.m == nil {
		return nil
	}
	err := s.m.Close()
	s.m = nil
	return err
}

func (s *PinnedSampler) read(ctx context.Context) (core.CounterSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return core.CounterSnapshot{}, err
	}
	if s.m == nil {
		if err := checkBPFFS(s.opts.MapPath); err != nil {
			return core.CounterSnapshot{}, err
		}
		m, err := ebpf.LoadPinnedMap(s.opts.MapPath, &ebpf.LoadPinOptions{ReadOnly: true})
		if err != nil {
			return core.CounterSnapshot{}, fmt.Errorf("load pinned map: %w", err)
		}
		s.m = m
	}

	dropped, err := s.lookup(s.opts.DroppedKey)
	if err != nil {
		return core.CounterSnapshot{}, fmt.Errorf("dropped key %d: %w", s.opts.DroppedKey, err)
	}
	forwarded, err := s.lookup(s.opts.ForwardedKey)
	if err != nil {
		return core.CounterSnapshot{}, fmt.Errorf("forwarded key %d: %w", s.opts.ForwardedKey, err)
	}
	return core.CounterSnapshot{Dropped: dropped, Forwarded: forwarded}, nil
}

func (s *PinnedSampler) lookup(key uint32) (uint64, error) {
	switch s.m.Type() {
	case ebpf.PerCPUArray, ebpf.PerCPUHash, ebpf.LRUCPUHash:
		var values []uint64
		if err := s.m.Lookup(&key, &values); err != nil {
			return 0, err
		}
		var sum uint64
		for _, v := range values {
			sum += v
		}
		return sum, nil
	default:
		var v uint64
		if err := s.m.Lookup(&key, &v); err != nil {
			return 0, err
		}
		return v, nil
	}
}

func checkBPFFS(path string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}
	if int64(st.Type) != unix.BPF_FS_MAGIC {
		return fmt.Errorf("%s is not on a bpf filesystem", path)
	}
	return nil
}
