//go:build !linux

package counter

import (
	"context"
	"log/slog"

	"firestige.xyz/lossmon/internal/core"
	"firestige.xyz/lossmon/internal/metrics"
)

// PinnedSampler is only functional on Linux.
type PinnedSampler struct {
	opts Options
}

// NewPinnedSampler creates a sampler that always reports zero.
func NewPinnedSampler(opts Options) *PinnedSampler {
	opts.applyDefaults()
	return &PinnedSampler{opts: opts}
}

// Sample implements Sampler.
func (s *PinnedSampler) Sample(context.Context) (core.CounterSnapshot, bool) {
	metrics.CounterSampleFailuresTotal.WithLabelValues(BackendPinned).Inc()
	slog.Debug("pinned counter backend requires linux", "map", s.opts.MapPath)
	return core.CounterSnapshot{}, false
}

// Close is a no-op.
func (s *PinnedSampler) Close() error { return nil }
