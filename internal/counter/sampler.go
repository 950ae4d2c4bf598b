// Package counter samples the drop/forward counters exported by the kernel
// video filter. Samplers never return an error: any problem reading the
// counters yields a zero snapshot with ok=false, which makes the window's
// intended loss zero and leaves the counter baseline where it was.
package counter

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/lossmon/internal/core"
)

// Backend names accepted by New.
const (
	BackendBpftool = "bpftool"
	BackendPinned  = "pinned"
	BackendNone    = "none"
)

// Defaults matching the video filter's pinned stats map.
const (
	DefaultMapPath      = "/sys/fs/bpf/xdp_pipeline/video_stats"
	DefaultDroppedKey   = 4
	DefaultForwardedKey = 5
	DefaultTimeout      = 2 * time.Second
)

// Sampler reads the current counter pair. ok is false when the read failed.
type Sampler interface {
	Sample(ctx context.Context) (snap core.CounterSnapshot, ok bool)
}

// Options configures a sampler backend.
type Options struct {
	Command      []string // bpftool invocation, e.g. ["sudo", "bpftool"]
	MapPath      string
	DroppedKey   uint32
	ForwardedKey uint32
	Timeout      time.Duration
}

func (o *Options) applyDefaults() {
	if len(o.Command) == 0 {
		o.Command = []string{"bpftool"}
	}
	if o.MapPath == "" {
		o.MapPath = DefaultMapPath
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
}

// New creates the sampler for backend.
func New(backend string, opts Options) (Sampler, error) {
	opts.applyDefaults()
	switch backend {
	case BackendBpftool, "":
		return NewBpftoolSampler(opts), nil
	case BackendPinned:
		return NewPinnedSampler(opts), nil
	case BackendNone:
		return NopSampler{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown counter backend %q", core.ErrConfigInvalid, backend)
	}
}

// NopSampler is used when no counter source exists; every window then
// reports all loss as unintended.
type NopSampler struct{}

// Sample implements Sampler. The counters are constant zero, which is a
// successful read.
func (NopSampler) Sample(context.Context) (core.CounterSnapshot, bool) {
	return core.CounterSnapshot{}, true
}
