// Package monitor runs the single cooperative loop that feeds captures into
// the window aggregator and emits one record per closed window.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/lossmon/internal/capture"
	"firestige.xyz/lossmon/internal/classify"
	"firestige.xyz/lossmon/internal/core"
	"firestige.xyz/lossmon/internal/counter"
	"firestige.xyz/lossmon/internal/emit"
	"firestige.xyz/lossmon/internal/metrics"
	"firestige.xyz/lossmon/internal/window"
)

// DefaultTickSleep caps the loop at roughly one iteration per millisecond.
const DefaultTickSleep = time.Millisecond

// Clock supplies wall-clock time to the loop.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Classifier turns a frame into a flow key.
type Classifier interface {
	Classify(frame core.RawFrame) (classify.Result, error)
}

// Options wires a Monitor. TX, RX, Classifier, Sampler and Sink are required.
type Options struct {
	TX          capture.Source
	RX          capture.Source
	Classifier  Classifier
	Sampler     counter.Sampler
	Sink        emit.Sink
	Diagnostics *emit.Diagnostics // optional
	Clock       Clock             // defaults to the system clock
	Interval    time.Duration
	TickSleep   time.Duration
}

// Monitor owns the aggregator and drives every component from one goroutine.
type Monitor struct {
	tx, rx     capture.Source
	classifier Classifier
	sampler    counter.Sampler
	sink       emit.Sink
	diag       *emit.Diagnostics
	clock      Clock
	interval   time.Duration
	tickSleep  time.Duration

	agg       *window.Aggregator
	lastClose time.Time
	seen      map[core.Side]bool
}

// New creates a Monitor. Start (or Run) must be called before Tick.
func New(opts Options) (*Monitor, error) {
	switch {
	case opts.TX == nil || opts.RX == nil:
		return nil, fmt.Errorf("%w: both capture sources are required", core.ErrConfigInvalid)
	case opts.Classifier == nil:
		return nil, fmt.Errorf("%w: classifier is required", core.ErrConfigInvalid)
	case opts.Sampler == nil:
		return nil, fmt.Errorf("%w: counter sampler is required", core.ErrConfigInvalid)
	case opts.Sink == nil:
		return nil, fmt.Errorf("%w: record sink is required", core.ErrConfigInvalid)
	case opts.Interval <= 0:
		return nil, fmt.Errorf("%w: window interval must be positive", core.ErrConfigInvalid)
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.TickSleep <= 0 {
		opts.TickSleep = DefaultTickSleep
	}
	return &Monitor{
		tx:         opts.TX,
		rx:         opts.RX,
		classifier: opts.Classifier,
		sampler:    opts.Sampler,
		sink:       opts.Sink,
		diag:       opts.Diagnostics,
		clock:      opts.Clock,
		interval:   opts.Interval,
		tickSleep:  opts.TickSleep,
		seen:       make(map[core.Side]bool, 2),
	}, nil
}

// Start samples the counter baseline and opens the first window.
func (m *Monitor) Start(ctx context.Context) {
	baseline, ok := m.sampler.Sample(ctx)
	m.agg = window.New(baseline, ok)
	m.lastClose = m.clock.Now()
	for _, side := range []core.Side{core.SideTX, core.SideRX} {
		metrics.SourceState.WithLabelValues(string(side)).Set(metrics.SourceStateWaiting)
	}
	if ok {
		slog.Info("counter baseline", "dropped", baseline.Dropped, "forwarded", baseline.Forwarded)
	} else {
		slog.Warn("counter baseline unavailable, taking it from the first good sample")
	}
}

// Tick polls each source for at most one frame and closes the window when
// the interval has elapsed. Only fatal errors are returned: a lost capture
// artifact or a closed output.
func (m *Monitor) Tick(ctx context.Context, now time.Time) error {
	if err := m.poll(core.SideTX, m.tx, now); err != nil {
		return err
	}
	if err := m.poll(core.SideRX, m.rx, now); err != nil {
		return err
	}
	if now.Sub(m.lastClose) >= m.interval {
		m.lastClose = now
		return m.closeWindow(ctx, now)
	}
	return nil
}

func (m *Monitor) poll(side core.Side, src capture.Source, now time.Time) error {
	frame, ok, err := src.Poll()
	if err != nil {
		metrics.SourceState.WithLabelValues(string(side)).Set(metrics.SourceStateLost)
		return fmt.Errorf("%s capture: %w", side, err)
	}
	if !ok {
		return nil
	}
	if !m.seen[side] {
		m.seen[side] = true
		metrics.SourceState.WithLabelValues(string(side)).Set(metrics.SourceStateOpen)
	}
	metrics.FramesTotal.WithLabelValues(string(side)).Inc()

	res, err := m.classifier.Classify(frame)
	if err != nil {
		metrics.RejectsTotal.WithLabelValues(string(side), core.RejectReason(err)).Inc()
		return nil
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if side == core.SideTX {
		m.agg.RecordTX(res.Key, ts, res.Predictive)
	} else {
		m.agg.RecordRX(res.Key, ts)
	}
	return nil
}

func (m *Monitor) closeWindow(ctx context.Context, now time.Time) error {
	if tx, _ := m.agg.Pending(); tx == 0 {
		metrics.WindowsTotal.WithLabelValues(metrics.OutcomeEmpty).Inc()
		return nil
	}
	// Shutting down: the open window is discarded by Run.
	if ctx.Err() != nil {
		return nil
	}

	rec, ok := m.agg.Close(m.sampler.Sample(ctx))
	if !ok {
		return nil
	}
	if rec.CounterRegressed {
		slog.Warn("filter counter went backwards, intended loss reset for this window",
			"dropped_delta", rec.DroppedDelta, "forwarded_delta", rec.ForwardedDelta)
	}
	if err := m.sink.Emit(rec); err != nil {
		return err
	}
	if m.diag != nil {
		m.diag.Observe(now, rec)
	}
	return nil
}

// Run takes the counter baseline and loops until ctx is cancelled or a
// fatal error occurs. The open window is discarded on cancellation. A closed
// output stream ends the run without error.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.closeSources()

	m.Start(ctx)

	timer := time.NewTimer(m.tickSleep)
	defer timer.Stop()

	for {
		if err := m.Tick(ctx, m.clock.Now()); err != nil {
			if errors.Is(err, core.ErrOutputClosed) {
				slog.Info("output stream closed, stopping")
				return nil
			}
			return err
		}

		timer.Reset(m.tickSleep)
		select {
		case <-ctx.Done():
			tx, rx := m.agg.Pending()
			m.agg.Discard()
			slog.Info("shutting down, discarding open window", "tx_pending", tx, "rx_pending", rx)
			return nil
		case <-timer.C:
		}
	}
}

func (m *Monitor) closeSources() {
	for side, src := range map[core.Side]capture.Source{core.SideTX: m.tx, core.SideRX: m.rx} {
		if err := src.Close(); err != nil {
			slog.Warn("close capture failed", "side", side, "error", err)
		}
	}
}
