package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lossmon/internal/classify"
	"firestige.xyz/lossmon/internal/core"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type step struct {
	frame core.RawFrame
	err   error
}

type fakeSource struct {
	steps  []step
	closed bool
}

func (s *fakeSource) push(seq uint16, at time.Time) {
	s.steps = append(s.steps, step{frame: frame(seq, at)})
}

func (s *fakeSource) Poll() (core.RawFrame, bool, error) {
	if len(s.steps) == 0 {
		return core.RawFrame{}, false, nil
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.err != nil {
		return core.RawFrame{}, false, st.err
	}
	return st.frame, true, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// frame encodes the sequence number in the first two bytes; a single zero
// byte is a frame the classifier rejects.
func frame(seq uint16, at time.Time) core.RawFrame {
	return core.RawFrame{Data: []byte{byte(seq >> 8), byte(seq)}, Timestamp: at}
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(f core.RawFrame) (classify.Result, error) {
	if len(f.Data) < 2 {
		return classify.Result{}, core.ErrNotRTP
	}
	seq := uint16(f.Data[0])<<8 | uint16(f.Data[1])
	return classify.Result{
		Key:        core.FlowKey{Port: 5000, Sequence: seq, Timestamp: 1000},
		Predictive: seq%2 == 1,
	}, nil
}

// fakeSampler replays snaps, repeating the last one. With no snaps every
// read fails.
type fakeSampler struct {
	snaps []core.CounterSnapshot
	calls int
}

func (s *fakeSampler) Sample(context.Context) (core.CounterSnapshot, bool) {
	s.calls++
	if len(s.snaps) == 0 {
		return core.CounterSnapshot{}, false
	}
	snap := s.snaps[0]
	if len(s.snaps) > 1 {
		s.snaps = s.snaps[1:]
	}
	return snap, true
}

type recordSink struct {
	mu      sync.Mutex
	records []core.MetricRecord
	err     error
}

func (s *recordSink) Emit(rec core.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *recordSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type fixture struct {
	tx, rx  *fakeSource
	sampler *fakeSampler
	sink    *recordSink
	clock   *fixedClock
	mon     *Monitor
}

func newFixture(t *testing.T, snaps ...core.CounterSnapshot) *fixture {
	t.Helper()
	f := &fixture{
		tx:      &fakeSource{},
		rx:      &fakeSource{},
		sampler: &fakeSampler{snaps: snaps},
		sink:    &recordSink{},
		clock:   &fixedClock{now: t0},
	}
	mon, err := New(Options{
		TX:         f.tx,
		RX:         f.rx,
		Classifier: fakeClassifier{},
		Sampler:    f.sampler,
		Sink:       f.sink,
		Clock:      f.clock,
		Interval:   500 * time.Millisecond,
	})
	require.NoError(t, err)
	f.mon = mon
	return f
}

// drain ticks at now until both sources are empty.
func (f *fixture) drain(t *testing.T, now time.Time) {
	t.Helper()
	for len(f.tx.steps) > 0 || len(f.rx.steps) > 0 {
		require.NoError(t, f.mon.Tick(context.Background(), now))
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Options{
		TX: &fakeSource{}, RX: &fakeSource{}, Classifier: fakeClassifier{},
		Sampler: &fakeSampler{}, Sink: &recordSink{},
	})
	assert.ErrorIs(t, err, core.ErrConfigInvalid, "zero interval")
}

func TestTickSingleMatchedPacket(t *testing.T) {
	f := newFixture(t)
	f.mon.Start(context.Background())

	f.tx.push(1, t0)
	f.rx.push(1, t0.Add(10*time.Millisecond))
	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(100*time.Millisecond)))
	assert.Zero(t, f.sink.len(), "interval not elapsed")

	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(500*time.Millisecond)))
	require.Equal(t, 1, f.sink.len())

	rec := f.sink.records[0]
	assert.InDelta(t, 10.0, rec.DelayMs, 1e-9)
	assert.Equal(t, 1, rec.TotalTxPackets)
	assert.Equal(t, 1, rec.TotalRxPackets)
	assert.Zero(t, rec.TotalLostPackets)
}

func TestTickLossDecomposition(t *testing.T) {
	f := newFixture(t,
		core.CounterSnapshot{Dropped: 20, Forwarded: 300},
		core.CounterSnapshot{Dropped: 22, Forwarded: 307},
	)
	f.mon.Start(context.Background())

	for seq := uint16(0); seq < 10; seq++ {
		f.tx.push(seq, t0.Add(time.Duration(seq)*time.Millisecond))
	}
	for seq := uint16(0); seq < 7; seq++ {
		f.rx.push(seq, t0.Add(time.Duration(seq+2)*time.Millisecond))
	}
	f.drain(t, t0.Add(time.Millisecond))
	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(time.Second)))

	require.Equal(t, 1, f.sink.len())
	rec := f.sink.records[0]
	assert.Equal(t, 10, rec.TotalTxPackets)
	assert.Equal(t, 7, rec.TotalRxPackets)
	assert.Equal(t, 3, rec.TotalLostPackets)
	assert.Equal(t, 2, rec.IntendedLostPackets)
	assert.Equal(t, 1, rec.TotalUnintendedLostPackets)
	assert.InDelta(t, 2.0, rec.DelayMs, 1e-9)
	assert.Equal(t, 5, rec.PredictiveTxPackets)
	assert.Equal(t, uint64(7), rec.ForwardedDelta)
}

func TestTickSamplerUnreachable(t *testing.T) {
	f := newFixture(t) // every sample fails
	f.mon.Start(context.Background())

	for seq := uint16(0); seq < 4; seq++ {
		f.tx.push(seq, t0)
	}
	f.rx.push(0, t0.Add(time.Millisecond))
	f.drain(t, t0)
	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(time.Second)))

	require.Equal(t, 1, f.sink.len())
	rec := f.sink.records[0]
	assert.Zero(t, rec.IntendedLossPercent)
	assert.Equal(t, 3, rec.TotalUnintendedLostPackets)
	assert.Equal(t, rec.TotalLostPackets, rec.TotalUnintendedLostPackets)
	assert.True(t, rec.CounterUnavailable)
}

func TestTickEmptyWindowSkipsSample(t *testing.T) {
	f := newFixture(t)
	f.mon.Start(context.Background())
	require.Equal(t, 1, f.sampler.calls, "baseline")

	f.rx.push(1, t0.Add(1100*time.Millisecond))
	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(time.Second)))

	assert.Zero(t, f.sink.len())
	assert.Equal(t, 1, f.sampler.calls)

	// The window clock restarted at the empty close.
	f.tx.push(1, t0.Add(time.Second))
	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(1400*time.Millisecond)))
	assert.Zero(t, f.sink.len())
	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(1500*time.Millisecond)))
	require.Equal(t, 1, f.sink.len())
	assert.Equal(t, 1, f.sink.records[0].TotalRxPackets, "RX kept across the empty window")
}

func TestTickRejectedFramesIgnored(t *testing.T) {
	f := newFixture(t)
	f.mon.Start(context.Background())

	f.tx.steps = append(f.tx.steps, step{frame: core.RawFrame{Data: []byte{0}, Timestamp: t0}})
	f.tx.push(3, t0)
	f.drain(t, t0)
	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(time.Second)))

	require.Equal(t, 1, f.sink.len())
	assert.Equal(t, 1, f.sink.records[0].TotalTxPackets)
}

func TestTickZeroTimestampUsesNow(t *testing.T) {
	f := newFixture(t)
	f.mon.Start(context.Background())

	f.tx.push(1, time.Time{})
	f.rx.push(1, time.Time{})
	require.NoError(t, f.mon.Tick(context.Background(), t0.Add(time.Second)))

	require.Equal(t, 1, f.sink.len())
	assert.Zero(t, f.sink.records[0].DelayMs)
	assert.Equal(t, 1, f.sink.records[0].TotalRxPackets)
}

func TestTickSourceLostIsFatal(t *testing.T) {
	f := newFixture(t)
	f.mon.Start(context.Background())

	f.rx.steps = append(f.rx.steps, step{err: fmt.Errorf("capture gone: %w", core.ErrSourceLost)})
	err := f.mon.Tick(context.Background(), t0)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSourceLost)
	assert.Contains(t, err.Error(), "rx capture")
}

func TestTickOutputClosed(t *testing.T) {
	f := newFixture(t)
	f.sink.err = fmt.Errorf("%w: broken pipe", core.ErrOutputClosed)
	f.mon.Start(context.Background())

	f.tx.push(1, t0)
	err := f.mon.Tick(context.Background(), t0.Add(time.Second))
	assert.ErrorIs(t, err, core.ErrOutputClosed)
}

func TestTickCancelledContextDiscardsClose(t *testing.T) {
	f := newFixture(t)
	f.mon.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.tx.push(1, t0)
	require.NoError(t, f.mon.Tick(ctx, t0.Add(time.Second)))
	assert.Zero(t, f.sink.len())
	assert.Equal(t, 1, f.sampler.calls)
}

// steppingClock advances by step on every call.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestRunOutputClosedExitsCleanly(t *testing.T) {
	tx, rx := &fakeSource{}, &fakeSource{}
	tx.push(1, t0)
	sink := &recordSink{err: core.ErrOutputClosed}

	mon, err := New(Options{
		TX: tx, RX: rx, Classifier: fakeClassifier{}, Sampler: &fakeSampler{}, Sink: sink,
		Clock:    &steppingClock{now: t0, step: 100 * time.Millisecond},
		Interval: 500 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- mon.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on closed output")
	}
	assert.True(t, tx.closed)
	assert.True(t, rx.closed)
}

func TestRunSourceLostFails(t *testing.T) {
	tx, rx := &fakeSource{}, &fakeSource{}
	tx.steps = append(tx.steps, step{err: core.ErrSourceLost})

	mon, err := New(Options{
		TX: tx, RX: rx, Classifier: fakeClassifier{}, Sampler: &fakeSampler{}, Sink: &recordSink{},
		Interval: time.Second,
	})
	require.NoError(t, err)

	err = mon.Run(context.Background())
	assert.True(t, errors.Is(err, core.ErrSourceLost))
	assert.True(t, tx.closed)
}

func TestRunCancelDiscardsWindow(t *testing.T) {
	tx, rx := &fakeSource{}, &fakeSource{}
	tx.push(1, t0)
	sink := &recordSink{}

	mon, err := New(Options{
		TX: tx, RX: rx, Classifier: fakeClassifier{}, Sampler: &fakeSampler{}, Sink: sink,
		Interval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.Zero(t, sink.len())
	assert.True(t, tx.closed)
}

type mockSampler struct {
	mock.Mock
}

func (m *mockSampler) Sample(ctx context.Context) (core.CounterSnapshot, bool) {
	args := m.Called(ctx)
	return args.Get(0).(core.CounterSnapshot), args.Bool(1)
}

func TestSamplerCalledOncePerNonEmptyWindow(t *testing.T) {
	sampler := new(mockSampler)
	sampler.On("Sample", mock.Anything).Return(core.CounterSnapshot{Dropped: 10}, true).Once()
	sampler.On("Sample", mock.Anything).Return(core.CounterSnapshot{Dropped: 11}, true).Once()

	tx, rx := &fakeSource{}, &fakeSource{}
	sink := &recordSink{}
	mon, err := New(Options{
		TX: tx, RX: rx, Classifier: fakeClassifier{}, Sampler: sampler, Sink: sink,
		Clock: &fixedClock{now: t0}, Interval: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	mon.Start(context.Background())

	require.NoError(t, mon.Tick(context.Background(), t0.Add(time.Second))) // empty
	tx.push(1, t0.Add(time.Second))
	tx.push(2, t0.Add(time.Second))
	require.NoError(t, mon.Tick(context.Background(), t0.Add(1100*time.Millisecond)))
	require.NoError(t, mon.Tick(context.Background(), t0.Add(1500*time.Millisecond)))

	require.Equal(t, 1, sink.len())
	assert.Equal(t, 1, sink.records[0].IntendedLostPackets)
	assert.Equal(t, 2, sink.records[0].TotalLostPackets)
	sampler.AssertExpectations(t)
	sampler.AssertNumberOfCalls(t, "Sample", 2)
}

func TestFailedCounterReadDoesNotMoveBaseline(t *testing.T) {
	sampler := new(mockSampler)
	sampler.On("Sample", mock.Anything).Return(core.CounterSnapshot{Dropped: 1000}, true).Once()
	sampler.On("Sample", mock.Anything).Return(core.CounterSnapshot{}, false).Once()
	sampler.On("Sample", mock.Anything).Return(core.CounterSnapshot{Dropped: 1001}, true).Once()

	tx, rx := &fakeSource{}, &fakeSource{}
	sink := &recordSink{}
	mon, err := New(Options{
		TX: tx, RX: rx, Classifier: fakeClassifier{}, Sampler: sampler, Sink: sink,
		Clock: &fixedClock{now: t0}, Interval: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	mon.Start(context.Background())

	tx.push(1, t0)
	tx.push(2, t0)
	require.NoError(t, mon.Tick(context.Background(), t0.Add(100*time.Millisecond)))
	require.NoError(t, mon.Tick(context.Background(), t0.Add(500*time.Millisecond)))

	tx.push(3, t0.Add(600*time.Millisecond))
	tx.push(4, t0.Add(600*time.Millisecond))
	rx.push(3, t0.Add(605*time.Millisecond))
	require.NoError(t, mon.Tick(context.Background(), t0.Add(700*time.Millisecond)))
	require.NoError(t, mon.Tick(context.Background(), t0.Add(1000*time.Millisecond)))

	require.Equal(t, 2, sink.len())
	first, second := sink.records[0], sink.records[1]
	assert.Equal(t, 2, first.TotalLostPackets)
	assert.Zero(t, first.IntendedLostPackets)
	assert.Equal(t, 2, first.TotalUnintendedLostPackets)

	assert.Equal(t, 1, second.TotalLostPackets)
	assert.Equal(t, 1, second.IntendedLostPackets)
	assert.Zero(t, second.TotalUnintendedLostPackets)
	assert.InDelta(t, 50.0, second.IntendedLossPercent, 1e-9)
	sampler.AssertExpectations(t)
}
