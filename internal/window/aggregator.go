// Package window accumulates TX/RX observations for one reporting window and
// turns them into a loss/delay record when the window closes.
package window

import (
	"time"

	"firestige.xyz/lossmon/internal/core"
)

// Aggregator owns all window state. It is not safe for concurrent use; the
// monitor loop is its only caller.
type Aggregator struct {
	tx      map[core.FlowKey]core.TxRecord
	rx      map[core.FlowKey]core.RxRecord
	prev    core.CounterSnapshot
	hasPrev bool
}

// New creates an aggregator from the counter sample taken at startup, so
// drops that happened before the first window are not attributed to it.
// ok is false when that sample failed; the first successful sample then
// becomes the baseline and its window books no intended loss.
func New(baseline core.CounterSnapshot, ok bool) *Aggregator {
	a := &Aggregator{
		tx: make(map[core.FlowKey]core.TxRecord),
		rx: make(map[core.FlowKey]core.RxRecord),
	}
	if ok {
		a.prev, a.hasPrev = baseline, true
	}
	return a
}

// RecordTX stores a pre-filter observation, overwriting any previous one
// with the same key.
func (a *Aggregator) RecordTX(key core.FlowKey, arrival time.Time, predictive bool) {
	a.tx[key] = core.TxRecord{Arrival: arrival, Predictive: predictive}
}

// RecordRX stores a post-filter observation. It does not need a TX entry:
// matching only happens at Close.
func (a *Aggregator) RecordRX(key core.FlowKey, arrival time.Time) {
	a.rx[key] = core.RxRecord{Arrival: arrival}
}

// Pending returns the current table sizes.
func (a *Aggregator) Pending() (tx, rx int) { return len(a.tx), len(a.rx) }

// Baseline returns the counter snapshot the next delta is computed against.
// ok is false until a counter sample has succeeded.
func (a *Aggregator) Baseline() (core.CounterSnapshot, bool) { return a.prev, a.hasPrev }

// Close matches the window and resets it. With an empty TX table nothing is
// reported and no state changes. sample is the counter read at close time
// and sampled reports whether that read succeeded. A failed read books no
// intended loss and leaves the baseline untouched, so the drops it missed
// are attributed to the next window with a good read.
func (a *Aggregator) Close(sample core.CounterSnapshot, sampled bool) (core.MetricRecord, bool) {
	if len(a.tx) == 0 {
		return core.MetricRecord{}, false
	}

	var rec core.MetricRecord
	rec.TotalTxPackets = len(a.tx)
	rec.RxObserved = len(a.rx)

	var matched int
	var delaySumMs float64
	for key, tx := range a.tx {
		if tx.Predictive {
			rec.PredictiveTxPackets++
		}
		rx, ok := a.rx[key]
		// RX stamped before TX is clock skew between capture points, not a
		// delivery: count it as lost.
		if !ok || rx.Arrival.Before(tx.Arrival) {
			continue
		}
		matched++
		delaySumMs += float64(rx.Arrival.Sub(tx.Arrival)) / float64(time.Millisecond)
	}

	if matched > 0 {
		rec.DelayMs = delaySumMs / float64(matched)
	}
	rec.TotalRxPackets = matched
	rec.TotalLostPackets = rec.TotalTxPackets - matched

	switch {
	case !sampled:
		rec.CounterUnavailable = true
	case !a.hasPrev:
		a.prev, a.hasPrev = sample, true
		rec.CounterUnavailable = true
	default:
		dropped, droppedRegressed := counterDelta(sample.Dropped, a.prev.Dropped)
		forwarded, forwardedRegressed := counterDelta(sample.Forwarded, a.prev.Forwarded)
		rec.DroppedDelta = dropped
		rec.ForwardedDelta = forwarded
		rec.CounterRegressed = droppedRegressed || forwardedRegressed
		a.prev = sample
	}

	rec.IntendedLostPackets = int(rec.DroppedDelta)
	rec.TotalUnintendedLostPackets = max(0, rec.TotalLostPackets-rec.IntendedLostPackets)

	rec.LossPercent = percent(rec.TotalLostPackets, rec.TotalTxPackets)
	rec.IntendedLossPercent = percent(rec.IntendedLostPackets, rec.TotalTxPackets)
	rec.UnintendedLossPercent = percent(rec.TotalUnintendedLostPackets, rec.TotalTxPackets)

	clear(a.tx)
	clear(a.rx)
	return rec, true
}

// Discard drops the open window without reporting it. The counter baseline
// is kept.
func (a *Aggregator) Discard() {
	clear(a.tx)
	clear(a.rx)
}

// counterDelta returns cur-prev. A counter that went backwards after a good
// read means the filter was reloaded or its map recreated: that yields 0 and
// regressed=true, and the new value becomes the next baseline.
func counterDelta(cur, prev uint64) (delta uint64, regressed bool) {
	if cur < prev {
		return 0, true
	}
	return cur - prev, false
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
