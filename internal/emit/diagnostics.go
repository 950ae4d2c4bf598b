package emit

import (
	"log/slog"
	"math"
	"time"

	"firestige.xyz/lossmon/internal/core"
)

// DefaultDiagnosticsInterval is the minimum spacing between summaries.
const DefaultDiagnosticsInterval = 10 * time.Second

// Diagnostics logs a summary of the latest window at most once per interval.
type Diagnostics struct {
	logger   *slog.Logger
	interval time.Duration
	last     time.Time
}

// NewDiagnostics creates a throttled summary writer. A nil logger means
// slog.Default().
func NewDiagnostics(logger *slog.Logger, interval time.Duration) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultDiagnosticsInterval
	}
	return &Diagnostics{logger: logger, interval: interval}
}

// Observe logs rec if the interval has elapsed since the last summary and
// reports whether it did. The first call always logs.
func (d *Diagnostics) Observe(now time.Time, rec core.MetricRecord) bool {
	if !d.last.IsZero() && now.Sub(d.last) < d.interval {
		return false
	}
	d.last = now

	var pShare float64
	if rec.TotalTxPackets > 0 {
		pShare = float64(rec.PredictiveTxPackets) / float64(rec.TotalTxPackets) * 100
	}
	d.logger.Info("window summary",
		"tx", rec.TotalTxPackets,
		"tx_p_slice", rec.PredictiveTxPackets,
		"tx_p_slice_percent", round3(pShare),
		"rx_observed", rec.RxObserved,
		"matched", rec.TotalRxPackets,
		"dropped_delta", rec.DroppedDelta,
		"forwarded_delta", rec.ForwardedDelta,
		"lost", rec.TotalLostPackets,
		"loss_percent", round3(rec.LossPercent),
		"intended_lost", rec.IntendedLostPackets,
		"intended_loss_percent", round3(rec.IntendedLossPercent),
		"unintended_lost", rec.TotalUnintendedLostPackets,
		"unintended_loss_percent", round3(rec.UnintendedLossPercent),
		"delay_ms", round3(rec.DelayMs),
		"counter_regressed", rec.CounterRegressed,
		"counter_unavailable", rec.CounterUnavailable,
	)
	return true
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
