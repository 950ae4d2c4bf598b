// Package emit writes closed-window records to the output stream and a
// throttled human-readable summary to the log.
package emit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"

	"firestige.xyz/lossmon/internal/core"
	"firestige.xyz/lossmon/internal/metrics"
)

// Sink receives one record per closed window.
type Sink interface {
	Emit(rec core.MetricRecord) error
}

// fixed3 marshals as a JSON number with exactly three decimals.
type fixed3 float64

func (f fixed3) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(f), 'f', 3, 64), nil
}

// line is the wire layout of one record. Field order is part of the output.
type line struct {
	DelayMs                    fixed3 `json:"delay_ms"`
	LossPercent                fixed3 `json:"loss_percent"`
	UnintendedLossPercent      fixed3 `json:"unintended_loss_percent"`
	TotalTxPackets             int    `json:"total_tx_packets"`
	TotalRxPackets             int    `json:"total_rx_packets"`
	TotalLostPackets           int    `json:"total_lost_packets"`
	TotalUnintendedLostPackets int    `json:"total_unintended_lost_packets"`
	IntendedLossPercent        fixed3 `json:"intended_loss_percent"`
	IntendedLostPackets        int    `json:"intended_lost_packets"`
}

func toLine(rec core.MetricRecord) line {
	return line{
		DelayMs:                    fixed3(rec.DelayMs),
		LossPercent:                fixed3(rec.LossPercent),
		UnintendedLossPercent:      fixed3(rec.UnintendedLossPercent),
		TotalTxPackets:             rec.TotalTxPackets,
		TotalRxPackets:             rec.TotalRxPackets,
		TotalLostPackets:           rec.TotalLostPackets,
		TotalUnintendedLostPackets: rec.TotalUnintendedLostPackets,
		IntendedLossPercent:        fixed3(rec.IntendedLossPercent),
		IntendedLostPackets:        rec.IntendedLostPackets,
	}
}

// Emitter writes newline-delimited JSON records. Each record is written with
// a single Write call so a line is never split across writes.
type Emitter struct {
	w     io.Writer
	count uint64
}

// NewEmitter creates an emitter writing to w (normally os.Stdout).
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes rec. A reader that went away surfaces as core.ErrOutputClosed.
func (e *Emitter) Emit(rec core.MetricRecord) error {
	data, err := json.Marshal(toLine(rec))
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	if _, err := e.w.Write(data); err != nil {
		if isClosed(err) {
			return fmt.Errorf("%w: %v", core.ErrOutputClosed, err)
		}
		return fmt.Errorf("write record: %w", err)
	}
	e.count++
	observe(rec)
	return nil
}

// Count returns the number of records written.
func (e *Emitter) Count() uint64 { return e.count }

func isClosed(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

func observe(rec core.MetricRecord) {
	metrics.WindowsTotal.WithLabelValues(metrics.OutcomeEmitted).Inc()
	metrics.WindowPackets.WithLabelValues("tx").Set(float64(rec.TotalTxPackets))
	metrics.WindowPackets.WithLabelValues("matched").Set(float64(rec.TotalRxPackets))
	metrics.WindowPackets.WithLabelValues("lost").Set(float64(rec.TotalLostPackets))
	metrics.WindowPackets.WithLabelValues("intended").Set(float64(rec.IntendedLostPackets))
	metrics.WindowPackets.WithLabelValues("unintended").Set(float64(rec.TotalUnintendedLostPackets))
	metrics.LossRatio.WithLabelValues("total").Set(rec.LossPercent)
	metrics.LossRatio.WithLabelValues("intended").Set(rec.IntendedLossPercent)
	metrics.LossRatio.WithLabelValues("unintended").Set(rec.UnintendedLossPercent)
	if rec.TotalRxPackets > 0 {
		metrics.DelayMilliseconds.Observe(rec.DelayMs)
	}
	if rec.CounterRegressed {
		metrics.CounterRegressionsTotal.Inc()
	}
}
