// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frames read from each capture artifact.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lossmon_capture_frames_total",
			Help: "Total number of frames read from capture artifacts",
		},
		[]string{"side"},
	)

	// RejectsTotal counts frames discarded by classification, by reason.
	RejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lossmon_classify_rejects_total",
			Help: "Total number of frames discarded during classification",
		},
		[]string{"side", "reason"},
	)

	// SourceState tracks capture artifact state per side
	SourceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lossmon_capture_source_state",
			Help: "Capture artifact state (0=waiting, 1=open, 2=lost)",
		},
		[]string{"side"},
	)

	// WindowsTotal counts closed windows by outcome (emitted, empty).
	WindowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lossmon_windows_total",
			Help: "Total number of closed windows",
		},
		[]string{"outcome"},
	)

	// WindowPackets holds the packet counts of the last emitted window.
	WindowPackets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lossmon_window_packets",
			Help: "Packet counts of the last emitted window",
		},
		[]string{"kind"},
	)

	// LossRatio holds the loss percentages of the last emitted window.
	LossRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lossmon_window_loss_percent",
			Help: "Loss percentage of the last emitted window",
		},
		[]string{"class"},
	)

	// DelayMilliseconds measures mean one-way delay per window
	DelayMilliseconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lossmon_window_delay_milliseconds",
			Help:    "Mean one-way delay of matched packets per window",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16), // 50µs to ~1.6s
		},
	)

	// CounterSampleFailuresTotal counts counter reads that fell back to zero.
	CounterSampleFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lossmon_counter_sample_failures_total",
			Help: "Total number of counter samples that degraded to a zero snapshot",
		},
		[]string{"backend"},
	)

	// CounterRegressionsTotal counts windows where a counter went backwards.
	CounterRegressionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lossmon_counter_regressions_total",
			Help: "Total number of windows whose counter sample was below the previous one",
		},
	)
)

// SourceStateValue represents capture source state as a numeric value for Prometheus gauge
const (
	SourceStateWaiting = 0
	SourceStateOpen    = 1
	SourceStateLost    = 2
)

// Window outcome labels.
const (
	OutcomeEmitted = "emitted"
	OutcomeEmpty   = "empty"
)
