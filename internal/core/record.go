// Package core defines the per-window metric record.
package core

// MetricRecord is the result of one closed window. JSON field names are the
// wire contract consumed by the metrics forwarder.
type MetricRecord struct {
	DelayMs                    float64 `json:"delay_ms"`
	LossPercent                float64 `json:"loss_percent"`
	UnintendedLossPercent      float64 `json:"unintended_loss_percent"`
	TotalTxPackets             int     `json:"total_tx_packets"`
	TotalRxPackets             int     `json:"total_rx_packets"` // matched count
	TotalLostPackets           int     `json:"total_lost_packets"`
	TotalUnintendedLostPackets int     `json:"total_unintended_lost_packets"`
	IntendedLossPercent        float64 `json:"intended_loss_percent"`
	IntendedLostPackets        int     `json:"intended_lost_packets"`

	// Diagnostics only, never serialized.
	PredictiveTxPackets int    `json:"-"`
	RxObserved          int    `json:"-"` // RX table size including unmatched entries
	DroppedDelta        uint64 `json:"-"`
	ForwardedDelta      uint64 `json:"-"`
	CounterRegressed    bool   `json:"-"`
	CounterUnavailable  bool   `json:"-"` // no usable counter delta this window
}
