package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAML renders the resolved configuration under the lossmon root key, in a
// form Load accepts back.
func (cfg *Config) YAML() ([]byte, error) {
	doc := map[string]any{
		Root: map[string]any{
			"capture": map[string]any{
				"tx_path": cfg.Capture.TxPath,
				"rx_path": cfg.Capture.RxPath,
			},
			"window":      map[string]any{"interval": cfg.Window.Interval.String()},
			"scheduler":   map[string]any{"tick_sleep": cfg.Scheduler.TickSleep.String()},
			"diagnostics": map[string]any{"interval": cfg.Diagnostics.Interval.String()},
			"classify": map[string]any{
				"port_range": cfg.Classify.PortRange.String(),
				"prefilter":  cfg.Classify.Prefilter,
			},
			"counter": map[string]any{
				"backend":       cfg.Counter.Backend,
				"command":       cfg.Counter.Command,
				"map_path":      cfg.Counter.MapPath,
				"dropped_key":   cfg.Counter.DroppedKey,
				"forwarded_key": cfg.Counter.ForwardedKey,
				"timeout":       cfg.Counter.Timeout.String(),
			},
			"metrics": map[string]any{
				"enabled": cfg.Metrics.Enabled,
				"listen":  cfg.Metrics.Listen,
				"path":    cfg.Metrics.Path,
			},
			"log": map[string]any{
				"level":  cfg.Log.Level,
				"format": cfg.Log.Format,
				"file": map[string]any{
					"enabled": cfg.Log.File.Enabled,
					"path":    cfg.Log.File.Path,
					"rotation": map[string]any{
						"max_size_mb":  cfg.Log.File.Rotation.MaxSizeMB,
						"max_age_days": cfg.Log.File.Rotation.MaxAgeDays,
						"max_backups":  cfg.Log.File.Rotation.MaxBackups,
						"compress":     cfg.Log.File.Rotation.Compress,
					},
				},
			},
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
