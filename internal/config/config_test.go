package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/lossmon/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lossmon.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Window.Interval)
	assert.Equal(t, time.Millisecond, cfg.Scheduler.TickSleep)
	assert.Equal(t, 10*time.Second, cfg.Diagnostics.Interval)
	assert.Equal(t, core.DefaultPortRange, cfg.Classify.PortRange)
	assert.True(t, cfg.Classify.Prefilter)
	assert.Equal(t, "bpftool", cfg.Counter.Backend)
	assert.Equal(t, []string{"bpftool"}, cfg.Counter.Command)
	assert.Equal(t, "/sys/fs/bpf/xdp_pipeline/video_stats", cfg.Counter.MapPath)
	assert.Equal(t, uint32(4), cfg.Counter.DroppedKey)
	assert.Equal(t, uint32(5), cfg.Counter.ForwardedKey)
	assert.Equal(t, 2*time.Second, cfg.Counter.Timeout)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.ErrorIs(t, cfg.RequireCaptures(), core.ErrConfigInvalid)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
lossmon:
  capture:
    tx_path: /tmp/tx.pcap
    rx_path: /tmp/rx.pcap
  window:
    interval: 0.25
  classify:
    port_range: "6000-6010"
    prefilter: false
  counter:
    backend: pinned
    dropped_key: 7
    timeout: 1500ms
  log:
    level: debug
    format: json
`)
	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/tx.pcap", cfg.Capture.TxPath)
	assert.Equal(t, "/tmp/rx.pcap", cfg.Capture.RxPath)
	assert.NoError(t, cfg.RequireCaptures())
	assert.Equal(t, 250*time.Millisecond, cfg.Window.Interval)
	assert.Equal(t, core.PortRange{Start: 6000, End: 6010}, cfg.Classify.PortRange)
	assert.False(t, cfg.Classify.Prefilter)
	assert.Equal(t, "pinned", cfg.Counter.Backend)
	assert.Equal(t, uint32(7), cfg.Counter.DroppedKey)
	assert.Equal(t, uint32(5), cfg.Counter.ForwardedKey)
	assert.Equal(t, 1500*time.Millisecond, cfg.Counter.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOSSMON_CAPTURE_TX_PATH", "/env/tx.pcap")
	t.Setenv("LOSSMON_WINDOW_INTERVAL", "2")
	t.Setenv("LOSSMON_CLASSIFY_PORT_RANGE", "7000-7001")
	t.Setenv("LOSSMON_COUNTER_COMMAND", "sudo -n bpftool")

	path := writeConfig(t, `
lossmon:
  capture:
    tx_path: /file/tx.pcap
`)
	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "/env/tx.pcap", cfg.Capture.TxPath)
	assert.Equal(t, 2*time.Second, cfg.Window.Interval)
	assert.Equal(t, core.PortRange{Start: 7000, End: 7001}, cfg.Classify.PortRange)
	assert.Equal(t, []string{"sudo", "-n", "bpftool"}, cfg.Counter.Command)
}

func TestLoadSetOverridesFile(t *testing.T) {
	path := writeConfig(t, `
lossmon:
  window:
    interval: 1s
`)
	v := NewViper()
	v.Set(Key("window.interval"), "0.1")
	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.Window.Interval)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port range", "lossmon:\n  classify:\n    port_range: \"6000\"\n"},
		{"start after end", "lossmon:\n  classify:\n    port_range: \"6010-6000\"\n"},
		{"port overflow", "lossmon:\n  classify:\n    port_range: \"1-70000\"\n"},
		{"zero interval", "lossmon:\n  window:\n    interval: 0\n"},
		{"negative interval", "lossmon:\n  window:\n    interval: -1s\n"},
		{"bad interval", "lossmon:\n  window:\n    interval: soon\n"},
		{"bad log level", "lossmon:\n  log:\n    level: trace\n"},
		{"bad log format", "lossmon:\n  log:\n    format: xml\n"},
		{"bad backend", "lossmon:\n  counter:\n    backend: snmp\n"},
		{"empty command", "lossmon:\n  counter:\n    command: \"\"\n"},
		{"metrics without listen", "lossmon:\n  metrics:\n    enabled: true\n    listen: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(NewViper(), writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestRequireCaptures(t *testing.T) {
	cfg := &Config{Capture: CaptureConfig{TxPath: "/tx"}}
	err := cfg.RequireCaptures()
	require.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "capture.rx_path")
	assert.NotContains(t, err.Error(), "capture.tx_path")
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"0.5", 500 * time.Millisecond},
		{"2", 2 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{" 1m ", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeconds(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseSeconds("fast")
	assert.Error(t, err)
}

func TestYAMLRoundTrip(t *testing.T) {
	v := NewViper()
	v.Set(Key("capture.tx_path"), "/a/tx.pcap")
	v.Set(Key("capture.rx_path"), "/a/rx.pcap")
	v.Set(Key("classify.port_range"), "5004-5004")
	cfg, err := Load(v, "")
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "5004-5004")
	assert.Contains(t, string(out), "interval: 500ms")

	reloaded, err := Load(NewViper(), writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}
