// Package config handles global configuration loading using viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"firestige.xyz/lossmon/internal/core"
)

// Root is the top-level YAML key. Env vars derive from it through the key
// replacer: "lossmon.window.interval" is LOSSMON_WINDOW_INTERVAL.
const Root = "lossmon"

// Config is the full runtime configuration.
type Config struct {
	Capture     CaptureConfig     `mapstructure:"capture"`
	Window      WindowConfig      `mapstructure:"window"`
	Classify    ClassifyConfig    `mapstructure:"classify"`
	Counter     CounterConfig     `mapstructure:"counter"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
}

// ─── Capture ───

// CaptureConfig names the two capture artifacts.
type CaptureConfig struct {
	TxPath string `mapstructure:"tx_path"` // pre-filter capture
	RxPath string `mapstructure:"rx_path"` // post-filter capture
}

// ─── Window / Scheduler ───

// WindowConfig controls the reporting window.
type WindowConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// SchedulerConfig controls loop pacing.
type SchedulerConfig struct {
	TickSleep time.Duration `mapstructure:"tick_sleep"`
}

// ─── Classification ───

// ClassifyConfig controls frame classification.
type ClassifyConfig struct {
	PortRange core.PortRange `mapstructure:"port_range"`
	Prefilter bool           `mapstructure:"prefilter"`
}

// ─── Counter ───

// CounterConfig selects and configures the filter counter backend.
type CounterConfig struct {
	Backend      string        `mapstructure:"backend"` // bpftool / pinned / none
	Command      []string      `mapstructure:"command"`
	MapPath      string        `mapstructure:"map_path"`
	DroppedKey   uint32        `mapstructure:"dropped_key"`
	ForwardedKey uint32        `mapstructure:"forwarded_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ─── Diagnostics ───

// DiagnosticsConfig controls the throttled summary log.
type DiagnosticsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string           `mapstructure:"level"`  // debug / info / warn / error
	Format string           `mapstructure:"format"` // json / text
	File   FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

type configRoot struct {
	Lossmon Config `mapstructure:"lossmon"`
}

// Key returns the fully qualified viper key for a dotted config path.
func Key(path string) string { return Root + "." + path }

// NewViper returns a viper instance with defaults and env overrides set up.
// Callers may bind flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the optional config file at path into v, then decodes and
// validates the result. Capture paths are not required here; see
// RequireCaptures.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	cfg := root.Lossmon

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		portRangeHook(),
		durationHook(),
		fieldsHook(),
	)
}

// setDefaults sets default values for configuration.
// Every key gets a default so AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault(Key("capture.tx_path"), "")
	v.SetDefault(Key("capture.rx_path"), "")

	v.SetDefault(Key("window.interval"), "500ms")
	v.SetDefault(Key("scheduler.tick_sleep"), "1ms")
	v.SetDefault(Key("diagnostics.interval"), "10s")

	v.SetDefault(Key("classify.port_range"), core.DefaultPortRange.String())
	v.SetDefault(Key("classify.prefilter"), true)

	v.SetDefault(Key("counter.backend"), "bpftool")
	v.SetDefault(Key("counter.command"), []string{"bpftool"})
	v.SetDefault(Key("counter.map_path"), "/sys/fs/bpf/xdp_pipeline/video_stats")
	v.SetDefault(Key("counter.dropped_key"), 4)
	v.SetDefault(Key("counter.forwarded_key"), 5)
	v.SetDefault(Key("counter.timeout"), "2s")

	v.SetDefault(Key("metrics.enabled"), false)
	v.SetDefault(Key("metrics.listen"), ":9091")
	v.SetDefault(Key("metrics.path"), "/metrics")

	v.SetDefault(Key("log.level"), "info")
	v.SetDefault(Key("log.format"), "text")
	v.SetDefault(Key("log.file.enabled"), false)
	v.SetDefault(Key("log.file.path"), "/var/log/lossmon/lossmon.log")
	v.SetDefault(Key("log.file.rotation.max_size_mb"), 100)
	v.SetDefault(Key("log.file.rotation.max_age_days"), 30)
	v.SetDefault(Key("log.file.rotation.max_backups"), 5)
	v.SetDefault(Key("log.file.rotation.compress"), true)
}

// Validate checks everything except the capture paths.
func (cfg *Config) Validate() error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level))
	}
	if f := strings.ToLower(cfg.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format))
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		errs = append(errs, errors.New("log.file.path is required when log.file.enabled=true"))
	}

	if cfg.Window.Interval <= 0 {
		errs = append(errs, fmt.Errorf("window.interval must be positive, got %s", cfg.Window.Interval))
	}
	if cfg.Scheduler.TickSleep <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_sleep must be positive, got %s", cfg.Scheduler.TickSleep))
	}
	if cfg.Diagnostics.Interval <= 0 {
		errs = append(errs, fmt.Errorf("diagnostics.interval must be positive, got %s", cfg.Diagnostics.Interval))
	}
	if r := cfg.Classify.PortRange; r.Start > r.End {
		errs = append(errs, fmt.Errorf("classify.port_range %s has start > end", r))
	}

	switch cfg.Counter.Backend {
	case "bpftool":
		if len(cfg.Counter.Command) == 0 {
			errs = append(errs, errors.New("counter.command is required for the bpftool backend"))
		}
	case "pinned", "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported counter.backend: %s (must be bpftool/pinned/none)", cfg.Counter.Backend))
	}
	if cfg.Counter.Backend != "none" && cfg.Counter.MapPath == "" {
		errs = append(errs, errors.New("counter.map_path is required"))
	}
	if cfg.Counter.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("counter.timeout must be positive, got %s", cfg.Counter.Timeout))
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics.enabled=true"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// RequireCaptures checks that both capture paths are set.
func (cfg *Config) RequireCaptures() error {
	var missing []string
	if cfg.Capture.TxPath == "" {
		missing = append(missing, "capture.tx_path")
	}
	if cfg.Capture.RxPath == "" {
		missing = append(missing, "capture.rx_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", core.ErrConfigInvalid, strings.Join(missing, ", "))
	}
	return nil
}
