package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"firestige.xyz/lossmon/internal/capture"
	"firestige.xyz/lossmon/internal/classify"
	"firestige.xyz/lossmon/internal/config"
	"firestige.xyz/lossmon/internal/core"
	"firestige.xyz/lossmon/internal/counter"
	"firestige.xyz/lossmon/internal/emit"
	"firestige.xyz/lossmon/internal/log"
	"firestige.xyz/lossmon/internal/metrics"
	"firestige.xyz/lossmon/internal/monitor"
)

func runMonitor(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.RequireCaptures(); err != nil {
		return err
	}

	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Close()

	if opts.profile != "" {
		mode, err := profileMode(opts.profile)
		if err != nil {
			return err
		}
		defer profile.Start(mode, profile.ProfilePath(opts.profilePath), profile.NoShutdownHook).Stop()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	mon, closeSampler, err := buildMonitor(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeSampler()

	slog.Info("monitoring",
		"tx", cfg.Capture.TxPath,
		"rx", cfg.Capture.RxPath,
		"interval", cfg.Window.Interval,
		"port_range", cfg.Classify.PortRange.String(),
		"prefilter", cfg.Classify.Prefilter,
		"counter_backend", cfg.Counter.Backend,
		"counter_map", cfg.Counter.MapPath,
	)

	if err := mon.Run(ctx); err != nil {
		slog.Error("monitor stopped", "error", err)
		return err
	}
	slog.Info("monitor stopped")
	return nil
}

func buildMonitor(cfg *config.Config, out io.Writer) (*monitor.Monitor, func(), error) {
	classifier, err := classify.New(classify.Options{
		Ports:     cfg.Classify.PortRange,
		Prefilter: cfg.Classify.Prefilter,
	})
	if err != nil {
		return nil, nil, err
	}

	sampler, err := newSampler(cfg)
	if err != nil {
		return nil, nil, err
	}
	closeSampler := func() {
		if c, ok := sampler.(io.Closer); ok {
			_ = c.Close()
		}
	}

	mon, err := monitor.New(monitor.Options{
		TX:          capture.NewFileSource(cfg.Capture.TxPath, core.SideTX),
		RX:          capture.NewFileSource(cfg.Capture.RxPath, core.SideRX),
		Classifier:  classifier,
		Sampler:     sampler,
		Sink:        emit.NewEmitter(out),
		Diagnostics: emit.NewDiagnostics(slog.Default(), cfg.Diagnostics.Interval),
		Interval:    cfg.Window.Interval,
		TickSleep:   cfg.Scheduler.TickSleep,
	})
	if err != nil {
		closeSampler()
		return nil, nil, err
	}
	return mon, closeSampler, nil
}

func newSampler(cfg *config.Config) (counter.Sampler, error) {
	return counter.New(cfg.Counter.Backend, counter.Options{
		Command:      cfg.Counter.Command,
		MapPath:      cfg.Counter.MapPath,
		DroppedKey:   cfg.Counter.DroppedKey,
		ForwardedKey: cfg.Counter.ForwardedKey,
		Timeout:      cfg.Counter.Timeout,
	})
}

func profileMode(name string) (func(*profile.Profile), error) {
	switch strings.ToLower(name) {
	case "cpu":
		return profile.CPUProfile, nil
	case "mem":
		return profile.MemProfile, nil
	case "block":
		return profile.BlockProfile, nil
	case "mutex":
		return profile.MutexProfile, nil
	case "trace":
		return profile.TraceProfile, nil
	case "goroutine":
		return profile.GoroutineProfile, nil
	default:
		return nil, fmt.Errorf("%w: unknown profile mode %q", core.ErrConfigInvalid, name)
	}
}
