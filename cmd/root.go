// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"firestige.xyz/lossmon/internal/config"
	"firestige.xyz/lossmon/internal/core"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0"

// flagKeys binds CLI flags onto config keys. Flags win over env and file.
var flagKeys = map[string]string{
	"tx-pcap":              "capture.tx_path",
	"rx-pcap":              "capture.rx_path",
	"interval":             "window.interval",
	"port-range":           "classify.port_range",
	"prefilter":            "classify.prefilter",
	"counter-backend":      "counter.backend",
	"counter-map":          "counter.map_path",
	"diagnostics-interval": "diagnostics.interval",
	"log-level":            "log.level",
	"log-format":           "log.format",
	"metrics":              "metrics.enabled",
	"metrics-listen":       "metrics.listen",
}

type rootOptions struct {
	configFile  string
	profile     string
	profilePath string
}

// NewRootCommand builds the lossmon command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "lossmon",
		Short: "Actual loss and one-way delay monitor for a filtered media path",
		Long: `lossmon tails two packet captures taken before (TX) and after (RX) a
packet filter, matches media packets across them by flow key, and writes one
JSON record per window to stdout: mean one-way delay and a loss breakdown into
intended loss (counted by the filter) and unintended loss.

Logs go to stderr. stdout carries only records.

Examples:
  lossmon --tx-pcap /run/tx.pcap --rx-pcap /run/rx.pcap
  lossmon --tx-pcap tx.pcap --rx-pcap rx.pcap --interval 1 --port-range 6000-6099
  lossmon -c /etc/lossmon/lossmon.yml counters`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "config file path (YAML, root key \"lossmon\")")
	pf.String("tx-pcap", "", "pre-filter capture file (required)")
	pf.String("rx-pcap", "", "post-filter capture file (required)")
	pf.Float64("interval", 0.5, "window interval in seconds")
	pf.String("port-range", core.DefaultPortRange.String(), "monitored UDP port range, inclusive start-end")
	pf.Bool("prefilter", true, "run the BPF prefilter before decoding Ethernet frames")
	pf.String("counter-backend", "bpftool", "filter counter backend: bpftool, pinned or none")
	pf.String("counter-map", "/sys/fs/bpf/xdp_pipeline/video_stats", "pinned filter statistics map")
	pf.Duration("diagnostics-interval", 10*time.Second, "minimum spacing of the summary log line")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.Bool("metrics", false, "serve Prometheus metrics")
	pf.String("metrics-listen", ":9091", "metrics listen address")

	root.Flags().StringVar(&opts.profile, "profile", "", "profile the run: cpu, mem, block, mutex, trace, goroutine")
	root.Flags().StringVar(&opts.profilePath, "profile-path", ".", "directory for profile output")

	root.AddCommand(newValidateCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	root.AddCommand(newCountersCommand(opts))
	return root
}

// Execute runs the command tree. ctx is cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// loadConfig resolves flags, env and the optional config file.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	v := config.NewViper()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v, opts.configFile)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(config.Key(key), f); err != nil {
			return err
		}
	}
	return nil
}
