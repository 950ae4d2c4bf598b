package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/lossmon/internal/classify"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the resolved configuration without starting the monitor",
		Long: `Resolve flags, LOSSMON_* environment variables and the config file, check
them, and build the classifier and counter backend without touching the
capture files.

Examples:
  lossmon validate --tx-pcap tx.pcap --rx-pcap rx.pcap
  lossmon validate -c /etc/lossmon/lossmon.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err == nil {
				err = cfg.RequireCaptures()
			}
			if err == nil {
				_, err = classify.New(classify.Options{Ports: cfg.Classify.PortRange, Prefilter: cfg.Classify.Prefilter})
			}
			if err == nil {
				_, err = newSampler(cfg)
			}
			if err != nil {
				return fmt.Errorf("INVALID: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "VALID: tx=%s rx=%s interval=%s ports=%s counter=%s\n",
				cfg.Capture.TxPath, cfg.Capture.RxPath, cfg.Window.Interval,
				cfg.Classify.PortRange, cfg.Counter.Backend)
			return nil
		},
	}
}
