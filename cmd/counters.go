package cmd

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"
)

type countersOutput struct {
	Backend   string `json:"backend"`
	MapPath   string `json:"map_path"`
	OK        bool   `json:"ok"`
	Dropped   uint64 `json:"dropped"`
	Forwarded uint64 `json:"forwarded"`
}

func newCountersCommand(opts *rootOptions) *cobra.Command {
	var (
		count int
		every time.Duration
	)
	cmd := &cobra.Command{
		Use:   "counters",
		Short: "Read the filter drop/forward counters",
		Long: `Sample the filter counters with the configured backend and print one JSON
line per sample. A backend failure prints zeros, exactly as the monitor would
see it; run with --log-level debug to see why.

Examples:
  lossmon counters
  lossmon counters --counter-backend pinned -n 5 --every 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			sampler, err := newSampler(cfg)
			if err != nil {
				return err
			}
			if c, ok := sampler.(io.Closer); ok {
				defer c.Close()
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for i := 0; i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(every):
					}
				}
				snap, ok := sampler.Sample(ctx)
				if err := enc.Encode(countersOutput{
					Backend:   cfg.Counter.Backend,
					MapPath:   cfg.Counter.MapPath,
					OK:        ok,
					Dropped:   snap.Dropped,
					Forwarded: snap.Forwarded,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of samples")
	cmd.Flags().DurationVar(&every, "every", time.Second, "spacing between samples")
	return cmd
}
