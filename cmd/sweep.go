package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"live-recorder/config"
	server2 "live-recorder/server"
)

func sweep(config *config.Config) *cobra.Command {
	var (
		quiet time.Duration
		reap  bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "assemble leftover temp chunks into clips and enforce the quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunSweep(config, quiet, reap)
		},
	}
	cmd.Flags().DurationVar(&quiet, "quiet", 0, "only sweep sessions silent for this long (default: timeslice + 1s)")
	cmd.Flags().BoolVar(&reap, "reap", true, "evict the oldest clips above the quota after sweeping")
	return cmd
}
