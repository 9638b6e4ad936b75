package cmd

import (
	"github.com/spf13/cobra"

	"live-recorder/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "live-recorder",
		Short:        "record a live stream into rotating clips",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(server(config))
	rootCmd.AddCommand(sweep(config))
	rootCmd.AddCommand(clearAll(config))
	return rootCmd
}
