package cmd

import (
	"github.com/spf13/cobra"

	"live-recorder/config"
	server2 "live-recorder/server"
)

func clearAll(config *config.Config) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "delete every recorded clip and temp chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunClear(config, yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deleting all recordings")
	return cmd
}
