package cmd

import (
	"github.com/spf13/cobra"

	"live-recorder/config"
	server2 "live-recorder/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start the recorder and its http server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunHttp(config)
		},
	}
}
