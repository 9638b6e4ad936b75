package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog/log"

	"live-recorder/cmd"
	"live-recorder/config"
	"live-recorder/server"
)

func main() {
	path, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(err)
	}

	root := cmd.Root(cfg)
	if err := root.Execute(); err != nil {
		if errors.Is(err, server.ErrReloadRequested) {
			log.Warn().Msg("exiting for restart")
			os.Exit(75)
		}
		log.Fatal().Err(err).Send()
	}
}
