package main

import (
	"context"
	"flag"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nioproxy"
	"os"
	"os/signal"
	"syscall"
)

var config *nioproxy.Config

func init() {
	configFilePath := flag.String("c", "config.toml", "path to configuration file.")
	flag.Parse()
	var err error
	config, err = nioproxy.LoadConfig(*configFilePath)
	if err != nil {
		log.Fatal().Msgf("can't load configuration: %+v", err)
	}
	initLog(config)
}

func initLog(config *nioproxy.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil {
		log.Warn().Msgf("unknown log level %q, using info", config.Global.LogLevel)
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	log.Info().Msg("starting proxy...")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	manager, err := nioproxy.NewContextManager(ctx, config)
	if err != nil {
		log.Fatal().Msgf("can't start proxy: %+v", err)
	}
	if err = manager.Run(); err != nil {
		log.Error().Msgf("event loop failed: %+v", err)
		os.Exit(1)
	}
	log.Info().Msg("proxy stopped")
}
