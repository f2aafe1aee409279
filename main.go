package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pdubroy/fswatcher/agent"
	"github.com/pdubroy/fswatcher/modules/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", "config.yaml", "Specify a path to load the config from")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Parse command line arguments
	flag.Parse()

	var conf agent.Config
	err := config.FromYamlFile(*configPath, &conf)
	if err != nil {
		log.Fatal().Caller().Err(err).Msg("failed to read config")
	}

	if conf.LogLevel != "" {
		level, err := zerolog.ParseLevel(conf.LogLevel)
		if err != nil {
			log.Fatal().Caller().Err(err).Msg("invalid log level")
		}
		zerolog.SetGlobalLevel(level)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	a := agent.New(conf)

	err = a.Open()
	if err != nil {
		log.Fatal().Caller().Err(err).Msg("failed to open agent")
	}

	done := make(chan error, 1)
	go func() {
		done <- a.Run()
	}()

	select {
	case <-quit:
		a.Stop()
		err = <-done
	case err = <-done:
	}
	if err != nil {
		log.Fatal().Caller().Err(err).Msg("failed to run agent")
	}

	err = a.Close()
	if err != nil {
		log.Fatal().Caller().Err(err).Msg("failed to stop agent")
	}
}
