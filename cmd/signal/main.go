package main

import (
	"context"
	"fmt"
	goos "os"
	"time"

	"github.com/camlink/camlink/pkg/config"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/os"
	"github.com/camlink/camlink/pkg/relay"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	conf, path, err := config.NewConfig(flag.CommandLine, goos.Args[1:])
	if err != nil {
		fmt.Fprintln(goos.Stderr, err)
		goos.Exit(2)
	}

	log := logger.NewConsole(conf.Debug, "s", false)

	log.Info().Msgf("version %s", Version)
	if path != "" {
		log.Info().Msgf("config: %v", path)
	}
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	r, err := relay.New(conf, path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("couldn't start the server")
	}
	r.Start()

	<-os.ExpectTermination()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("service shutdown errors")
	}
}
