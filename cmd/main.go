package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/app"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config file; environment variables override it")
	flag.Parse()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build application")
	}
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	application.Shutdown(ctx)
}
