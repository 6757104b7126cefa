package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/logger"
	"fundarb/internal/infrastructure/svc"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer sc.Close()

	log.Info().
		Str("config", *configPath).
		Int("symbols", len(cfg.Symbols.List)).
		Int("users", len(cfg.App.Users)).
		Str("http", cfg.HTTP.Addr).
		Msg("fundarb started")

	if err := sc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("fundarb exited")
	}
}
