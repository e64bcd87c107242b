package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"remaster/internal/app"
	"remaster/internal/config"
	"remaster/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.IsDevelopment(), os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build app")
	}
	if err := a.Serve(ctx); err != nil {
		logger.Fatal().Err(err).Msg("serve")
	}
	logger.Info().Msg("api stopped")
}
