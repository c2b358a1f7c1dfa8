package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/rafiqa/internal/app"
	"github.com/ent0n29/rafiqa/internal/config"
	"github.com/ent0n29/rafiqa/internal/logging"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build failed")
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Error().Err(err).Msg("cleanup failed")
		}
	}()

	logger.Info().
		Str("audio_devices", built.Audio.Devices).
		Str("detail", built.Audio.Detail).
		Str("model", built.Audio.Model).
		Str("voice", built.Audio.Voice).
		Bool("fulfillment", built.Fulfiller != nil).
		Msg("audio backend ready")

	built.Sessions.StartJanitor(runCtx, built.Config.JanitorInterval)

	httpServer := &http.Server{
		Addr:    built.Config.BindAddr,
		Handler: built.API.Router(),
	}

	go func() {
		logger.Info().Str("addr", built.Config.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), built.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	built.Sessions.EndAll()

	logger.Info().Msg("shutdown complete")
}
