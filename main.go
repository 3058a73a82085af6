package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mxbridge/signal-provisioning/internal/app"
	"github.com/mxbridge/signal-provisioning/internal/config"
	"github.com/mxbridge/signal-provisioning/internal/server"
	"github.com/mxbridge/signal-provisioning/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogDir)
	defer logger.Close()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	// Connect to signald with retry; the daemon may still be starting.
	// Requests made before the connection is up wait for it instead of
	// failing outright.
	go connectWithRetry(a)

	srv := server.NewServer(a, cfg)
	srv.SetupRoutes()
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	log.Info().Msg("Graceful shutdown complete")
}

func connectWithRetry(a *app.App) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.Signal.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		a.Log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to connect to signald, retrying")
		time.Sleep(5 * time.Second)
	}
}
