package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"voxlens/internal/app"
	"voxlens/internal/config"
	"voxlens/internal/httpapi"
	"voxlens/internal/observability"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel, os.Stdout)
	metrics := observability.NewMetrics()

	components, err := app.Build(cfg, app.NewHTTPClient(cfg.RequestTimeout), metrics)
	if err != nil {
		logger.Error("wiring failed", "error", err)
		os.Exit(1)
	}
	if cfg.UpstreamAPIKey == "" {
		logger.Warn("no upstream API key configured; requests must send Authorization: Bearer <api_key>")
	}

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Pipeline:       components.Pipeline,
		Upstream:       components.Upstream,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := app.NewHTTPServer(cfg, handler)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "synthesis_provider", cfg.SynthesisProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
