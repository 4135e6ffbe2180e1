// Package main is the entry point for s3relay, an upload-only,
// S3-compatible reverse proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashgate-io/s3relay/internal/config"
	"github.com/ashgate-io/s3relay/internal/logging"
	"github.com/ashgate-io/s3relay/internal/metrics"
	"github.com/ashgate-io/s3relay/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "", "override logging.level from config (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("s3relay listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(cfg.Server.Address); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("metrics listening", "port", cfg.Metrics.Port)
			if err := srv.ListenAndServeMetrics(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)

		timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		slog.Info("server stopped")

	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
