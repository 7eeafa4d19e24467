// Package main is the entry point for gatecache, a snapshot-distribution
// and local-authorization-cache sidecar for data-plane gateways.
//
// gatecache runs next to realtime and storage gateways and provides:
//   - TTL-cached project snapshots fetched from the control plane
//   - Local admission decisions (status, service enablement, quotas)
//   - Per-project connection and in-flight operation tracking
//   - Per-project rate limiting driven by snapshot limits
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatecache/gatecache/internal/config"
	"github.com/gatecache/gatecache/internal/observability"
	"github.com/gatecache/gatecache/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gatecache %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting gatecache", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	current := cfg
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if restart := newCfg.RequiresRestart(current); len(restart) > 0 {
			logger.Warn("config change requires restart, ignoring", "fields", restart)
			return
		}
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
			return
		}
		current = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("gatecache shut down gracefully")
}
