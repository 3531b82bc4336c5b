package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/core"
	"github.com/e7canasta/dantic/internal/logging"
)

const defaultConfigPath = "config/dantic.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional env file with DANTIC_* overrides")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "configuration error: %s: %s\n", cfgErr.Field, cfgErr.Reason)
		} else {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		}
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *debug {
		level = "debug"
	}
	closer, err := logging.Setup(logging.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	slog.Info("starting dantic service",
		"config", *configPath,
		"debug", *debug,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	dantic, err := core.NewDantic(cfg)
	if err != nil {
		slog.Error("failed to create dantic service", "error", err)
		os.Exit(1)
	}

	if err := dantic.StartHealthServer(cfg.Health.Port); err != nil {
		slog.Error("failed to start health check server", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- dantic.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
	}

	var cfgErr *config.Error
	switch {
	case errors.As(runErr, &cfgErr):
		slog.Error("configuration error, session not started",
			"field", cfgErr.Field,
			"reason", cfgErr.Reason,
		)
	case runErr != nil:
		slog.Error("service error", "error", runErr)
	default:
		slog.Info("session finished")
	}

	shutdownTimeout := dantic.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := dantic.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("dantic service stopped successfully")
}
