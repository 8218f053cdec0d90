package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-snapshot-pipeline/internal/config"
	"github.com/tendant/simple-snapshot-pipeline/internal/framesource"
	"github.com/tendant/simple-snapshot-pipeline/internal/logging"
	"github.com/tendant/simple-snapshot-pipeline/pkg/runner"
)

const shutdownTimeout = 10 * time.Second

// Snapshot agent: uploads one camera frame per tick until interrupted
func main() {
	configPath := flag.String("config", config.SettingsPath(), "settings file (JSON or YAML)")
	defaultsPath := flag.String("defaults", config.DefaultsFile, "defaults file used to create the settings file on first run")
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	setup := flag.Bool("setup", true, "prompt for settings when the settings file does not exist")
	flag.Parse()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
		os.Exit(1)
	}

	if *setup {
		if _, err := config.EnsureSettingsFile(*configPath, *defaultsPath, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create settings: %v\n", err)
			os.Exit(1)
		}
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, settings.LogLevel, settings.LogFormat)
	logger.Info("snapshot agent starting",
		"config", *configPath,
		"decoders", framesource.Decoders(),
		"settings", settings.Redacted(),
	)

	r, err := runner.New(runner.Config{
		Settings: settings,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to initialize agent", "error", err)
		os.Exit(1)
	}

	// registered before Start so a signal during the first tick still shuts down gracefully
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if err := serve(r, quit, shutdownTimeout, logger); err != nil {
		logger.Error("agent stopped with error", "error", err)
		os.Exit(1)
	}
}

// agent is the part of runner.Runner that serve drives
type agent interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// serve starts a, waits for a signal on quit and shuts down within timeout.
// A second signal cancels the running cycle.
func serve(a agent, quit <-chan os.Signal, timeout time.Duration, logger *slog.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	go func() {
		select {
		case <-quit:
			stop()
		case <-shutdownCtx.Done():
		}
	}()

	if err := a.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}
