package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/simple-snapshot-pipeline/internal/config"
	"github.com/tendant/simple-snapshot-pipeline/internal/logging"
	"github.com/tendant/simple-snapshot-pipeline/internal/uploader"
	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
	"github.com/tendant/simple-snapshot-pipeline/pkg/runner"
)

// Runs a single capture cycle and exits. Useful for checking a camera URL,
// the decoder and the upload credentials without starting the agent.
//
// Exit status is 0 only when a snapshot was uploaded (or written with -out).
func main() {
	configPath := flag.String("config", config.SettingsPath(), "settings file (JSON or YAML)")
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	outDir := flag.String("out", "", "write the snapshot to this directory instead of uploading it")
	stream := flag.String("stream", "", "override StreamURL")
	flag.Parse()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
		os.Exit(1)
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		os.Exit(1)
	}
	if *stream != "" {
		settings.StreamURL = *stream
	}

	logger := logging.New(os.Stderr, settings.LogLevel, settings.LogFormat)

	cfg := runner.Config{Settings: settings, Logger: logger}
	if *outDir != "" {
		dir, err := uploader.NewDirectoryUploader(*outDir, logger)
		if err != nil {
			logger.Error("failed to prepare output directory", "error", err)
			os.Exit(1)
		}
		cfg.Uploader = dir
	}

	r, err := runner.New(cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := r.RunOnce(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(report)

	if report.Outcome != pipeline.OutcomeUploaded {
		stop()
		os.Exit(1)
	}
}
