// Package runner assembles the snapshot agent from settings: frame source,
// fitter, uploader, orchestrator, scheduler, metrics and the control API.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tendant/simple-snapshot-pipeline/internal/capture"
	"github.com/tendant/simple-snapshot-pipeline/internal/config"
	"github.com/tendant/simple-snapshot-pipeline/internal/fitter"
	"github.com/tendant/simple-snapshot-pipeline/internal/framesource"
	"github.com/tendant/simple-snapshot-pipeline/internal/handlers"
	"github.com/tendant/simple-snapshot-pipeline/internal/identity"
	"github.com/tendant/simple-snapshot-pipeline/internal/metrics"
	"github.com/tendant/simple-snapshot-pipeline/internal/scheduler"
	"github.com/tendant/simple-snapshot-pipeline/internal/uploader"
	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// Config holds the configuration for initializing the snapshot runner
type Config struct {
	Settings config.Settings

	// Uploader replaces the HTTP uploader, e.g. with a DirectoryUploader.
	// Token and BaseUrl are not required when set.
	Uploader uploader.Uploader
	// Decoder replaces the decoder named by Settings.Decoder
	Decoder framesource.Decoder
	// Registry receives the metrics. A new registry with Go and process
	// collectors is created when nil.
	Registry *prometheus.Registry

	Logger *slog.Logger
}

// Runner is a ready-to-start snapshot agent
type Runner struct {
	settings     config.Settings
	orchestrator *capture.Orchestrator
	scheduler    *scheduler.Scheduler
	registry     *prometheus.Registry
	handler      http.Handler
	logger       *slog.Logger

	server   *http.Server
	listener net.Listener
}

// New builds every component. No goroutine is started until Start.
func New(cfg Config) (*Runner, error) {
	s := cfg.Settings
	if cfg.Uploader == nil {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("invalid settings: %w", err)
		}
	} else if err := s.ValidateCapture(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	httpClient := uploader.NewHTTPClient(0)

	decoder := cfg.Decoder
	if decoder == nil {
		decoder, err = framesource.NewDecoder(s.Decoder, framesource.Options{
			FFmpegPath: s.FFmpegPath(),
			HTTPClient: httpClient,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create decoder: %w", err)
		}
	}

	source, err := framesource.NewSource(framesource.SourceConfig{
		URI:          s.StreamURL,
		Decoder:      decoder,
		FrameTimeout: s.FrameTimeout(),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	up := cfg.Uploader
	if up == nil {
		fingerprint := s.Fingerprint
		if fingerprint == "" {
			fingerprint = identity.Fingerprint()
		}
		up, err = uploader.NewHTTPUploader(uploader.HTTPConfig{
			BaseURL:     s.BaseUrl,
			Token:       s.Token,
			Fingerprint: fingerprint,
			Client:      httpClient,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("uploading snapshots", "url", s.BaseUrl+uploader.SnapshotPath, "fingerprint", fingerprint)
	}

	orchestrator, err := capture.New(capture.Config{
		Capture:  s.CaptureConfig(),
		Source:   source,
		Encoder:  fitter.New(fitter.NewJPEGCodec(s.JpegQuality), logger),
		Uploader: up,
		Recorder: m,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Config{
		Interval: s.CaptureConfig().TickInterval(),
		Job: func(ctx context.Context) {
			orchestrator.RunCycle(ctx)
		},
		Recorder: m,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Runner{
		settings:     s,
		orchestrator: orchestrator,
		scheduler:    sched,
		registry:     registry,
		handler:      handlers.NewMux(handlers.NewControlHandler(orchestrator, logger), registry),
		logger:       logger.With("component", "runner"),
	}, nil
}

// Start starts the scheduler and, when HttpAddr is set, the control API.
// The first capture runs immediately.
func (r *Runner) Start(ctx context.Context) error {
	if addr := r.settings.HttpAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		r.listener = ln
		r.server = &http.Server{
			Handler:           r.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			r.logger.Info("control API listening", "addr", ln.Addr().String())
			if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("control API failed", "error", err)
			}
		}()
	}

	cfg := r.settings.CaptureConfig()
	r.logger.Info("snapshot agent started",
		"source", cfg.SourceURI,
		"interval", cfg.TickInterval(),
		"max_upload_bytes", cfg.MaxUploadBytes,
		"decoder", r.settings.Decoder,
	)
	return r.scheduler.Start(ctx)
}

// RunOnce runs a single cycle outside the schedule, through the same gate
func (r *Runner) RunOnce(ctx context.Context) pipeline.CycleReport {
	return r.orchestrator.RunCycle(ctx)
}

// Status returns the orchestrator status
func (r *Runner) Status() pipeline.Status {
	return r.orchestrator.Status()
}

// Handler returns the control API handler
func (r *Runner) Handler() http.Handler {
	return r.handler
}

// Registry returns the metrics registry
func (r *Runner) Registry() *prometheus.Registry {
	return r.registry
}

// Addr returns the control API listen address, or "" when it is not serving
func (r *Runner) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Shutdown stops scheduling, waits for a running cycle until ctx expires and
// stops the control API
func (r *Runner) Shutdown(ctx context.Context) error {
	var errs []error

	select {
	case <-r.scheduler.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("capture cycle still running: %w", ctx.Err()))
	}

	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop control API: %w", err))
		}
	}

	r.logger.Info("snapshot agent stopped")
	return errors.Join(errs...)
}
