// Package capture runs the capture, fit and upload cycle behind a single-flight gate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-snapshot-pipeline/internal/fitter"
	"github.com/tendant/simple-snapshot-pipeline/internal/uploader"
	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// FrameSource yields one frame per call
type FrameSource interface {
	Capture(ctx context.Context) (*pipeline.RawFrame, error)
}

// Encoder fits a frame under a byte budget
type Encoder interface {
	Fit(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error)
}

// Recorder observes cycles. CycleStarted is only called once the gate is held.
type Recorder interface {
	CycleStarted()
	CycleFinished(report pipeline.CycleReport)
}

type nopRecorder struct{}

func (nopRecorder) CycleStarted()                      {}
func (nopRecorder) CycleFinished(pipeline.CycleReport) {}

// Config wires an Orchestrator
type Config struct {
	Capture  pipeline.CaptureConfig
	Source   FrameSource
	Encoder  Encoder
	Uploader uploader.Uploader
	Recorder Recorder
	Logger   *slog.Logger
}

// Orchestrator owns the cycle gate and the last-run bookkeeping
type Orchestrator struct {
	cfg      pipeline.CaptureConfig
	source   FrameSource
	encoder  Encoder
	uploader uploader.Uploader
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	inProgress atomic.Bool

	mu         sync.Mutex
	lastRun    time.Time
	lastReport *pipeline.CycleReport
}

// New validates cfg and creates an Orchestrator
func New(cfg Config) (*Orchestrator, error) {
	var errs []error
	if err := cfg.Capture.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Source == nil {
		errs = append(errs, errors.New("frame source is required"))
	}
	if cfg.Encoder == nil {
		errs = append(errs, errors.New("encoder is required"))
	}
	if cfg.Uploader == nil {
		errs = append(errs, errors.New("uploader is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("capture: invalid config: %w", err)
	}

	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		cfg:      cfg.Capture,
		source:   cfg.Source,
		encoder:  cfg.Encoder,
		uploader: cfg.Uploader,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.With("component", "capture"),
		now:      time.Now,
	}, nil
}

// Config returns the capture configuration
func (o *Orchestrator) Config() pipeline.CaptureConfig {
	return o.cfg
}

// InProgress reports whether a cycle currently holds the gate
func (o *Orchestrator) InProgress() bool {
	return o.inProgress.Load()
}

// Trigger runs one cycle and returns ErrCycleInProgress if it was skipped
func (o *Orchestrator) Trigger(ctx context.Context) (pipeline.CycleReport, error) {
	report := o.RunCycle(ctx)
	if report.Outcome == pipeline.OutcomeSkipped {
		return report, ErrCycleInProgress
	}
	return report, nil
}

// RunCycle runs capture, fit and upload in order. It never blocks on the gate:
// if another cycle is running the call returns an OutcomeSkipped report at once.
// Stage failures end the cycle and are reported, never returned.
func (o *Orchestrator) RunCycle(ctx context.Context) (report pipeline.CycleReport) {
	started := o.now()

	if !o.inProgress.CompareAndSwap(false, true) {
		o.logger.Warn("previous capture cycle still running, tick dropped")
		report = pipeline.CycleReport{
			Outcome:    pipeline.OutcomeSkipped,
			StartedAt:  started,
			FinishedAt: started,
		}
		o.recorder.CycleFinished(report)
		return report
	}
	defer o.inProgress.Store(false)

	runID := uuid.New().String()
	logger := o.logger.With("run_id", runID)
	report = pipeline.CycleReport{RunID: runID, StartedAt: started}

	o.recorder.CycleStarted()
	defer func() {
		report.FinishedAt = o.now()
		o.mu.Lock()
		r := report
		o.lastReport = &r
		o.lastRun = report.FinishedAt
		o.mu.Unlock()
		o.recorder.CycleFinished(report)

		logger.Info("capture cycle finished",
			"outcome", report.Outcome,
			"duration", report.Duration(),
			"next_allowed", report.FinishedAt.Add(o.cfg.TickInterval()),
		)
	}()

	logger.Info("capture cycle started", "source", o.cfg.SourceURI)

	var frame *pipeline.RawFrame
	err := runStage(func() (err error) {
		frame, err = o.source.Capture(ctx)
		return err
	})
	if err == nil && frame == nil {
		err = errors.New("source returned no frame")
	}
	if err != nil {
		logger.Error("failed to obtain frame", "error", err)
		return o.fail(report, pipeline.OutcomeNoFrame, err)
	}

	var (
		blob *pipeline.EncodedBlob
		fit  *fitter.Report
	)
	err = runStage(func() (err error) {
		blob, fit, err = o.encoder.Fit(ctx, frame, o.cfg.MaxUploadBytes)
		return err
	})
	if fit != nil {
		report.Attempts = len(fit.Attempts)
	}
	if err == nil && blob.Len() == 0 {
		err = fitter.ErrEmptyResult
	}
	if err != nil {
		if errors.Is(err, fitter.ErrEmptyResult) {
			logger.Error("resized image is empty, upload aborted")
		} else {
			logger.Error("failed to encode frame", "error", err)
		}
		return o.fail(report, pipeline.OutcomeEncodeFailed, err)
	}

	report.Bytes = blob.Len()
	report.Width = blob.Width
	report.Height = blob.Height
	logger.Info("snapshot encoded",
		"width", blob.Width,
		"height", blob.Height,
		"bytes", blob.Len(),
		"attempts", report.Attempts,
		"within_budget", fit == nil || fit.WithinBudget,
	)

	err = runStage(func() error {
		return o.uploader.Upload(ctx, blob)
	})
	if err != nil {
		logger.Error("failed to upload snapshot", "error", err)
		return o.fail(report, pipeline.OutcomeUploadFailed, err)
	}

	report.Outcome = pipeline.OutcomeUploaded
	return report
}

func (o *Orchestrator) fail(report pipeline.CycleReport, outcome pipeline.Outcome, err error) pipeline.CycleReport {
	report.Outcome = outcome
	report.Error = err.Error()
	return report
}

// Status returns a snapshot of the orchestrator state. LastRun is the end of
// the most recent cycle that held the gate, whatever its outcome; skipped
// ticks do not move it.
func (o *Orchestrator) Status() pipeline.Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := pipeline.Status{InProgress: o.inProgress.Load()}
	if !o.lastRun.IsZero() {
		last := o.lastRun
		next := last.Add(o.cfg.TickInterval())
		status.LastRun = &last
		status.NextRun = &next
	}
	if o.lastReport != nil {
		r := *o.lastReport
		status.LastReport = &r
	}
	return status
}

// runStage runs fn and converts a panic into an error wrapping ErrStagePanic
func runStage(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
		}
	}()
	return fn()
}
