// Package scheduler fires the capture job at a fixed period, starting immediately.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// TickRecorder counts fired ticks
type TickRecorder interface {
	Tick()
}

// Job is run once per tick on its own goroutine
type Job func(ctx context.Context)

// Config configures a Scheduler
type Config struct {
	// Interval is the tick period. Ignored when Schedule is set.
	Interval time.Duration
	// Schedule overrides the fixed-period schedule
	Schedule cron.Schedule

	Job      Job
	Recorder TickRecorder
	Logger   *slog.Logger
}

// Scheduler triggers a job at a fixed period. Ticks never wait for earlier
// jobs; overlap handling belongs to the job.
type Scheduler struct {
	cron    *cron.Cron
	job     Job
	ticks   TickRecorder
	logger  *slog.Logger
	ctx     context.Context
	started atomic.Bool
}

// New creates a scheduler. Nothing fires until Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, errors.New("scheduler: job is required")
	}
	schedule := cfg.Schedule
	if schedule == nil {
		if cfg.Interval < time.Second {
			return nil, fmt.Errorf("scheduler: interval must be at least 1s, got %v", cfg.Interval)
		}
		schedule = cron.Every(cfg.Interval)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With("component", "scheduler")
	s := &Scheduler{
		job:    cfg.Job,
		ticks:  cfg.Recorder,
		logger: logger,
		ctx:    context.Background(),
	}

	cronLogger := NewCronLogger(logger)
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)
	s.cron.Schedule(&immediate{next: schedule}, cron.FuncJob(s.fire))

	return s, nil
}

// Start begins ticking. The first tick fires at once. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler: already started")
	}
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Stop stops further ticks. The returned context is done once running jobs return.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("scheduler stopped")
	return ctx
}

func (s *Scheduler) fire() {
	now := time.Now()
	if s.ticks != nil {
		s.ticks.Tick()
	}
	s.logger.Info("tick", "at", now.Format(time.RFC3339Nano))
	s.job(s.ctx)
}

// immediate fires at the first activation and then follows next
type immediate struct {
	fired atomic.Bool
	next  cron.Schedule
}

// Next implements cron.Schedule
func (i *immediate) Next(t time.Time) time.Time {
	if i.fired.CompareAndSwap(false, true) {
		return t
	}
	return i.next.Next(t)
}
