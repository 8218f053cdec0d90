// Package framesource pulls exactly one decoded frame out of a continuous video stream.
//
// A Decoder runs a streaming decode session and pushes every decoded frame to a
// handler. Source registers a one-shot handler on that session: the first frame
// is kept, the session is cancelled, and any frame delivered afterwards is
// dropped. Capture blocks until a frame arrives or the session ends without one.
package framesource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// ErrNoFrame is returned when a session ends without delivering a frame
var ErrNoFrame = errors.New("no frame obtained")

// teardownTimeout bounds how long Capture waits for a cancelled session to unwind
const teardownTimeout = 3 * time.Second

// FrameHandler receives decoded frames. Ownership of the frame passes to the handler.
type FrameHandler func(frame *pipeline.RawFrame)

// Decoder runs a streaming decode session against a source.
//
// Stream blocks until ctx is cancelled, the stream ends or an error occurs.
// Cancellation is the normal way to stop a session and is not reported as an error.
type Decoder interface {
	Stream(ctx context.Context, uri string, onFrame FrameHandler) error
}

// SourceConfig configures a Source
type SourceConfig struct {
	URI     string
	Decoder Decoder

	// FrameTimeout bounds the wait for the first frame. Zero disables it.
	FrameTimeout time.Duration

	Logger *slog.Logger
}

// Source captures single frames from a stream
type Source struct {
	uri          string
	decoder      Decoder
	frameTimeout time.Duration
	logger       *slog.Logger
}

// NewSource creates a frame source
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.URI == "" {
		return nil, errors.New("framesource: source URI is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("framesource: decoder is required")
	}
	if cfg.FrameTimeout < 0 {
		return nil, fmt.Errorf("framesource: invalid frame timeout %v", cfg.FrameTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Source{
		uri:          cfg.URI,
		decoder:      cfg.Decoder,
		frameTimeout: cfg.FrameTimeout,
		logger:       cfg.Logger.With("component", "frame-source"),
	}, nil
}

// Capture opens a decode session, waits for the first frame and stops the session.
// Every failure mode is reported as an error wrapping ErrNoFrame.
func (s *Source) Capture(ctx context.Context) (*pipeline.RawFrame, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.frameTimeout > 0 {
		var cancelTimeout context.CancelFunc
		sessionCtx, cancelTimeout = context.WithTimeout(sessionCtx, s.frameTimeout)
		defer cancelTimeout()
	}

	first := newOneShot[*pipeline.RawFrame]()
	onFrame := func(frame *pipeline.RawFrame) {
		if frame == nil {
			return
		}
		if first.Resolve(frame) {
			cancel()
		}
	}

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- s.decoder.Stream(sessionCtx, s.uri, onFrame)
	}()

	var streamErr error
	select {
	case <-first.Done():
		cancel()
		select {
		case streamErr = <-done:
		case <-time.After(teardownTimeout):
			s.logger.Warn("decode session did not stop within timeout", "timeout", teardownTimeout)
		}
	case streamErr = <-done:
	}

	if frame, ok := first.Value(); ok {
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = time.Now()
		}
		s.logger.Debug("frame captured",
			"width", frame.Width,
			"height", frame.Height,
			"format", frame.Format.String(),
			"wait", time.Since(started),
		)
		return frame, nil
	}

	if streamErr == nil {
		streamErr = sessionCtx.Err()
	}
	if streamErr == nil {
		return nil, fmt.Errorf("%w: stream ended after %v", ErrNoFrame, time.Since(started).Round(time.Millisecond))
	}
	return nil, fmt.Errorf("%w: %w", ErrNoFrame, streamErr)
}
