// Package fitter shrinks decoded frames until their encoding fits a byte budget.
//
// The fitter encodes at scale 1.0 and, while the result is over budget,
// multiplies the scale by ShrinkFactor and tries again, up to MaxAttempts
// encodes. Every attempt resizes from the original frame, so resampling
// artifacts never compound; only the scale value does. When the budget is
// still not met after the last attempt, that last encoding is returned anyway.
package fitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

const (
	// ShrinkFactor is applied to the scale after each over-budget attempt
	ShrinkFactor = 0.9

	// MaxAttempts bounds the number of encodes per frame
	MaxAttempts = 20
)

// ErrEmptyResult is returned when the final encoding has zero length
var ErrEmptyResult = errors.New("encoded image is empty")

// Attempt records one encode pass
type Attempt struct {
	Scale  float64
	Width  int
	Height int
	Bytes  int
}

// Report describes how a frame was fitted
type Report struct {
	Attempts []Attempt
	// WithinBudget is false when the last attempt was still over budget
	WithinBudget bool
}

// Last returns the final attempt, or the zero Attempt if none ran
func (r *Report) Last() Attempt {
	if r == nil || len(r.Attempts) == 0 {
		return Attempt{}
	}
	return r.Attempts[len(r.Attempts)-1]
}

// Fitter runs the shrink loop over a Codec
type Fitter struct {
	codec  Codec
	logger *slog.Logger
}

// New creates a fitter. A nil codec selects a default-quality JPEGCodec.
func New(codec Codec, logger *slog.Logger) *Fitter {
	if codec == nil {
		codec = NewJPEGCodec(DefaultJPEGQuality)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fitter{
		codec:  codec,
		logger: logger.With("component", "fitter"),
	}
}

// Dimensions returns the target size for a scale, truncating toward zero.
// Results below one pixel are clamped to one.
func Dimensions(width, height int, scale float64) (int, int) {
	w := int(float64(width) * scale)
	h := int(float64(height) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// Fit encodes frame so that its size is at or below maxBytes, best effort.
// The returned report is populated even when an error is returned.
func (f *Fitter) Fit(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *Report, error) {
	report := &Report{}
	if frame == nil {
		return nil, report, errors.New("nil frame")
	}
	if err := frame.Validate(); err != nil {
		return nil, report, err
	}
	if maxBytes <= 0 {
		return nil, report, fmt.Errorf("invalid byte budget %d", maxBytes)
	}

	src := frame.Image()
	scale := 1.0
	var data []byte

	for i := 0; i < MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		width, height := Dimensions(frame.Width, frame.Height, scale)
		encoded, err := f.codec.Encode(src, width, height)
		if err != nil {
			return nil, report, fmt.Errorf("encode at scale %.4f (%dx%d): %w", scale, width, height, err)
		}
		data = encoded

		report.Attempts = append(report.Attempts, Attempt{
			Scale:  scale,
			Width:  width,
			Height: height,
			Bytes:  len(data),
		})

		f.logger.Debug("encode attempt",
			"attempt", i+1,
			"scale", scale,
			"width", width,
			"height", height,
			"bytes", len(data),
			"max_bytes", maxBytes,
		)

		if int64(len(data)) <= maxBytes {
			report.WithinBudget = true
			break
		}
		scale *= ShrinkFactor
	}

	if len(data) == 0 {
		return nil, report, ErrEmptyResult
	}

	last := report.Last()
	if !report.WithinBudget {
		f.logger.Warn("image still over budget after max attempts",
			"attempts", len(report.Attempts),
			"bytes", last.Bytes,
			"max_bytes", maxBytes,
		)
	}

	return &pipeline.EncodedBlob{
		Data:        data,
		ContentType: f.codec.ContentType(),
		Width:       last.Width,
		Height:      last.Height,
	}, report, nil
}
