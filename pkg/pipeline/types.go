package pipeline

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// CaptureConfig holds the settings the capture cycle runs with
type CaptureConfig struct {
	SourceURI           string `json:"source_uri"`
	TickIntervalSeconds int    `json:"tick_interval_seconds"`
	MaxUploadBytes      int64  `json:"max_upload_bytes"`
}

// Validate checks that every field is populated
func (c CaptureConfig) Validate() error {
	var errs []error
	if c.SourceURI == "" {
		errs = append(errs, errors.New("source_uri is required"))
	}
	if c.TickIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval_seconds must be > 0, got %d", c.TickIntervalSeconds))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_bytes must be > 0, got %d", c.MaxUploadBytes))
	}
	return errors.Join(errs...)
}

// TickInterval returns the tick period as a duration
func (c CaptureConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// PixelFormat describes the layout of RawFrame.Pix
type PixelFormat int

const (
	// RGB24 is interleaved 8-bit R, G, B
	RGB24 PixelFormat = iota
	// RGBA32 is interleaved 8-bit R, G, B, A (non-premultiplied)
	RGBA32
)

// BytesPerPixel returns the pixel stride for the format
func (f PixelFormat) BytesPerPixel() int {
	if f == RGBA32 {
		return 4
	}
	return 3
}

func (f PixelFormat) String() string {
	switch f {
	case RGB24:
		return "rgb24"
	case RGBA32:
		return "rgba32"
	default:
		return "unknown"
	}
}

// RawFrame is one decoded frame taken from the video source
type RawFrame struct {
	Pix        []byte
	Width      int
	Height     int
	Format     PixelFormat
	CapturedAt time.Time
}

// Validate checks that the pixel buffer matches the declared geometry
func (f *RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	want := f.Width * f.Height * f.Format.BytesPerPixel()
	if len(f.Pix) < want {
		return fmt.Errorf("frame buffer too short: have %d bytes, need %d for %dx%d %s",
			len(f.Pix), want, f.Width, f.Height, f.Format)
	}
	return nil
}

// Image exposes the frame as an image.Image.
// RGBA32 frames share the underlying buffer; RGB24 frames are expanded into a new one.
func (f *RawFrame) Image() image.Image {
	rect := image.Rect(0, 0, f.Width, f.Height)
	if f.Format == RGBA32 {
		return &image.NRGBA{Pix: f.Pix, Stride: f.Width * 4, Rect: rect}
	}

	img := image.NewNRGBA(rect)
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		img.Pix[i*4+0] = f.Pix[i*3+0]
		img.Pix[i*4+1] = f.Pix[i*3+1]
		img.Pix[i*4+2] = f.Pix[i*3+2]
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// EncodedBlob is an encoded image ready for upload
type EncodedBlob struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Len returns the encoded size in bytes
func (b *EncodedBlob) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Outcome is the result class of one capture cycle
type Outcome string

// Outcome constants
const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeNoFrame      Outcome = "no_frame"
	OutcomeEncodeFailed Outcome = "encode_failed"
	OutcomeUploadFailed Outcome = "upload_failed"
	OutcomeUploaded     Outcome = "uploaded"
)

// Outcomes lists every outcome, in pipeline order
var Outcomes = []Outcome{
	OutcomeSkipped,
	OutcomeNoFrame,
	OutcomeEncodeFailed,
	OutcomeUploadFailed,
	OutcomeUploaded,
}

// CycleReport summarises one capture cycle
type CycleReport struct {
	RunID      string    `json:"run_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Attempts   int       `json:"fit_attempts,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Duration returns how long the cycle ran
func (r CycleReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is a point-in-time view of the orchestrator
type Status struct {
	InProgress bool         `json:"in_progress"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	NextRun    *time.Time   `json:"next_allowed_run,omitempty"`
	LastReport *CycleReport `json:"last_report,omitempty"`
}
