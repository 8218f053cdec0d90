package framesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// DecoderFFmpeg is the registry name of the ffmpeg decoder
const DecoderFFmpeg = "ffmpeg"

func init() {
	Register(DecoderFFmpeg, func(opts Options) (Decoder, error) {
		return NewFFmpegDecoder(opts.FFmpegPath, opts.Logger), nil
	})
}

// FFmpegDecoder decodes a stream with an ffmpeg child process that writes
// raw PPM frames to stdout
type FFmpegDecoder struct {
	path   string
	logger *slog.Logger
}

// NewFFmpegDecoder creates an ffmpeg decoder. An empty path resolves "ffmpeg" from PATH.
func NewFFmpegDecoder(path string, logger *slog.Logger) *FFmpegDecoder {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegDecoder{
		path:   path,
		logger: logger.With("component", "ffmpeg-decoder"),
	}
}

// Args returns the ffmpeg command line for a source
func (d *FFmpegDecoder) Args(uri string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp")
	}

	return append(args,
		"-i", uri,
		"-an",
		"-f", "image2pipe",
		"-c:v", "ppm",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
}

// Stream implements Decoder
func (d *FFmpegDecoder) Stream(ctx context.Context, uri string, onFrame FrameHandler) error {
	cmd := exec.CommandContext(ctx, d.path, d.Args(uri)...)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	d.logger.Debug("ffmpeg started", "pid", cmd.Process.Pid, "path", d.path)

	var frames atomic.Uint64
	reader := newPPMReader(stdout)
	var readErr error
	for ctx.Err() == nil {
		frame, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		frame.CapturedAt = time.Now()
		frames.Add(1)
		onFrame(frame)
	}

	waitErr := cmd.Wait()

	d.logger.Debug("ffmpeg stopped", "frames", frames.Load(), "cancelled", ctx.Err() != nil)

	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("failed to read frame: %w", readErr)
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg exited: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("ffmpeg exited: %w", waitErr)
	}
	return nil
}
