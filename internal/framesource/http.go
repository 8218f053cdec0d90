package framesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// DecoderHTTP is the registry name of the HTTP snapshot decoder
const DecoderHTTP = "http"

func init() {
	Register(DecoderHTTP, func(opts Options) (Decoder, error) {
		return NewHTTPDecoder(opts.HTTPClient, opts.Logger), nil
	})
}

// HTTPDecoder reads frames from a camera's HTTP endpoint. A plain image
// response yields a single frame; a multipart/x-mixed-replace (MJPEG) response
// yields one frame per part until the session is cancelled.
type HTTPDecoder struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPDecoder creates an HTTP decoder
func NewHTTPDecoder(client *http.Client, logger *slog.Logger) *HTTPDecoder {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDecoder{
		httpClient: client,
		logger:     logger.With("component", "http-decoder"),
	}
}

// Stream implements Decoder
func (d *HTTPDecoder) Stream(ctx context.Context, uri string, onFrame FrameHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to fetch stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		return d.streamMultipart(ctx, resp.Body, params["boundary"], onFrame)
	}

	frame, err := decodeFrame(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	onFrame(frame)
	return nil
}

func (d *HTTPDecoder) streamMultipart(ctx context.Context, body io.Reader, boundary string, onFrame FrameHandler) error {
	if boundary == "" {
		return errors.New("multipart stream without boundary")
	}

	mr := multipart.NewReader(body, boundary)
	parts := 0
	for ctx.Err() == nil {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read multipart frame: %w", err)
		}

		frame, err := decodeFrame(part)
		part.Close()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		parts++
		d.logger.Debug("multipart frame decoded", "part", parts, "width", frame.Width, "height", frame.Height)
		onFrame(frame)
	}
	return nil
}

// decodeFrame decodes any format imaging understands into a private RGBA32 frame
func decodeFrame(r io.Reader) (*pipeline.RawFrame, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	return &pipeline.RawFrame{
		Pix:        nrgba.Pix,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     pipeline.RGBA32,
		CapturedAt: time.Now(),
	}, nil
}
