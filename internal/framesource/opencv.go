//go:build gocv

package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// DecoderOpenCV is the registry name of the OpenCV decoder
const DecoderOpenCV = "opencv"

// maxEmptyReads is how many consecutive empty reads end the stream
const maxEmptyReads = 50

func init() {
	Register(DecoderOpenCV, func(opts Options) (Decoder, error) {
		return NewOpenCVDecoder(opts.Logger), nil
	})
}

// OpenCVDecoder reads frames with OpenCV's VideoCapture. A numeric URI selects a local device.
type OpenCVDecoder struct {
	logger *slog.Logger
}

// NewOpenCVDecoder creates an OpenCV decoder
func NewOpenCVDecoder(logger *slog.Logger) *OpenCVDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenCVDecoder{logger: logger.With("component", "opencv-decoder")}
}

// Stream implements Decoder
func (d *OpenCVDecoder) Stream(ctx context.Context, uri string, onFrame FrameHandler) error {
	var device interface{} = uri
	if id, err := strconv.Atoi(uri); err == nil {
		device = id
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("failed to open video capture: %w", err)
	}
	defer capture.Close()

	mat := gocv.NewMat()
	defer mat.Close()

	rgb := gocv.NewMat()
	defer rgb.Close()

	empty := 0
	for ctx.Err() == nil {
		if ok := capture.Read(&mat); !ok || mat.Empty() {
			empty++
			if empty >= maxEmptyReads {
				d.logger.Debug("stream returned no frames", "reads", empty)
				return nil
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		empty = 0

		gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)
		data := rgb.ToBytes()

		pix := make([]byte, len(data))
		copy(pix, data)

		onFrame(&pipeline.RawFrame{
			Pix:        pix,
			Width:      rgb.Cols(),
			Height:     rgb.Rows(),
			Format:     pipeline.RGB24,
			CapturedAt: time.Now(),
		})
	}
	return nil
}
