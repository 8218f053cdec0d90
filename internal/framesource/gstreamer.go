//go:build gstreamer

package framesource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// DecoderGStreamer is the registry name of the GStreamer decoder
const DecoderGStreamer = "gstreamer"

var gstInitOnce sync.Once

func init() {
	Register(DecoderGStreamer, func(opts Options) (Decoder, error) {
		return NewGStreamerDecoder(opts.Logger), nil
	})
}

// GStreamerDecoder decodes any URI uridecodebin understands into RGBA frames
// delivered through an appsink callback
type GStreamerDecoder struct {
	logger *slog.Logger
}

// NewGStreamerDecoder creates a GStreamer decoder
func NewGStreamerDecoder(logger *slog.Logger) *GStreamerDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	gstInitOnce.Do(func() { gst.Init(nil) })
	return &GStreamerDecoder{logger: logger.With("component", "gstreamer-decoder")}
}

// PipelineString returns the launch description for a source
func PipelineString(uri string) string {
	quoted := strings.ReplaceAll(uri, `"`, `\"`)
	return fmt.Sprintf(
		`uridecodebin uri="%s" ! videoconvert ! video/x-raw,format=RGBA ! `+
			`appsink name=sink sync=false max-buffers=1 drop=true`,
		quoted,
	)
}

// Stream implements Decoder
func (d *GStreamerDecoder) Stream(ctx context.Context, uri string, onFrame FrameHandler) error {
	pl, err := gst.NewPipelineFromString(PipelineString(uri))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer pl.SetState(gst.StateNull)

	elem, err := pl.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("failed to find appsink: %w", err)
	}
	sink := app.SinkFromElement(elem)

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			if ctx.Err() != nil {
				return gst.FlowEOS
			}
			frame, err := sampleToFrame(s)
			if err != nil {
				d.logger.Warn("skipping sample", "error", err)
				return gst.FlowOK
			}
			onFrame(frame)
			return gst.FlowOK
		},
	})

	if err := pl.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pl.GetPipelineBus()
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			d.logger.Debug("end of stream")
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())
		}
	}
}

// sampleToFrame copies the mapped buffer so GStreamer can reuse it
func sampleToFrame(s *app.Sink) (*pipeline.RawFrame, error) {
	sample := s.PullSample()
	if sample == nil {
		return nil, errors.New("failed to pull sample")
	}

	width, height, err := capsSize(sample.GetCaps())
	if err != nil {
		return nil, err
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errors.New("sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	want := width * height * 4
	if len(data) < want {
		return nil, fmt.Errorf("buffer too short: %d bytes for %dx%d", len(data), width, height)
	}

	pix := make([]byte, want)
	copy(pix, data)

	return &pipeline.RawFrame{
		Pix:        pix,
		Width:      width,
		Height:     height,
		Format:     pipeline.RGBA32,
		CapturedAt: time.Now(),
	}, nil
}

func capsSize(caps *gst.Caps) (int, int, error) {
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, errors.New("sample without caps")
	}
	structure := caps.GetStructureAt(0)

	w, err := structure.GetValue("width")
	if err != nil {
		return 0, 0, fmt.Errorf("caps width: %w", err)
	}
	h, err := structure.GetValue("height")
	if err != nil {
		return 0, 0, fmt.Errorf("caps height: %w", err)
	}

	width, okW := w.(int)
	height, okH := h.(int)
	if !okW || !okH || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid caps size %v x %v", w, h)
	}
	return width, height, nil
}
