package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tendant/simple-snapshot-pipeline/internal/fitter"
	"github.com/tendant/simple-snapshot-pipeline/internal/framesource"
	"github.com/tendant/simple-snapshot-pipeline/internal/uploader"
	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

type fakeSource struct {
	captureFunc func(ctx context.Context) (*pipeline.RawFrame, error)
	calls       atomic.Int32
}

func (f *fakeSource) Capture(ctx context.Context) (*pipeline.RawFrame, error) {
	f.calls.Add(1)
	return f.captureFunc(ctx)
}

type fakeEncoder struct {
	fitFunc func(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error)
	calls   atomic.Int32
}

func (f *fakeEncoder) Fit(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error) {
	f.calls.Add(1)
	return f.fitFunc(ctx, frame, maxBytes)
}

type fakeUploader struct {
	mu       sync.Mutex
	uploaded []*pipeline.EncodedBlob
	err      error
}

func (f *fakeUploader) Upload(ctx context.Context, blob *pipeline.EncodedBlob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, blob)
	return f.err
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploaded)
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  int
	finished []pipeline.Outcome
}

func (f *fakeRecorder) CycleStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeRecorder) CycleFinished(r pipeline.CycleReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, r.Outcome)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okFrame() *pipeline.RawFrame {
	return &pipeline.RawFrame{Pix: make([]byte, 4*4*3), Width: 4, Height: 4, Format: pipeline.RGB24}
}

func staticSource() *fakeSource {
	return &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		return okFrame(), nil
	}}
}

func okEncoder() *fakeEncoder {
	return &fakeEncoder{fitFunc: func(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error) {
		return &pipeline.EncodedBlob{Data: []byte("jpeg"), ContentType: "image/jpeg", Width: frame.Width, Height: frame.Height},
			&fitter.Report{Attempts: []fitter.Attempt{{Scale: 1, Width: frame.Width, Height: frame.Height, Bytes: 4}}, WithinBudget: true},
			nil
	}}
}

func newTestOrchestrator(t *testing.T, src FrameSource, enc Encoder, up uploader.Uploader, rec Recorder) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Capture: pipeline.CaptureConfig{
			SourceURI:           "rtsp://camera.local/stream",
			TickIntervalSeconds: 10,
			MaxUploadBytes:      1024,
		},
		Source:   src,
		Encoder:  enc,
		Uploader: up,
		Recorder: rec,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Capture: pipeline.CaptureConfig{}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRunCycleUploads(t *testing.T) {
	up := &fakeUploader{}
	rec := &fakeRecorder{}
	enc := okEncoder()
	o := newTestOrchestrator(t, staticSource(), enc, up, rec)

	report := o.RunCycle(context.Background())

	if report.Outcome != pipeline.OutcomeUploaded {
		t.Fatalf("outcome = %s (%s)", report.Outcome, report.Error)
	}
	if report.RunID == "" {
		t.Error("run ID not set")
	}
	if report.Attempts != 1 || report.Bytes != 4 || report.Width != 4 || report.Height != 4 {
		t.Errorf("report = %+v", report)
	}
	if report.FinishedAt.Before(report.StartedAt) {
		t.Error("finished before started")
	}
	if up.count() != 1 {
		t.Errorf("uploads = %d, want 1", up.count())
	}
	if rec.started != 1 || len(rec.finished) != 1 || rec.finished[0] != pipeline.OutcomeUploaded {
		t.Errorf("recorder started=%d finished=%v", rec.started, rec.finished)
	}
	if o.InProgress() {
		t.Error("gate still held after cycle")
	}
}

func TestRunCyclePassesBudget(t *testing.T) {
	var gotBudget int64
	enc := okEncoder()
	inner := enc.fitFunc
	enc.fitFunc = func(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error) {
		gotBudget = maxBytes
		return inner(ctx, frame, maxBytes)
	}
	o := newTestOrchestrator(t, staticSource(), enc, &fakeUploader{}, nil)
	o.RunCycle(context.Background())

	if gotBudget != 1024 {
		t.Errorf("budget = %d, want 1024", gotBudget)
	}
}

func TestRunCycleNoFrameSkipsUpload(t *testing.T) {
	src := &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		return nil, framesource.ErrNoFrame
	}}
	enc := okEncoder()
	up := &fakeUploader{}
	o := newTestOrchestrator(t, src, enc, up, nil)

	report := o.RunCycle(context.Background())

	if report.Outcome != pipeline.OutcomeNoFrame {
		t.Errorf("outcome = %s", report.Outcome)
	}
	if report.Error == "" {
		t.Error("error not reported")
	}
	if enc.calls.Load() != 0 {
		t.Error("encoder invoked without a frame")
	}
	if up.count() != 0 {
		t.Error("upload attempted without a frame")
	}
	status := o.Status()
	if status.LastRun == nil || !status.LastRun.Equal(report.FinishedAt) {
		t.Errorf("last run = %v, want cycle end %v", status.LastRun, report.FinishedAt)
	}
	if status.NextRun == nil || status.NextRun.Sub(*status.LastRun) != 10*time.Second {
		t.Errorf("next run = %v, want last run + 10s", status.NextRun)
	}
}

func TestRunCycleNilFrameIsNoFrame(t *testing.T) {
	src := &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		return nil, nil
	}}
	o := newTestOrchestrator(t, src, okEncoder(), &fakeUploader{}, nil)

	if report := o.RunCycle(context.Background()); report.Outcome != pipeline.OutcomeNoFrame {
		t.Errorf("outcome = %s", report.Outcome)
	}
}

func TestRunCycleEmptyResultSkipsUpload(t *testing.T) {
	tests := []struct {
		name string
		fit  func(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error)
	}{
		{
			name: "ErrEmptyResult",
			fit: func(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error) {
				return nil, &fitter.Report{Attempts: make([]fitter.Attempt, 1)}, fitter.ErrEmptyResult
			},
		},
		{
			name: "zero-length blob",
			fit: func(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error) {
				return &pipeline.EncodedBlob{}, &fitter.Report{}, nil
			},
		},
		{
			name: "encode error",
			fit: func(ctx context.Context, frame *pipeline.RawFrame, maxBytes int64) (*pipeline.EncodedBlob, *fitter.Report, error) {
				return nil, nil, errors.New("codec exploded")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUploader{}
			o := newTestOrchestrator(t, staticSource(), &fakeEncoder{fitFunc: tt.fit}, up, nil)

			report := o.RunCycle(context.Background())
			if report.Outcome != pipeline.OutcomeEncodeFailed {
				t.Errorf("outcome = %s", report.Outcome)
			}
			if up.count() != 0 {
				t.Error("upload attempted after encode failure")
			}
		})
	}
}

func TestRunCycleUploadFailure(t *testing.T) {
	up := &fakeUploader{err: errors.New("503")}
	o := newTestOrchestrator(t, staticSource(), okEncoder(), up, nil)

	report := o.RunCycle(context.Background())
	if report.Outcome != pipeline.OutcomeUploadFailed {
		t.Errorf("outcome = %s", report.Outcome)
	}
	if up.count() != 1 {
		t.Errorf("uploads = %d, want exactly 1 attempt", up.count())
	}

	status := o.Status()
	if status.LastRun == nil || status.NextRun == nil {
		t.Fatal("last run not recorded after failed upload")
	}
	if got := status.NextRun.Sub(*status.LastRun); got != 10*time.Second {
		t.Errorf("next run offset = %v, want 10s", got)
	}

	// the next cycle still runs
	up.err = nil
	if report := o.RunCycle(context.Background()); report.Outcome != pipeline.OutcomeUploaded {
		t.Errorf("second outcome = %s", report.Outcome)
	}
}

func TestRunCycleRecoversStagePanic(t *testing.T) {
	src := &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		panic("decoder crashed")
	}}
	o := newTestOrchestrator(t, src, okEncoder(), &fakeUploader{}, nil)

	report := o.RunCycle(context.Background())
	if report.Outcome != pipeline.OutcomeNoFrame {
		t.Errorf("outcome = %s", report.Outcome)
	}
	if o.InProgress() {
		t.Fatal("gate not released after panic")
	}

	o = newTestOrchestrator(t, staticSource(), okEncoder(), uploader.Func(func(ctx context.Context, blob *pipeline.EncodedBlob) error {
		panic("transport crashed")
	}), nil)
	if report := o.RunCycle(context.Background()); report.Outcome != pipeline.OutcomeUploadFailed {
		t.Errorf("outcome = %s", report.Outcome)
	}
	if o.InProgress() {
		t.Error("gate not released after upload panic")
	}
}

func TestRunCycleDropsOverlappingTick(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		close(entered)
		<-release
		return okFrame(), nil
	}}
	up := &fakeUploader{}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, src, okEncoder(), up, rec)

	first := make(chan pipeline.CycleReport, 1)
	go func() { first <- o.RunCycle(context.Background()) }()
	<-entered

	if !o.Status().InProgress {
		t.Error("status does not report the running cycle")
	}

	second := o.RunCycle(context.Background())
	if second.Outcome != pipeline.OutcomeSkipped {
		t.Fatalf("overlapping outcome = %s, want skipped", second.Outcome)
	}
	if _, err := o.Trigger(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("Trigger err = %v, want ErrCycleInProgress", err)
	}

	close(release)
	if r := <-first; r.Outcome != pipeline.OutcomeUploaded {
		t.Errorf("first outcome = %s", r.Outcome)
	}

	if src.calls.Load() != 1 {
		t.Errorf("source calls = %d, want 1", src.calls.Load())
	}
	if up.count() != 1 {
		t.Errorf("uploads = %d, want 1", up.count())
	}
	if rec.started != 1 || len(rec.finished) != 3 {
		t.Errorf("recorder started=%d finished=%v", rec.started, rec.finished)
	}
}

func TestRunCycleSlowFrameDoubleTick(t *testing.T) {
	src := &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		time.Sleep(time.Second)
		return okFrame(), nil
	}}
	up := &fakeUploader{}
	o := newTestOrchestrator(t, src, okEncoder(), up, nil)

	var wg sync.WaitGroup
	reports := make([]pipeline.CycleReport, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 500 * time.Millisecond)
			reports[i] = o.RunCycle(context.Background())
		}(i)
	}
	wg.Wait()

	if reports[0].Outcome != pipeline.OutcomeUploaded {
		t.Errorf("first tick outcome = %s", reports[0].Outcome)
	}
	if reports[1].Outcome != pipeline.OutcomeSkipped {
		t.Errorf("second tick outcome = %s", reports[1].Outcome)
	}
	if up.count() != 1 {
		t.Errorf("uploads = %d, want 1", up.count())
	}
}

func TestRunCycleConcurrentTriggers(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		<-release
		return okFrame(), nil
	}}
	up := &fakeUploader{}
	o := newTestOrchestrator(t, src, okEncoder(), up, nil)

	const n = 16
	var (
		wg      sync.WaitGroup
		skipped atomic.Int32
		ran     atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if o.RunCycle(context.Background()).Outcome == pipeline.OutcomeSkipped {
				if skipped.Add(1) == n-1 {
					close(release)
				}
				return
			}
			ran.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	if ran.Load() != 1 || skipped.Load() != n-1 {
		t.Errorf("ran=%d skipped=%d, want 1 and %d", ran.Load(), skipped.Load(), n-1)
	}
	if up.count() != 1 {
		t.Errorf("uploads = %d, want 1", up.count())
	}
}

func TestStatusLastReport(t *testing.T) {
	o := newTestOrchestrator(t, staticSource(), okEncoder(), &fakeUploader{}, nil)

	if s := o.Status(); s.InProgress || s.LastReport != nil || s.LastRun != nil {
		t.Errorf("initial status = %+v", s)
	}

	report := o.RunCycle(context.Background())
	s := o.Status()
	if s.LastReport == nil || s.LastReport.RunID != report.RunID {
		t.Errorf("last report = %+v, want run %s", s.LastReport, report.RunID)
	}
}

func TestRunCycleCancelledContext(t *testing.T) {
	src := &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	up := &fakeUploader{}
	o := newTestOrchestrator(t, src, okEncoder(), up, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if report := o.RunCycle(ctx); report.Outcome != pipeline.OutcomeNoFrame {
		t.Errorf("outcome = %s", report.Outcome)
	}
	if up.count() != 0 {
		t.Error("upload attempted")
	}
}

func TestSkippedCycleKeepsLastRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	src := &fakeSource{captureFunc: func(ctx context.Context) (*pipeline.RawFrame, error) {
		close(entered)
		<-release
		return nil, framesource.ErrNoFrame
	}}
	o := newTestOrchestrator(t, src, okEncoder(), &fakeUploader{}, nil)

	done := make(chan pipeline.CycleReport)
	go func() { done <- o.RunCycle(context.Background()) }()
	<-entered

	if report := o.RunCycle(context.Background()); report.Outcome != pipeline.OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", report.Outcome)
	}
	if o.Status().LastRun != nil {
		t.Error("skipped tick recorded a last run")
	}

	close(release)
	first := <-done
	if last := o.Status().LastRun; last == nil || !last.Equal(first.FinishedAt) {
		t.Errorf("last run = %v, want %v", last, first.FinishedAt)
	}
}
