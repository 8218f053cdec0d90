// Package metrics exposes Prometheus collectors for the snapshot pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

const namespace = "snapshot"

// Metrics holds the pipeline collectors
type Metrics struct {
	ticks       prometheus.Counter
	cycles      *prometheus.CounterVec
	duration    prometheus.Histogram
	fitAttempts prometheus.Histogram
	uploadBytes prometheus.Histogram
	inProgress  prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks fired.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Capture cycles by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of capture cycles that ran.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		fitAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fit_attempts",
			Help:      "Encode attempts needed to fit the byte budget.",
			Buckets:   prometheus.LinearBuckets(1, 1, 20),
		}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of uploaded snapshots.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 12),
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_in_progress",
			Help:      "1 while a capture cycle holds the gate.",
		}),
	}

	for _, c := range []prometheus.Collector{m.ticks, m.cycles, m.duration, m.fitAttempts, m.uploadBytes, m.inProgress} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	for _, o := range pipeline.Outcomes {
		m.cycles.WithLabelValues(string(o))
	}

	return m, nil
}

// Tick counts one scheduler activation
func (m *Metrics) Tick() {
	m.ticks.Inc()
}

// CycleStarted marks the gate as held
func (m *Metrics) CycleStarted() {
	m.inProgress.Set(1)
}

// CycleFinished records a finished or skipped cycle
func (m *Metrics) CycleFinished(r pipeline.CycleReport) {
	m.cycles.WithLabelValues(string(r.Outcome)).Inc()
	if r.Outcome == pipeline.OutcomeSkipped {
		return
	}

	m.inProgress.Set(0)
	m.duration.Observe(r.Duration().Seconds())
	if r.Attempts > 0 {
		m.fitAttempts.Observe(float64(r.Attempts))
	}
	if r.Outcome == pipeline.OutcomeUploaded {
		m.uploadBytes.Observe(float64(r.Bytes))
	}
}
