// Package metrics exports pipeline counters to Prometheus.
//
// Collectors are registered on the Registerer passed to New, never on the
// global default registry, so several engines can live in one process. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rtdenoise"

// Metrics holds the pipeline collectors.
type Metrics struct {
	frames          *prometheus.CounterVec
	denoised        prometheus.Counter
	timeline        prometheus.Gauge
	denoiseDuration prometheus.Histogram
	deferredResizes prometheus.Counter
	frameErrors     prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames submitted, by submission plan",
		}, []string{"plan"}),
		denoised: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denoised_frames_total",
			Help:      "Frames presented with denoised output",
		}),
		timeline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timeline_value",
			Help:      "Last value signaled on the render/denoise timeline",
		}),
		denoiseDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "denoise_duration_seconds",
			Help:      "Time the denoise device spent on one invocation",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		deferredResizes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_resizes_total",
			Help:      "Resizes postponed until the in-flight denoise finished",
		}),
		frameErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Frames that completed with a device error",
		}),
	}
}

// Frame counts a submitted frame under its plan kind.
func (m *Metrics) Frame(plan string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(plan).Inc()
}

// Presented records a completed frame.
func (m *Metrics) Presented(denoised bool, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.frameErrors.Inc()
	}
	if denoised {
		m.denoised.Inc()
	}
}

// Timeline records the latest signaled timeline value.
func (m *Metrics) Timeline(v uint64) {
	if m == nil {
		return
	}
	m.timeline.Set(float64(v))
}

// Denoise records one denoise invocation.
func (m *Metrics) Denoise(d time.Duration) {
	if m == nil {
		return
	}
	m.denoiseDuration.Observe(d.Seconds())
}

// DeferredResize counts a resize that had to wait for the denoiser.
func (m *Metrics) DeferredResize() {
	if m == nil {
		return
	}
	m.deferredResizes.Inc()
}
