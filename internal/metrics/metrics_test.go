package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Frame("single")
	m.Frame("single")
	m.Frame("chained")
	m.Presented(true, nil)
	m.Presented(false, errors.New("lost"))
	m.Timeline(42)
	m.Denoise(20 * time.Millisecond)
	m.DeferredResize()

	if got := testutil.ToFloat64(m.frames.WithLabelValues("single")); got != 2 {
		t.Errorf("single frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.frames.WithLabelValues("chained")); got != 1 {
		t.Errorf("chained frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.denoised); got != 1 {
		t.Errorf("denoised = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.frameErrors); got != 1 {
		t.Errorf("frame errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.timeline); got != 42 {
		t.Errorf("timeline = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.deferredResizes); got != 1 {
		t.Errorf("deferred resizes = %v, want 1", got)
	}

	want := `
# HELP rtdenoise_denoise_duration_seconds Time the denoise device spent on one invocation
# TYPE rtdenoise_denoise_duration_seconds histogram
rtdenoise_denoise_duration_seconds_bucket{le="0.001"} 0
rtdenoise_denoise_duration_seconds_bucket{le="0.005"} 0
rtdenoise_denoise_duration_seconds_bucket{le="0.01"} 0
rtdenoise_denoise_duration_seconds_bucket{le="0.025"} 1
rtdenoise_denoise_duration_seconds_bucket{le="0.05"} 1
rtdenoise_denoise_duration_seconds_bucket{le="0.1"} 1
rtdenoise_denoise_duration_seconds_bucket{le="0.25"} 1
rtdenoise_denoise_duration_seconds_bucket{le="0.5"} 1
rtdenoise_denoise_duration_seconds_bucket{le="1"} 1
rtdenoise_denoise_duration_seconds_bucket{le="+Inf"} 1
rtdenoise_denoise_duration_seconds_sum 0.02
rtdenoise_denoise_duration_seconds_count 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "rtdenoise_denoise_duration_seconds"); err != nil {
		t.Error(err)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two engines in one process must not collide.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	m.Frame("single")
	m.Presented(true, nil)
	m.Timeline(1)
	m.Denoise(time.Second)
	m.DeferredResize()
}
