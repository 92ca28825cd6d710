package rtdenoise

import (
	"testing"

	"github.com/gogpu/rtdenoise/cadence"
	"github.com/gogpu/rtdenoise/denoiser"
	"github.com/gogpu/rtdenoise/tonemap"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.framesInFlight != DefaultFramesInFlight {
		t.Errorf("framesInFlight = %d, want %d", o.framesInFlight, DefaultFramesInFlight)
	}
	if o.maxFrames != DefaultMaxFrames {
		t.Errorf("maxFrames = %d, want %d", o.maxFrames, DefaultMaxFrames)
	}
	if o.cadence != cadence.DefaultConfig() {
		t.Errorf("cadence = %+v, want defaults", o.cadence)
	}
	if o.denoiser != denoiser.Auto || !o.guides.Albedo || !o.guides.Normal {
		t.Errorf("denoiser = %q %+v, want auto with both guides", o.denoiser, o.guides)
	}
}

func TestOptions(t *testing.T) {
	o := defaultOptions()
	for _, opt := range []Option{
		WithMaxFrames(50),
		WithFramesInFlight(2),
		WithSize(320, 200),
		WithDenoiser("cpu", denoiser.GuideChannels{Albedo: true}),
		WithTonemapParams(tonemap.Params{Exposure: 2, Curve: tonemap.Linear, Gamma: 1}),
	} {
		opt(&o)
	}
	if o.maxFrames != 50 || o.framesInFlight != 2 || o.width != 320 || o.height != 200 {
		t.Errorf("options = %+v", o)
	}
	if o.denoiser != "cpu" || o.guides.Normal {
		t.Errorf("denoiser = %q %+v", o.denoiser, o.guides)
	}
	if o.tonemapParams.Curve != tonemap.Linear {
		t.Errorf("tonemap curve = %s", o.tonemapParams.Curve)
	}
}

func TestOptions_IgnoreInvalid(t *testing.T) {
	o := defaultOptions()
	WithMaxFrames(0)(&o)
	WithFramesInFlight(-1)(&o)
	if o.maxFrames != DefaultMaxFrames || o.framesInFlight != DefaultFramesInFlight {
		t.Errorf("invalid values applied: maxFrames=%d framesInFlight=%d", o.maxFrames, o.framesInFlight)
	}
}
