package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/rtdenoise/cadence"
	"github.com/gogpu/rtdenoise/tonemap"
)

func TestDefault_Valid(t *testing.T) {
	f := Default()
	require.NoError(t, f.Validate())
	assert.Equal(t, cadence.DefaultConfig(), f.CadenceConfig())
	assert.Equal(t, 3, f.Render.FramesInFlight)

	p, err := f.TonemapParams()
	require.NoError(t, err)
	assert.Equal(t, tonemap.DefaultParams(), p)
}

func TestParse_OverridesDefaults(t *testing.T) {
	f, err := Parse([]byte(`
render:
  width: 128
  curve: reinhard
cadence:
  every_n_frames: 10
  denoise_first_frame: true
  blend_factor: 0.25
denoiser:
  backend: cpu
logging:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, uint32(128), f.Render.Width)
	assert.Equal(t, uint32(360), f.Render.Height, "unset keys keep their default")
	assert.Equal(t, cadence.Config{
		Enabled:           true,
		DenoiseFirstFrame: true,
		EveryNFrames:      10,
		BlendFactor:       0.25,
	}, f.CadenceConfig())
	assert.Equal(t, "cpu", f.Denoiser.Backend)
	assert.True(t, f.Denoiser.Albedo)

	p, err := f.TonemapParams()
	require.NoError(t, err)
	assert.Equal(t, tonemap.Reinhard, p.Curve)

	l, err := ParseLevel(f.Logging.Level)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), f)
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("cadence:\n  every_n: 5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every_n")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*File)
		want   string
	}{
		{"backend", func(f *File) { f.Render.Backend = "glide" }, "unknown backend"},
		{"size", func(f *File) { f.Render.Width = 0 }, "size 0x360"},
		{"max frames", func(f *File) { f.Render.MaxFrames = 0 }, "max_frames"},
		{"frames in flight", func(f *File) { f.Render.FramesInFlight = 0 }, "frames_in_flight"},
		{"samples", func(f *File) { f.Render.SamplesPerFrame = -1 }, "samples_per_frame"},
		{"curve", func(f *File) { f.Render.Curve = "sepia" }, "unknown curve"},
		{"cadence low", func(f *File) { f.Cadence.EveryNFrames = 0 }, "every_n_frames 0"},
		{"cadence high", func(f *File) { f.Cadence.EveryNFrames = 501 }, "every_n_frames 501"},
		{"blend", func(f *File) { f.Cadence.BlendFactor = 1.5 }, "blend_factor"},
		{"level", func(f *File) { f.Logging.Level = "loud" }, "logging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Default()
			tt.mutate(&f)
			err := f.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsAll(t *testing.T) {
	f := Default()
	f.Render.Width = 0
	f.Cadence.BlendFactor = -1
	err := f.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size")
	assert.Contains(t, err.Error(), "blend_factor")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtdenoise.yaml")
	require.NoError(t, os.WriteFile(path, []byte("metrics:\n  addr: \":9090\"\n"), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", f.Metrics.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshal_RoundTrip(t *testing.T) {
	want := Default()
	want.Cadence.EveryNFrames = 7
	data, err := want.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "every_n_frames: 7")

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
