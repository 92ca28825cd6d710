// Package config loads the YAML configuration of the rtdenoise command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/rtdenoise/cadence"
	"github.com/gogpu/rtdenoise/internal/gpu"
	"github.com/gogpu/rtdenoise/tonemap"
)

// File is the on-disk configuration.
type File struct {
	Render   Render   `yaml:"render"`
	Cadence  Cadence  `yaml:"cadence"`
	Denoiser Denoiser `yaml:"denoiser"`
	Logging  Logging  `yaml:"logging"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Render configures the device, target size and accumulation.
type Render struct {
	// Backend is a HAL backend name, see internal/gpu.Backends.
	Backend string `yaml:"backend"`

	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`

	// MaxFrames stops accumulation; the last frame is always denoised.
	MaxFrames      int `yaml:"max_frames"`
	FramesInFlight int `yaml:"frames_in_flight"`

	SamplesPerFrame int    `yaml:"samples_per_frame"`
	Seed            uint64 `yaml:"seed"`

	Exposure float32 `yaml:"exposure"`
	Curve    string  `yaml:"curve"`
	Gamma    float32 `yaml:"gamma"`
}

// Cadence mirrors cadence.Config.
type Cadence struct {
	Enabled           bool    `yaml:"enabled"`
	DenoiseFirstFrame bool    `yaml:"denoise_first_frame"`
	EveryNFrames      int     `yaml:"every_n_frames"`
	BlendFactor       float32 `yaml:"blend_factor"`
}

// Denoiser selects the denoise backend and the guides it receives.
type Denoiser struct {
	// Backend is "auto", "none" or a registered backend name.
	Backend string `yaml:"backend"`
	Albedo  bool   `yaml:"albedo"`
	Normal  bool   `yaml:"normal"`
}

// Logging configures the command's slog handler.
type Logging struct {
	Level string `yaml:"level"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() File {
	c := cadence.DefaultConfig()
	t := tonemap.DefaultParams()
	return File{
		Render: Render{
			Backend:         "vulkan",
			Width:           640,
			Height:          360,
			MaxFrames:       1000,
			FramesInFlight:  3,
			SamplesPerFrame: 1,
			Seed:            1,
			Exposure:        t.Exposure,
			Curve:           t.Curve.String(),
			Gamma:           t.Gamma,
		},
		Cadence: Cadence{
			Enabled:           c.Enabled,
			DenoiseFirstFrame: c.DenoiseFirstFrame,
			EveryNFrames:      c.EveryNFrames,
			BlendFactor:       c.BlendFactor,
		},
		Denoiser: Denoiser{Backend: "auto", Albedo: true, Normal: true},
		Logging:  Logging{Level: "info"},
	}
}

// Load reads path over Default and validates the result. Unknown keys are
// rejected.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("invalid config: %w", err)
	}
	return f, nil
}

// Validate reports every out-of-range setting.
func (f File) Validate() error {
	var errs []error
	if _, err := gpu.ParseBackend(f.Render.Backend); err != nil {
		errs = append(errs, err)
	}
	if f.Render.Width == 0 || f.Render.Height == 0 {
		errs = append(errs, fmt.Errorf("render: size %dx%d", f.Render.Width, f.Render.Height))
	}
	if f.Render.MaxFrames < 1 {
		errs = append(errs, fmt.Errorf("render: max_frames %d < 1", f.Render.MaxFrames))
	}
	if f.Render.FramesInFlight < 1 {
		errs = append(errs, fmt.Errorf("render: frames_in_flight %d < 1", f.Render.FramesInFlight))
	}
	if f.Render.SamplesPerFrame < 1 {
		errs = append(errs, fmt.Errorf("render: samples_per_frame %d < 1", f.Render.SamplesPerFrame))
	}
	if _, err := tonemap.ParseCurve(f.Render.Curve); err != nil {
		errs = append(errs, err)
	}
	if n := f.Cadence.EveryNFrames; n < cadence.MinEveryNFrames || n > cadence.MaxEveryNFrames {
		errs = append(errs, fmt.Errorf("cadence: every_n_frames %d outside [%d,%d]",
			n, cadence.MinEveryNFrames, cadence.MaxEveryNFrames))
	}
	if b := f.Cadence.BlendFactor; !(b >= 0 && b <= 1) {
		errs = append(errs, fmt.Errorf("cadence: blend_factor %v outside [0,1]", b))
	}
	if _, err := ParseLevel(f.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CadenceConfig returns the cadence section as a cadence.Config.
func (f File) CadenceConfig() cadence.Config {
	return cadence.Config{
		Enabled:           f.Cadence.Enabled,
		DenoiseFirstFrame: f.Cadence.DenoiseFirstFrame,
		EveryNFrames:      f.Cadence.EveryNFrames,
		BlendFactor:       f.Cadence.BlendFactor,
	}.Normalize()
}

// TonemapParams returns the tonemap settings of the render section.
func (f File) TonemapParams() (tonemap.Params, error) {
	curve, err := tonemap.ParseCurve(f.Render.Curve)
	if err != nil {
		return tonemap.Params{}, err
	}
	return tonemap.Params{Exposure: f.Render.Exposure, Curve: curve, Gamma: f.Render.Gamma}, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("logging: %w", err)
	}
	return l, nil
}

// Marshal renders f as YAML.
func (f File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
