package rtdenoise

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/rtdenoise/cadence"
	"github.com/gogpu/rtdenoise/denoiser"
	"github.com/gogpu/rtdenoise/framegraph"
	"github.com/gogpu/rtdenoise/tonemap"
)

// DefaultFramesInFlight is the number of frames that may be pending on the
// device before RenderFrame blocks.
const DefaultFramesInFlight = 3

// DefaultMaxFrames is the accumulation limit when none is configured.
const DefaultMaxFrames = 200000

// Option configures an Engine during creation.
//
// Example:
//
//	eng, err := rtdenoise.New(device, queue,
//	    rtdenoise.WithSize(1280, 720),
//	    rtdenoise.WithCadence(cadence.Config{Enabled: true, EveryNFrames: 16}),
//	    rtdenoise.WithTracer(myTracer),
//	)
type Option func(*options)

type options struct {
	cadence        cadence.Config
	maxFrames      int
	framesInFlight int
	width, height  uint32

	denoiser string
	guides   denoiser.GuideChannels

	tracer        framegraph.Tracer
	tonemapper    framegraph.Tonemapper
	tonemapParams tonemap.Params
	presenter     framegraph.Presenter

	registerer prometheus.Registerer
	logger     *slog.Logger
}

func defaultOptions() options {
	return options{
		cadence:        cadence.DefaultConfig(),
		maxFrames:      DefaultMaxFrames,
		framesInFlight: DefaultFramesInFlight,
		denoiser:       denoiser.Auto,
		guides:         denoiser.GuideChannels{Albedo: true, Normal: true},
		tonemapParams:  tonemap.DefaultParams(),
	}
}

// WithCadence sets the initial denoise cadence. It is normalized.
func WithCadence(cfg cadence.Config) Option {
	return func(o *options) {
		o.cadence = cfg
	}
}

// WithMaxFrames sets the number of frames accumulated before rendering
// stops. The last frame is always denoised.
func WithMaxFrames(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrames = n
		}
	}
}

// WithDenoiser selects the denoiser backend by name and the guides it
// receives. Use [denoiser.Auto] for the best available backend and
// [denoiser.None] to render without denoising.
func WithDenoiser(name string, guides denoiser.GuideChannels) Option {
	return func(o *options) {
		o.denoiser = name
		o.guides = guides
	}
}

// WithTracer sets the ray tracer that fills the result and guide buffers.
// Without one the buffers are left untouched.
func WithTracer(t framegraph.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithTonemapper replaces the built-in tonemap pass. The engine does not
// own t.
func WithTonemapper(t framegraph.Tonemapper) Option {
	return func(o *options) {
		o.tonemapper = t
	}
}

// WithTonemapParams configures the built-in tonemap pass.
func WithTonemapParams(p tonemap.Params) Option {
	return func(o *options) {
		o.tonemapParams = p
	}
}

// WithPresenter receives every completed frame, in order, on the render
// queue goroutine.
func WithPresenter(p framegraph.Presenter) Option {
	return func(o *options) {
		o.presenter = p
	}
}

// WithFramesInFlight bounds the frames pending on the device.
func WithFramesInFlight(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.framesInFlight = n
		}
	}
}

// WithSize allocates the guide buffers at creation. Without it, call
// Resize before the first frame.
func WithSize(width, height uint32) Option {
	return func(o *options) {
		o.width, o.height = width, height
	}
}

// WithMetrics registers the engine's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithLogger sets the package logger, as SetLogger does.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
