// Package cadence decides which frames of a progressive render receive a
// denoise pass.
//
// The policy is a set of pure functions over an explicit [FrameState] and a
// [Config]. Nothing in this package blocks or allocates, and nothing here
// is safe for concurrent mutation: the frame state belongs to the single
// goroutine that records and submits frames.
//
// Two predicates are exposed and intentionally kept apart:
//
//   - [NeedsDenoise] triggers on exact multiples of the cadence and on the
//     final frame.
//   - [ShouldDisplayDenoised] stays true once any multiple has been reached,
//     so the last denoised image persists on screen between denoise frames.
package cadence

// Bounds for user-facing cadence settings.
const (
	MinEveryNFrames = 1
	MaxEveryNFrames = 500
)

// Config holds the user-facing denoise cadence settings.
// A Config is read once per frame; change it between frames only.
type Config struct {
	// Enabled turns the denoise pass on.
	Enabled bool

	// DenoiseFirstFrame requests a denoise of frame 0. Without it the
	// first frame is always shown raw.
	DenoiseFirstFrame bool

	// EveryNFrames is the denoise interval, in [MinEveryNFrames, MaxEveryNFrames].
	EveryNFrames int

	// BlendFactor mixes the raw result back into the denoised output:
	// 0 shows the fully denoised image, 1 the raw image.
	BlendFactor float32
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DenoiseFirstFrame: false,
		EveryNFrames:      100,
		BlendFactor:       0,
	}
}

// Normalize returns c with EveryNFrames and BlendFactor clamped into range.
func (c Config) Normalize() Config {
	if c.EveryNFrames < MinEveryNFrames {
		c.EveryNFrames = MinEveryNFrames
	}
	if c.EveryNFrames > MaxEveryNFrames {
		c.EveryNFrames = MaxEveryNFrames
	}
	// NaN fails both comparisons; treat it as "fully denoised".
	if !(c.BlendFactor >= 0) {
		c.BlendFactor = 0
	}
	if c.BlendFactor > 1 {
		c.BlendFactor = 1
	}
	return c
}

// Disabled returns c with denoising switched off. Used when no denoiser
// session could be opened on this machine.
func (c Config) Disabled() Config {
	c.Enabled = false
	return c
}

// interval guards the modulo against an unnormalized zero or negative value.
func (c Config) interval() int {
	if c.EveryNFrames < MinEveryNFrames {
		return MinEveryNFrames
	}
	return c.EveryNFrames
}

// NeedsDenoise reports whether frame must be denoised.
//
// Rules are evaluated in order:
//  1. disabled: never
//  2. the final frame (frame == maxFrames): always
//  3. frame 0 without DenoiseFirstFrame: never
//  4. frame a multiple of EveryNFrames: always
//  5. otherwise: never
func NeedsDenoise(frame, maxFrames int, cfg Config) bool {
	if !cfg.Enabled {
		return false
	}
	if frame == maxFrames {
		return true
	}
	if !cfg.DenoiseFirstFrame && frame == 0 {
		return false
	}
	return frame%cfg.interval() == 0
}

// ShouldDisplayDenoised reports whether the denoised buffer holds valid
// data for frame and should be preferred over the raw result.
//
// At frame 0 without DenoiseFirstFrame the denoised buffer has never been
// written, so the raw result is shown.
func ShouldDisplayDenoised(frame, maxFrames int, cfg Config) bool {
	if !cfg.Enabled {
		return false
	}
	return frame >= cfg.interval() || cfg.DenoiseFirstFrame || frame >= maxFrames
}

// DenoisedFrame returns the index of the frame whose denoised output is
// currently on screen, or -1 when the raw result is shown.
func DenoisedFrame(frame, maxFrames int, cfg Config) int {
	if !ShouldDisplayDenoised(frame, maxFrames, cfg) || frame < 0 {
		return -1
	}
	if frame >= maxFrames {
		return maxFrames
	}
	n := cfg.interval()
	return frame - frame%n
}
