package cadence

// Camera is the snapshot of camera parameters that invalidates accumulated
// frames when it changes. It is comparable with ==.
type Camera struct {
	View [16]float32
	FOV  float32
}

// FrameState tracks progressive accumulation.
//
// Index is -1 after a reset, so the next Update lands on frame 0. Between
// resets Index never decreases and never passes MaxFrames.
type FrameState struct {
	Index     int
	MaxFrames int
	Camera    Camera

	observed bool
}

// NewFrameState returns a reset frame state that stops advancing at maxFrames.
func NewFrameState(maxFrames int) *FrameState {
	if maxFrames < 0 {
		maxFrames = 0
	}
	return &FrameState{Index: -1, MaxFrames: maxFrames}
}

// Reset restarts accumulation. Calling it repeatedly has no further effect.
func (s *FrameState) Reset() {
	s.Index = -1
}

// Update advances to the next frame. When cameraChanged is set the state is
// reset first, so the call always lands on frame 0.
//
// Update returns false, leaving Index unchanged, once MaxFrames has been
// reached: the caller should stop accumulating.
func (s *FrameState) Update(cameraChanged bool) bool {
	if cameraChanged {
		s.Reset()
	}
	if s.Index >= s.MaxFrames {
		return false
	}
	s.Index++
	return true
}

// Observe records cam as the current camera and reports whether it differs
// from the previous observation. The first observation counts as a change.
func (s *FrameState) Observe(cam Camera) bool {
	if s.observed && cam == s.Camera {
		return false
	}
	s.Camera = cam
	s.observed = true
	return true
}

// Accumulating reports whether further Update calls will advance the frame.
func (s *FrameState) Accumulating() bool {
	return s.Index < s.MaxFrames
}

// NeedsDenoise applies [NeedsDenoise] to the current frame.
func (s *FrameState) NeedsDenoise(cfg Config) bool {
	return NeedsDenoise(s.Index, s.MaxFrames, cfg)
}

// ShouldDisplayDenoised applies [ShouldDisplayDenoised] to the current frame.
func (s *FrameState) ShouldDisplayDenoised(cfg Config) bool {
	return ShouldDisplayDenoised(s.Index, s.MaxFrames, cfg)
}
