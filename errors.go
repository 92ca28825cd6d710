package rtdenoise

import "errors"

var (
	// ErrClosed is returned by Engine methods after Close.
	ErrClosed = errors.New("rtdenoise: engine closed")

	// ErrConverged is returned by RenderFrame once the frame counter has
	// reached the maximum. Nothing was submitted; the last display image
	// stays valid until the camera moves or the engine is resized.
	ErrConverged = errors.New("rtdenoise: accumulation complete")
)
