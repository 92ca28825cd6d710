// Package denoiser is the session surface of the external denoise device.
//
// A backend opens a [Session] bound to the render device's timeline. The
// session owns the transfer buffers the render queue stages into, and
// [Session.Invoke] queues one denoise on the device: wait for the timeline
// to reach a value, denoise, signal the next value. Invoke never blocks the
// caller.
//
// Denoiser presence is a runtime capability. [Open] returns
// [ErrUnavailable] when no backend can serve the request; callers then run
// the pipeline without a denoise pass.
//
// Backends register themselves from an init function:
//
//	import _ "github.com/gogpu/rtdenoise/denoiser/cpu"
package denoiser

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rtdenoise/timeline"
	"github.com/gogpu/rtdenoise/transfer"
)

var (
	// ErrUnavailable means no denoise device is present on this machine.
	ErrUnavailable = errors.New("denoiser: unavailable")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("denoiser: session closed")
)

// Names accepted by Open besides registered backend names.
const (
	Auto = "auto"
	None = "none"
)

// GuideChannels selects the auxiliary buffers the denoiser consumes.
type GuideChannels struct {
	Albedo bool
	Normal bool
}

// Env is what a backend needs from the render side.
type Env struct {
	// Device allocates the transfer buffers.
	Device hal.Device

	// Timeline is shared with the render queue.
	Timeline *timeline.Signal

	// OnDenoise, if set, is called on the device goroutine after each
	// denoise with the values it waited on and signaled.
	OnDenoise func(wait, signal uint64, took time.Duration)
}

// Session is an open denoiser.
type Session interface {
	// ID identifies the session in logs.
	ID() string

	// Backend returns the name of the backend that opened the session.
	Backend() string

	// Guides returns the guide channels the session was opened with.
	Guides() GuideChannels

	// AllocateTransferBuffers (re)creates the transfer buffers. It must be
	// called on every resize, while no denoise is in flight.
	AllocateTransferBuffers(width, height uint32) error

	// Transfer returns the buffers shared with the render queue.
	Transfer() *transfer.Transfer

	// Invoke queues a denoise that starts once the timeline reaches wait,
	// mixes blend of the raw input back in, and signals signal when done.
	// It returns immediately.
	Invoke(wait, signal uint64, blend float32) error

	// Close stops the device and frees the transfer buffers. All device
	// work referencing the session must have completed.
	Close() error
}

// Backend opens sessions.
type Backend interface {
	Name() string
	Open(ctx context.Context, guides GuideChannels, env Env) (Session, error)
}

var registry = gpucontext.NewRegistry[Backend](
	gpucontext.WithPriority("optix", "oidn", "cpu"),
)

// Register makes a backend available under name.
func Register(name string, factory func() Backend) {
	registry.Register(name, factory)
}

// Unregister removes a backend.
func Unregister(name string) {
	registry.Unregister(name)
}

// Available lists registered backend names, sorted.
func Available() []string {
	names := registry.Available()
	slices.Sort(names)
	return names
}

// Open opens a session on the named backend. An empty name or [Auto]
// picks the highest-priority registered backend; [None] always reports
// ErrUnavailable.
func Open(ctx context.Context, name string, guides GuideChannels, env Env) (Session, error) {
	if env.Device == nil || env.Timeline == nil {
		return nil, errors.New("denoiser: env requires a device and a timeline")
	}
	name = strings.ToLower(strings.TrimSpace(name))

	var b Backend
	switch name {
	case None:
		return nil, ErrUnavailable
	case "", Auto:
		b = registry.Best()
	default:
		if !registry.Has(name) {
			return nil, fmt.Errorf("%w: backend %q not registered", ErrUnavailable, name)
		}
		b = registry.Get(name)
	}
	if b == nil {
		return nil, ErrUnavailable
	}

	s, err := b.Open(ctx, guides, env)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.Name(), err)
	}
	slogger().Info("denoiser: session opened", "backend", b.Name(), "session", s.ID(),
		"albedo", guides.Albedo, "normal", guides.Normal)
	return s, nil
}
