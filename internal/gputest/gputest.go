// Package gputest provides HAL fixtures for tests that need a device but
// not a real GPU.
package gputest

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// NoopDevice creates a noop device and queue. Both are released when the
// test finishes.
//
// The noop backend completes every submission synchronously, stores buffer
// contents in memory, and ignores texture contents.
func NoopDevice(t testing.TB) (hal.Device, hal.Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		t.Fatal("noop backend exposed no adapters")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return openDev.Device, openDev.Queue
}

// ErrInjected is returned by FaultyDevice for failed creations.
var ErrInjected = errors.New("gputest: injected failure")

// FaultyDevice wraps a device and fails buffer or texture creation while
// the matching flag is set.
type FaultyDevice struct {
	hal.Device

	FailBuffers  atomic.Bool
	FailTextures atomic.Bool

	// Buffers still allowed while FailBuffers is set.
	buffersLeft atomic.Int64
}

// FailBuffersAfter lets n more buffer creations succeed and fails the rest
// until FailBuffers is cleared.
func (d *FaultyDevice) FailBuffersAfter(n int) {
	d.buffersLeft.Store(int64(n))
	d.FailBuffers.Store(true)
}

func (d *FaultyDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	if d.FailBuffers.Load() && d.buffersLeft.Add(-1) < 0 {
		return nil, ErrInjected
	}
	return d.Device.CreateBuffer(desc)
}

func (d *FaultyDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	if d.FailTextures.Load() {
		return nil, ErrInjected
	}
	return d.Device.CreateTexture(desc)
}
