// Package transfer moves guide buffers between the render device and the
// denoise device.
//
// Copies are recorded into the frame's own command encoder: [Transfer.Stage]
// copies result, albedo and normal into host-visible transfer buffers, and
// [Transfer.Retrieve] copies the denoised output back into its texture.
// Nothing here submits or waits; ordering against the denoise device is the
// orchestrator's job.
//
// Transfer buffers are mapped once at allocation. The mapping is the shared
// view the denoise device reads and writes for the life of the allocation.
package transfer

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rtdenoise/gbuffer"
)

// ErrNotAllocated is returned when buffers are used before Allocate.
var ErrNotAllocated = errors.New("transfer: buffers not allocated")

// Inputs are the guide buffers consumed by the denoiser.
type Inputs struct {
	Result gbuffer.Handle
	Albedo gbuffer.Handle
	Normal gbuffer.Handle
}

// InputNames lists the staged buffers in the order the denoiser expects.
var InputNames = [...]gbuffer.Name{gbuffer.Result, gbuffer.Albedo, gbuffer.Normal}

// Buffer is a host-visible region shadowing one guide buffer.
type Buffer struct {
	Name     gbuffer.Name
	Buffer   hal.Buffer
	Width    uint32
	Height   uint32
	RowPitch uint32

	// Coherent is false when host access needs explicit flushes.
	Coherent bool

	mapped []byte
}

// Bytes returns the mapped contents. Row y starts at y*RowPitch.
func (b *Buffer) Bytes() []byte { return b.mapped }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return uint64(len(b.mapped)) }

func (b *Buffer) layout() hal.ImageDataLayout {
	return hal.ImageDataLayout{Offset: 0, BytesPerRow: b.RowPitch, RowsPerImage: b.Height}
}

// Transfer owns the transfer buffers of one denoiser session.
type Transfer struct {
	device   hal.Device
	disabled bool

	inputs [len(InputNames)]*Buffer
	output *Buffer
}

// New returns a Transfer that allocates on device.
func New(device hal.Device) *Transfer {
	return &Transfer{device: device}
}

// Disabled returns a Transfer whose operations are all no-ops. It stands in
// when no denoiser session is available.
func Disabled() *Transfer {
	return &Transfer{disabled: true}
}

// Enabled reports whether copies are recorded at all.
func (t *Transfer) Enabled() bool { return t != nil && !t.disabled }

// Allocated reports whether buffers exist for the current size.
func (t *Transfer) Allocated() bool { return t.Enabled() && t.output != nil }

// Allocate (re)creates the transfer buffers for a width x height viewport.
// The previous buffers are freed only once every new buffer exists; on
// error they are left in place. No device work may reference them.
func (t *Transfer) Allocate(width, height uint32) error {
	if !t.Enabled() {
		return nil
	}
	if width == 0 || height == 0 {
		return gbuffer.ErrEmptySize
	}

	var inputs [len(InputNames)]*Buffer
	for i, name := range InputNames {
		b, err := t.allocate(name, width, height)
		if err != nil {
			for _, b := range inputs[:i] {
				t.release(b)
			}
			return err
		}
		inputs[i] = b
	}
	out, err := t.allocate(gbuffer.Denoised, width, height)
	if err != nil {
		for _, b := range inputs {
			t.release(b)
		}
		return err
	}

	t.Free()
	t.inputs, t.output = inputs, out
	return nil
}

func (t *Transfer) allocate(name gbuffer.Name, width, height uint32) (*Buffer, error) {
	pitch := gbuffer.AlignedRowPitch(width, name.BytesPerPixel())
	size := uint64(pitch) * uint64(height)
	buf, err := t.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "transfer_" + name.String(),
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite |
			gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer buffer %s: %w", name, err)
	}
	mapping, err := t.device.MapBuffer(buf, 0, size)
	if err != nil {
		t.device.DestroyBuffer(buf)
		return nil, fmt.Errorf("map transfer buffer %s: %w", name, err)
	}
	return &Buffer{
		Name:     name,
		Buffer:   buf,
		Width:    width,
		Height:   height,
		RowPitch: pitch,
		Coherent: mapping.IsCoherent,
		mapped:   unsafe.Slice((*byte)(mapping.Ptr), size),
	}, nil
}

// Free releases all transfer buffers.
func (t *Transfer) Free() {
	if !t.Enabled() {
		return
	}
	for i, b := range t.inputs {
		t.release(b)
		t.inputs[i] = nil
	}
	t.release(t.output)
	t.output = nil
}

func (t *Transfer) release(b *Buffer) {
	if b == nil {
		return
	}
	if err := t.device.UnmapBuffer(b.Buffer); err != nil {
		slogger().Warn("transfer: unmap failed", "buffer", b.Name, "err", err)
	}
	t.device.DestroyBuffer(b.Buffer)
	b.mapped = nil
}

// Input returns the transfer buffer shadowing name, or nil.
func (t *Transfer) Input(name gbuffer.Name) *Buffer {
	if !t.Enabled() {
		return nil
	}
	for i, n := range InputNames {
		if n == name {
			return t.inputs[i]
		}
	}
	return nil
}

// Output returns the buffer the denoiser writes into, or nil.
func (t *Transfer) Output() *Buffer {
	if !t.Enabled() {
		return nil
	}
	return t.output
}

// Stage records the copy of result, albedo and normal into the input
// transfer buffers. The textures are expected in storage usage, as left by
// the trace pass, and are returned to it afterwards.
func (t *Transfer) Stage(enc hal.CommandEncoder, in Inputs) error {
	if !t.Enabled() {
		return nil
	}
	if !t.Allocated() {
		return ErrNotAllocated
	}
	handles := [len(InputNames)]gbuffer.Handle{in.Result, in.Albedo, in.Normal}
	for i, h := range handles {
		if err := checkMatch(h, t.inputs[i]); err != nil {
			return err
		}
	}

	enc.TransitionTextures(barriers(handles[:], gputypes.TextureUsageStorageBinding, gputypes.TextureUsageCopySrc))
	for i, h := range handles {
		b := t.inputs[i]
		enc.CopyTextureToBuffer(h.Texture, b.Buffer, []hal.BufferTextureCopy{{
			BufferLayout: b.layout(),
			TextureBase:  hal.ImageCopyTexture{Texture: h.Texture, MipLevel: 0, Aspect: gputypes.TextureAspectAll},
			Size:         h.Extent(),
		}})
	}
	enc.TransitionTextures(barriers(handles[:], gputypes.TextureUsageCopySrc, gputypes.TextureUsageStorageBinding))
	return nil
}

// Retrieve records the copy of the denoised output back into out and leaves
// out ready to be sampled.
func (t *Transfer) Retrieve(enc hal.CommandEncoder, out gbuffer.Handle) error {
	if !t.Enabled() {
		return nil
	}
	if !t.Allocated() {
		return ErrNotAllocated
	}
	if err := checkMatch(out, t.output); err != nil {
		return err
	}
	handles := []gbuffer.Handle{out}
	enc.TransitionTextures(barriers(handles, gputypes.TextureUsageTextureBinding, gputypes.TextureUsageCopyDst))
	enc.CopyBufferToTexture(t.output.Buffer, out.Texture, []hal.BufferTextureCopy{{
		BufferLayout: t.output.layout(),
		TextureBase:  hal.ImageCopyTexture{Texture: out.Texture, MipLevel: 0, Aspect: gputypes.TextureAspectAll},
		Size:         out.Extent(),
	}})
	enc.TransitionTextures(barriers(handles, gputypes.TextureUsageCopyDst, gputypes.TextureUsageTextureBinding))
	return nil
}

func checkMatch(h gbuffer.Handle, b *Buffer) error {
	if !h.Valid() {
		return fmt.Errorf("transfer: %s: %w", b.Name, gbuffer.ErrNotAllocated)
	}
	if h.Width != b.Width || h.Height != b.Height {
		return fmt.Errorf("transfer: %s is %dx%d, transfer buffer is %dx%d",
			h.Name, h.Width, h.Height, b.Width, b.Height)
	}
	return nil
}

func barriers(handles []gbuffer.Handle, from, to gputypes.TextureUsage) []hal.TextureBarrier {
	out := make([]hal.TextureBarrier, len(handles))
	for i, h := range handles {
		out[i] = hal.TextureBarrier{
			Texture: h.Texture,
			Range:   hal.TextureRange{Aspect: gputypes.TextureAspectAll},
			Usage:   hal.TextureUsageTransition{OldUsage: from, NewUsage: to},
		}
	}
	return out
}
