// Package gbuffer owns the render targets of the hybrid pipeline: the raw
// path-traced result, the albedo and normal guides, the denoised output and
// the LDR display image.
//
// All buffers in a [Set] share one size. [Set.Resize] recreates them as a
// unit and restarts accumulation; handles from before a resize must not be
// used after it.
package gbuffer

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Name identifies one guide buffer.
type Name int

const (
	Display Name = iota
	Result
	Albedo
	Normal
	Denoised

	numNames
)

// Names lists every buffer in creation order.
var Names = [...]Name{Display, Result, Albedo, Normal, Denoised}

// RowAlignment is the buffer row pitch required for texture copies.
const RowAlignment = 256

var (
	// ErrEmptySize is returned by Resize for a zero width or height.
	ErrEmptySize = errors.New("gbuffer: width and height must be positive")

	// ErrNotAllocated is returned when buffers are requested before the
	// first Resize.
	ErrNotAllocated = errors.New("gbuffer: buffers not allocated")
)

func (n Name) String() string {
	switch n {
	case Display:
		return "display"
	case Result:
		return "result"
	case Albedo:
		return "albedo"
	case Normal:
		return "normal"
	case Denoised:
		return "denoised"
	default:
		return fmt.Sprintf("gbuffer(%d)", int(n))
	}
}

// Format returns the fixed pixel format of the buffer.
func (n Name) Format() gputypes.TextureFormat {
	if n == Display {
		return gputypes.TextureFormatRGBA8Unorm
	}
	return gputypes.TextureFormatRGBA32Float
}

// BytesPerPixel returns the texel size of the buffer's format.
func (n Name) BytesPerPixel() uint32 {
	if n == Display {
		return 4
	}
	return 16
}

// Resting returns the usage a buffer is left in between passes. Passes that
// need another usage transition from it and back.
func (n Name) Resting() gputypes.TextureUsage {
	if n == Denoised {
		return gputypes.TextureUsageTextureBinding
	}
	return gputypes.TextureUsageStorageBinding
}

func (n Name) usage() gputypes.TextureUsage {
	switch n {
	case Display:
		return gputypes.TextureUsageStorageBinding | gputypes.TextureUsageCopySrc | gputypes.TextureUsageRenderAttachment
	case Denoised:
		return gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopySrc
	default:
		return gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding |
			gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	}
}

// Handle is a read/write reference to one buffer. It stays valid until the
// next Resize of the set that issued it; Generation tells the two apart.
type Handle struct {
	Name       Name
	Texture    hal.Texture
	View       hal.TextureView
	Width      uint32
	Height     uint32
	Generation uint64
}

// Valid reports whether the handle refers to an allocated buffer.
func (h Handle) Valid() bool { return h.Texture != nil }

// Extent returns the buffer size as a copy extent.
func (h Handle) Extent() hal.Extent3D {
	return hal.Extent3D{Width: h.Width, Height: h.Height, DepthOrArrayLayers: 1}
}

// RowPitch returns the padded byte stride of one row in a transfer buffer.
func (h Handle) RowPitch() uint32 {
	return AlignedRowPitch(h.Width, h.Name.BytesPerPixel())
}

// AlignedRowPitch returns width*bpp rounded up to RowAlignment.
func AlignedRowPitch(width, bytesPerPixel uint32) uint32 {
	row := width * bytesPerPixel
	return (row + RowAlignment - 1) / RowAlignment * RowAlignment
}

// Resetter restarts accumulation when the buffers are recreated.
type Resetter interface {
	Reset()
}

// Set owns the guide buffers. It is not safe for concurrent use: only the
// submission goroutine touches it.
type Set struct {
	device   hal.Device
	resetter Resetter

	width, height uint32
	generation    uint64
	handles       [numNames]Handle
}

// New returns an empty set. r is reset on every successful Resize and may
// be nil.
func New(device hal.Device, r Resetter) *Set {
	return &Set{device: device, resetter: r}
}

// Resize recreates every buffer at width x height and resets accumulation.
//
// Either all buffers are replaced or, on error, the previous set is left
// untouched. Callers must make sure no device work still references the
// old buffers.
func (s *Set) Resize(width, height uint32) error {
	if width == 0 || height == 0 {
		return ErrEmptySize
	}

	var next [numNames]Handle
	gen := s.generation + 1
	for _, name := range Names {
		h, err := s.create(name, width, height, gen)
		if err != nil {
			destroyAll(s.device, next[:])
			return err
		}
		next[name] = h
	}

	destroyAll(s.device, s.handles[:])
	s.handles = next
	s.width, s.height = width, height
	s.generation = gen
	if s.resetter != nil {
		s.resetter.Reset()
	}
	return nil
}

func (s *Set) create(name Name, width, height uint32, gen uint64) (Handle, error) {
	label := "gbuffer_" + name.String()
	tex, err := s.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        name.Format(),
		Usage:         name.usage(),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("create texture %s: %w", name, err)
	}
	view, err := s.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         label + "_view",
		Format:        name.Format(),
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		s.device.DestroyTexture(tex)
		return Handle{}, fmt.Errorf("create view %s: %w", name, err)
	}
	return Handle{Name: name, Texture: tex, View: view, Width: width, Height: height, Generation: gen}, nil
}

func destroyAll(device hal.Device, handles []Handle) {
	for i := range handles {
		if handles[i].View != nil {
			device.DestroyTextureView(handles[i].View)
		}
		if handles[i].Texture != nil {
			device.DestroyTexture(handles[i].Texture)
		}
		handles[i] = Handle{}
	}
}

// Get returns the handle for name. The zero Handle is returned before the
// first Resize.
func (s *Set) Get(name Name) Handle {
	if name < 0 || name >= numNames {
		return Handle{}
	}
	return s.handles[name]
}

// Size returns the current buffer size.
func (s *Set) Size() (width, height uint32) { return s.width, s.height }

// Generation increments on every successful Resize.
func (s *Set) Generation() uint64 { return s.generation }

// AspectRatio returns width/height, or 1 before allocation.
func (s *Set) AspectRatio() float32 {
	if s.height == 0 {
		return 1
	}
	return float32(s.width) / float32(s.height)
}

// Destroy releases every buffer.
func (s *Set) Destroy() {
	destroyAll(s.device, s.handles[:])
	s.width, s.height = 0, 0
}
