// Package procedural is a host-side path tracer for an analytic scene. It
// stands in for a hardware ray tracer so the pipeline can run end to end:
// each frame it adds Monte Carlo samples to a running mean in the result
// buffer and writes the first-hit albedo and normal guides.
//
// Samples are computed on the host and uploaded with buffer to texture
// copies recorded into the frame's command encoder. Each frame-in-flight
// slot has its own staging buffers, so a slot is only rewritten after the
// frame that last used it has completed.
package procedural

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rtdenoise/cadence"
	"github.com/gogpu/rtdenoise/framegraph"
	"github.com/gogpu/rtdenoise/gbuffer"
	"github.com/gogpu/rtdenoise/internal/parallel"
)

var planes = [...]gbuffer.Name{gbuffer.Result, gbuffer.Albedo, gbuffer.Normal}

type staging struct {
	buf    hal.Buffer
	mapped []byte
	pitch  uint32
}

type slot [len(planes)]staging

// Tracer implements framegraph.Tracer.
type Tracer struct {
	device hal.Device
	scene  scene
	pool   *parallel.WorkerPool
	spp    int
	seed   uint64

	cam camera

	slots         []slot
	width, height uint32
	generation    uint64

	// Host copies of the planes, RGBA float.
	accum, albedo, normal []float32
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithSamplesPerFrame sets the samples per pixel added each frame.
func WithSamplesPerFrame(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.spp = n
		}
	}
}

// WithSeed makes the noise sequence reproducible.
func WithSeed(seed uint64) Option {
	return func(t *Tracer) { t.seed = seed }
}

// New returns a tracer with slots frame-in-flight slots.
func New(device hal.Device, slots int, opts ...Option) (*Tracer, error) {
	if device == nil {
		return nil, errors.New("procedural: nil device")
	}
	if slots < 1 {
		return nil, fmt.Errorf("procedural: %d slots", slots)
	}
	t := &Tracer{
		device: device,
		scene:  defaultScene(),
		pool:   parallel.NewWorkerPool(0),
		spp:    1,
		seed:   1,
		cam:    cameraFrom(cadence.Camera{}),
		slots:  make([]slot, slots),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// UpdateScene picks up the frame's camera. It records nothing.
func (t *Tracer) UpdateScene(_ hal.CommandEncoder, in framegraph.FrameInput) error {
	t.cam = cameraFrom(in.Camera)
	return nil
}

// Trace adds this frame's samples and records their upload into out.
// Frame 0 starts a new accumulation.
func (t *Tracer) Trace(enc hal.CommandEncoder, in framegraph.FrameInput, out framegraph.Targets) error {
	handles := [len(planes)]gbuffer.Handle{out.Result, out.Albedo, out.Normal}
	for _, h := range handles {
		if !h.Valid() {
			return gbuffer.ErrNotAllocated
		}
	}
	if err := t.ensure(out.Result); err != nil {
		return err
	}
	if in.Slot < 0 || in.Slot >= len(t.slots) {
		return fmt.Errorf("procedural: slot %d out of range [0,%d)", in.Slot, len(t.slots))
	}

	t.render(max(in.Frame, 0))
	s := &t.slots[in.Slot]
	t.write(s)

	barriers := make([]hal.TextureBarrier, len(handles))
	for i, h := range handles {
		barriers[i] = barrier(h, h.Name.Resting(), gputypes.TextureUsageCopyDst)
	}
	enc.TransitionTextures(barriers)
	for i, h := range handles {
		enc.CopyBufferToTexture(s[i].buf, h.Texture, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{BytesPerRow: s[i].pitch, RowsPerImage: h.Height},
			TextureBase:  hal.ImageCopyTexture{Texture: h.Texture, Aspect: gputypes.TextureAspectAll},
			Size:         h.Extent(),
		}})
	}
	for i, h := range handles {
		barriers[i] = barrier(h, gputypes.TextureUsageCopyDst, h.Name.Resting())
	}
	enc.TransitionTextures(barriers)
	return nil
}

// ensure (re)allocates the staging buffers when the targets were resized.
func (t *Tracer) ensure(h gbuffer.Handle) error {
	if h.Generation == t.generation && h.Width == t.width && h.Height == t.height && t.accum != nil {
		return nil
	}
	t.freeStaging()
	for si := range t.slots {
		for pi, name := range planes {
			st, err := t.allocate(name, h.Width, h.Height)
			if err != nil {
				t.freeStaging()
				return err
			}
			t.slots[si][pi] = st
		}
	}
	n := int(h.Width) * int(h.Height) * 4
	t.accum = make([]float32, n)
	t.albedo = make([]float32, n)
	t.normal = make([]float32, n)
	t.width, t.height, t.generation = h.Width, h.Height, h.Generation
	return nil
}

func (t *Tracer) allocate(name gbuffer.Name, w, h uint32) (staging, error) {
	pitch := gbuffer.AlignedRowPitch(w, name.BytesPerPixel())
	size := uint64(pitch) * uint64(h)
	buf, err := t.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "procedural_" + name.String(),
		Size:  size,
		Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return staging{}, fmt.Errorf("create staging %s: %w", name, err)
	}
	mapping, err := t.device.MapBuffer(buf, 0, size)
	if err != nil {
		t.device.DestroyBuffer(buf)
		return staging{}, fmt.Errorf("map staging %s: %w", name, err)
	}
	return staging{buf: buf, mapped: unsafe.Slice((*byte)(mapping.Ptr), size), pitch: pitch}, nil
}

func (t *Tracer) freeStaging() {
	for si := range t.slots {
		for pi := range t.slots[si] {
			st := &t.slots[si][pi]
			if st.buf == nil {
				continue
			}
			_ = t.device.UnmapBuffer(st.buf)
			t.device.DestroyBuffer(st.buf)
			*st = staging{}
		}
	}
}

// render folds one frame of samples into the running mean.
func (t *Tracer) render(frame int) {
	w, h := int(t.width), int(t.height)
	weight := float32(1) / float32(frame+1)
	t.pool.Rows(h, 4, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			rng := rand.New(rand.NewPCG(t.seed^uint64(frame)*0x9e3779b97f4a7c15, uint64(y)))
			for x := range w {
				var sum vec3
				var alb, nrm vec3
				for s := range t.spp {
					jx, jy := rng.Float64(), rng.Float64()
					if frame == 0 && s == 0 {
						jx, jy = 0.5, 0.5
					}
					r := t.cam.ray((float64(x)+jx)/float64(w), (float64(y)+jy)/float64(h), float64(w)/float64(h))
					rad, a, n := t.scene.sample(r, rng)
					sum = sum.add(rad)
					if s == 0 {
						alb, nrm = a, n
					}
				}
				sum = sum.scale(1 / float64(t.spp))

				i := (y*w + x) * 4
				for c := range 3 {
					if frame == 0 {
						// Overwrite so nothing from the previous accumulation survives.
						t.accum[i+c] = float32(sum[c])
						t.albedo[i+c] = float32(alb[c])
					} else {
						t.accum[i+c] += (float32(sum[c]) - t.accum[i+c]) * weight
						t.albedo[i+c] += (float32(alb[c]) - t.albedo[i+c]) * weight
					}
					t.normal[i+c] = float32(nrm[c])
				}
				t.accum[i+3], t.albedo[i+3], t.normal[i+3] = 1, 1, 0
			}
		}
	})
}

func (t *Tracer) write(s *slot) {
	srcs := [len(planes)][]float32{t.accum, t.albedo, t.normal}
	w := int(t.width)
	for pi := range planes {
		st := s[pi]
		src := srcs[pi]
		for y := range int(t.height) {
			row := st.mapped[y*int(st.pitch):]
			for x := range w * 4 {
				binary.LittleEndian.PutUint32(row[x*4:], math.Float32bits(src[y*w*4+x]))
			}
		}
	}
}

// Destroy frees the staging buffers. No recorded frame may still use them.
func (t *Tracer) Destroy() {
	t.freeStaging()
	t.pool.Close()
	t.accum, t.albedo, t.normal = nil, nil, nil
}

func barrier(h gbuffer.Handle, from, to gputypes.TextureUsage) hal.TextureBarrier {
	return hal.TextureBarrier{
		Texture: h.Texture,
		Range:   hal.TextureRange{Aspect: gputypes.TextureAspectAll},
		Usage:   hal.TextureUsageTransition{OldUsage: from, NewUsage: to},
	}
}

type camera struct {
	origin, right, up, forward vec3
	tanHalfFOV                 float64
}

// cameraFrom reads a camera-to-world matrix in column-major order. The zero
// camera sits at the origin looking down -Z with a 60 degree field of view.
func cameraFrom(c cadence.Camera) camera {
	v := c.View
	if v == ([16]float32{}) {
		v = [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	}
	fov := float64(c.FOV)
	if !(fov > 0 && fov < 180) {
		fov = 60
	}
	col := func(i int) vec3 { return vec3{float64(v[i]), float64(v[i+1]), float64(v[i+2])} }
	return camera{
		origin:     col(12),
		right:      col(0).norm(),
		up:         col(4).norm(),
		forward:    col(8).scale(-1).norm(),
		tanHalfFOV: math.Tan(fov * math.Pi / 360),
	}
}

// ray returns the primary ray through (u, v) in [0,1]^2, v pointing down.
func (c camera) ray(u, v, aspect float64) ray {
	px := (2*u - 1) * c.tanHalfFOV * aspect
	py := (1 - 2*v) * c.tanHalfFOV
	dir := c.forward.add(c.right.scale(px)).add(c.up.scale(py)).norm()
	return ray{origin: c.origin, dir: dir}
}
