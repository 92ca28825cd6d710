package procedural

import (
	"encoding/binary"
	"math"
	"slices"
	"testing"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rtdenoise/framegraph"
	"github.com/gogpu/rtdenoise/gbuffer"
	"github.com/gogpu/rtdenoise/internal/gputest"
)

type copyCounter struct {
	hal.CommandEncoder
	copies int
}

func (c *copyCounter) CopyBufferToTexture(hal.Buffer, hal.Texture, []hal.BufferTextureCopy) {
	c.copies++
}

func newTracer(t *testing.T, w, h uint32, slots int) (*Tracer, *gbuffer.Set, *copyCounter) {
	t.Helper()
	device, _ := gputest.NoopDevice(t)
	tr, err := New(device, slots, WithSeed(7))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Destroy)
	set := gbuffer.New(device, nil)
	if err := set.Resize(w, h); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(set.Destroy)
	enc, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "test"})
	if err != nil {
		t.Fatal(err)
	}
	return tr, set, &copyCounter{CommandEncoder: enc}
}

func targets(set *gbuffer.Set) framegraph.Targets {
	return framegraph.Targets{
		Result: set.Get(gbuffer.Result),
		Albedo: set.Get(gbuffer.Albedo),
		Normal: set.Get(gbuffer.Normal),
	}
}

func trace(t *testing.T, tr *Tracer, enc hal.CommandEncoder, set *gbuffer.Set, frame, slot int) {
	t.Helper()
	in := framegraph.FrameInput{Frame: frame, Slot: slot}
	if err := tr.UpdateScene(enc, in); err != nil {
		t.Fatal(err)
	}
	if err := tr.Trace(enc, in, targets(set)); err != nil {
		t.Fatalf("Trace: %v", err)
	}
}

func pixel(plane []float32, w, x, y int) [3]float32 {
	i := (y*w + x) * 4
	return [3]float32{plane[i], plane[i+1], plane[i+2]}
}

func TestTrace_Guides(t *testing.T) {
	tr, set, enc := newTracer(t, 16, 16, 1)
	trace(t, tr, enc, set, 0, 0)

	if enc.copies != 3 {
		t.Errorf("recorded %d uploads, want 3", enc.copies)
	}

	// The centre ray hits the sphere head on.
	if got, want := pixel(tr.albedo, 16, 8, 8), [3]float32{0.8, 0.3, 0.2}; got != want {
		t.Errorf("centre albedo = %v, want %v", got, want)
	}
	if n := pixel(tr.normal, 16, 8, 8); n[2] < 0.9 {
		t.Errorf("centre normal = %v, want facing the camera", n)
	}
	// The bottom row sees the ground.
	if n := pixel(tr.normal, 16, 8, 15); n != [3]float32{0, 1, 0} {
		t.Errorf("ground normal = %v", n)
	}
	// The top row sees the sky.
	if a := pixel(tr.albedo, 16, 8, 0); !(a[2] > a[0]) {
		t.Errorf("sky albedo = %v, want bluish", a)
	}
}

func TestTrace_StagingMatchesHost(t *testing.T) {
	tr, set, enc := newTracer(t, 5, 3, 2)
	trace(t, tr, enc, set, 0, 1)

	st := tr.slots[1][0]
	for y := range 3 {
		for x := range 5 {
			off := y*int(st.pitch) + x*16
			got := math.Float32frombits(binary.LittleEndian.Uint32(st.mapped[off:]))
			if want := tr.accum[(y*5+x)*4]; got != want {
				t.Fatalf("staging (%d,%d) = %v, host %v", x, y, got, want)
			}
		}
	}
	if tr.slots[0][0].mapped == nil || st.pitch%gbuffer.RowAlignment != 0 {
		t.Errorf("slot 0 not allocated or pitch %d unaligned", st.pitch)
	}
}

func TestTrace_FrameZeroRestarts(t *testing.T) {
	a, setA, encA := newTracer(t, 8, 8, 1)
	trace(t, a, encA, setA, 0, 0)
	fresh := slices.Clone(a.accum)

	b, setB, encB := newTracer(t, 8, 8, 1)
	for frame := range 4 {
		trace(t, b, encB, setB, frame, 0)
	}
	if slices.Equal(b.accum, fresh) {
		t.Fatal("accumulating frames did not change the result")
	}
	trace(t, b, encB, setB, 0, 0)
	if !slices.Equal(b.accum, fresh) {
		t.Error("frame 0 did not restart accumulation")
	}

	// Non-finite values from an earlier accumulation must not survive.
	trace(t, b, encB, setB, 1, 0)
	b.accum[0] = float32(math.NaN())
	b.albedo[0] = float32(math.Inf(1))
	trace(t, b, encB, setB, 0, 0)
	if !slices.Equal(b.accum, fresh) {
		t.Errorf("frame 0 kept earlier samples, accum[0] = %v", b.accum[0])
	}
	if a := b.albedo[0]; math.IsInf(float64(a), 0) || math.IsNaN(float64(a)) {
		t.Errorf("albedo[0] = %v after restart", a)
	}
}

func TestTrace_Resize(t *testing.T) {
	tr, set, enc := newTracer(t, 4, 4, 2)
	trace(t, tr, enc, set, 0, 0)
	if err := set.Resize(6, 2); err != nil {
		t.Fatal(err)
	}
	trace(t, tr, enc, set, 0, 0)
	if tr.width != 6 || tr.height != 2 || len(tr.accum) != 6*2*4 {
		t.Errorf("after resize %dx%d, %d floats", tr.width, tr.height, len(tr.accum))
	}
}

func TestTrace_Errors(t *testing.T) {
	tr, set, enc := newTracer(t, 4, 4, 2)
	if err := tr.Trace(enc, framegraph.FrameInput{Slot: 2}, targets(set)); err == nil {
		t.Error("slot out of range accepted")
	}
	if err := tr.Trace(enc, framegraph.FrameInput{}, framegraph.Targets{}); err == nil {
		t.Error("unallocated targets accepted")
	}
	if _, err := New(nil, 1); err == nil {
		t.Error("nil device accepted")
	}
}
