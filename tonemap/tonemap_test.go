package tonemap

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rtdenoise/gbuffer"
	"github.com/gogpu/rtdenoise/internal/gputest"
)

type countingDevice struct {
	hal.Device
	bindGroups int
}

func (d *countingDevice) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	d.bindGroups++
	return d.Device.CreateBindGroup(desc)
}

type recorder struct {
	hal.CommandEncoder
	barriers   []hal.TextureBarrier
	copies     int
	dispatches [][3]uint32
}

func (r *recorder) TransitionTextures(b []hal.TextureBarrier) {
	r.barriers = append(r.barriers, b...)
}

func (r *recorder) CopyBufferToBuffer(_, _ hal.Buffer, _ []hal.BufferCopy) { r.copies++ }

func (r *recorder) BeginComputePass(desc *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	return &passRecorder{ComputePassEncoder: r.CommandEncoder.BeginComputePass(desc), r: r}
}

type passRecorder struct {
	hal.ComputePassEncoder
	r *recorder
}

func (p *passRecorder) Dispatch(x, y, z uint32) {
	p.r.dispatches = append(p.r.dispatches, [3]uint32{x, y, z})
}

func setup(t *testing.T, w, h uint32) (*Pass, *countingDevice, *gbuffer.Set, *recorder) {
	t.Helper()
	device, _ := gputest.NoopDevice(t)
	dev := &countingDevice{Device: device}
	pass, err := New(dev, DefaultParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(pass.Destroy)

	set := gbuffer.New(device, nil)
	if err := set.Resize(w, h); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(set.Destroy)

	enc, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := enc.BeginEncoding("test"); err != nil {
		t.Fatal(err)
	}
	return pass, dev, set, &recorder{CommandEncoder: enc}
}

func TestCompileShader(t *testing.T) {
	words, err := CompileShader()
	if err != nil {
		t.Fatalf("CompileShader: %v", err)
	}
	if len(words) == 0 || words[0] != 0x07230203 {
		t.Errorf("not a SPIR-V module: first word %#x", words[0])
	}
}

func TestTonemap_Dispatch(t *testing.T) {
	pass, _, set, rec := setup(t, 20, 9)
	if err := pass.Tonemap(rec, set.Get(gbuffer.Result), set.Get(gbuffer.Display)); err != nil {
		t.Fatal(err)
	}
	if len(rec.dispatches) != 1 || rec.dispatches[0] != [3]uint32{3, 2, 1} {
		t.Errorf("dispatches = %v, want [[3 2 1]]", rec.dispatches)
	}
	if rec.copies != 1 {
		t.Errorf("params uploaded %d times, want 1", rec.copies)
	}

	// Params only upload again after a change.
	if err := pass.Tonemap(rec, set.Get(gbuffer.Result), set.Get(gbuffer.Display)); err != nil {
		t.Fatal(err)
	}
	if rec.copies != 1 {
		t.Errorf("params uploaded %d times without a change", rec.copies)
	}
	pass.SetParams(Params{Exposure: 2, Curve: Reinhard, Gamma: 1})
	if err := pass.Tonemap(rec, set.Get(gbuffer.Result), set.Get(gbuffer.Display)); err != nil {
		t.Fatal(err)
	}
	if rec.copies != 2 {
		t.Errorf("params uploaded %d times after SetParams, want 2", rec.copies)
	}
}

func TestTonemap_SourceTransitions(t *testing.T) {
	pass, _, set, rec := setup(t, 8, 8)

	if err := pass.Tonemap(rec, set.Get(gbuffer.Result), set.Get(gbuffer.Display)); err != nil {
		t.Fatal(err)
	}
	if len(rec.barriers) != 2 {
		t.Fatalf("result source: %d barriers, want 2", len(rec.barriers))
	}
	in, out := rec.barriers[0].Usage, rec.barriers[1].Usage
	if in.OldUsage != gputypes.TextureUsageStorageBinding || in.NewUsage != gputypes.TextureUsageTextureBinding {
		t.Errorf("first barrier %+v", in)
	}
	if out.OldUsage != in.NewUsage || out.NewUsage != in.OldUsage {
		t.Errorf("second barrier %+v does not restore %+v", out, in)
	}

	rec.barriers = nil
	if err := pass.Tonemap(rec, set.Get(gbuffer.Denoised), set.Get(gbuffer.Display)); err != nil {
		t.Fatal(err)
	}
	if len(rec.barriers) != 0 {
		t.Errorf("denoised source already sampled, got barriers %v", rec.barriers)
	}
}

func TestTonemap_BindGroupCache(t *testing.T) {
	pass, dev, set, rec := setup(t, 8, 8)
	for range 3 {
		for _, src := range []gbuffer.Name{gbuffer.Result, gbuffer.Denoised} {
			if err := pass.Tonemap(rec, set.Get(src), set.Get(gbuffer.Display)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if dev.bindGroups != 2 {
		t.Errorf("created %d bind groups, want 2", dev.bindGroups)
	}
	if err := set.Resize(16, 16); err != nil {
		t.Fatal(err)
	}
	if err := pass.Tonemap(rec, set.Get(gbuffer.Result), set.Get(gbuffer.Display)); err != nil {
		t.Fatal(err)
	}
	if dev.bindGroups != 3 || len(pass.groups) != 1 {
		t.Errorf("after resize: created %d, cached %d", dev.bindGroups, len(pass.groups))
	}
}

func TestTonemap_Errors(t *testing.T) {
	pass, _, set, rec := setup(t, 8, 8)
	if err := pass.Tonemap(rec, gbuffer.Handle{}, set.Get(gbuffer.Display)); !errors.Is(err, gbuffer.ErrNotAllocated) {
		t.Errorf("unallocated source: err = %v", err)
	}
	small := set.Get(gbuffer.Result)
	small.Width = 4
	if err := pass.Tonemap(rec, small, set.Get(gbuffer.Display)); err == nil {
		t.Error("size mismatch accepted")
	}
}

func TestParams(t *testing.T) {
	p := Params{Exposure: -1, Curve: Curve(7), Gamma: float32(math.NaN())}.normalized()
	if p != (Params{Exposure: 1, Curve: Filmic, Gamma: 2.2}) {
		t.Errorf("normalized = %+v", p)
	}

	b := Params{Exposure: 2, Curve: Reinhard, Gamma: 2}.bytes()
	if len(b) != paramsSize {
		t.Fatalf("len = %d", len(b))
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(b[0:])); got != 2 {
		t.Errorf("exposure = %v", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(b[4:])); got != 0.5 {
		t.Errorf("inverse gamma = %v", got)
	}
	if got := binary.LittleEndian.Uint32(b[8:]); got != uint32(Reinhard) {
		t.Errorf("curve = %d", got)
	}
}

func TestParseCurve(t *testing.T) {
	tests := []struct {
		in      string
		want    Curve
		wantErr bool
	}{
		{"linear", Linear, false},
		{"Reinhard", Reinhard, false},
		{" filmic ", Filmic, false},
		{"aces", Filmic, false},
		{"", Filmic, false},
		{"hable", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCurve(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCurve(%q) = %v, %v", tt.in, got, err)
		}
	}
	if Filmic.String() != "filmic" || Curve(9).String() != "Curve(9)" {
		t.Errorf("String: %q %q", Filmic, Curve(9))
	}
}
