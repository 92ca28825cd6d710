// Package tonemap converts the HDR result or denoised buffer into the LDR
// display buffer with a compute pass.
//
// The pass always runs; the frame graph only chooses its source. Exposure,
// the tone curve and gamma are uniform parameters that can change between
// frames without rebuilding the pipeline.
package tonemap

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rtdenoise/gbuffer"
)

//go:embed shaders/tonemap.wgsl
var shaderWGSL string

const (
	workgroupSize = 8
	paramsSize    = 16
)

// Curve is the tone curve applied after exposure.
type Curve uint32

const (
	Linear Curve = iota
	Reinhard
	Filmic
)

func (c Curve) String() string {
	switch c {
	case Linear:
		return "linear"
	case Reinhard:
		return "reinhard"
	case Filmic:
		return "filmic"
	default:
		return fmt.Sprintf("Curve(%d)", uint32(c))
	}
}

// ParseCurve resolves a curve name from configuration.
func ParseCurve(name string) (Curve, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "linear":
		return Linear, nil
	case "reinhard":
		return Reinhard, nil
	case "", "filmic", "aces":
		return Filmic, nil
	default:
		return 0, fmt.Errorf("tonemap: unknown curve %q", name)
	}
}

// Params are the tonemap controls.
type Params struct {
	Exposure float32
	Curve    Curve
	Gamma    float32
}

// DefaultParams returns unit exposure, the filmic curve and gamma 2.2.
func DefaultParams() Params {
	return Params{Exposure: 1, Curve: Filmic, Gamma: 2.2}
}

func (p Params) normalized() Params {
	if !(p.Exposure > 0) || math.IsInf(float64(p.Exposure), 0) {
		p.Exposure = 1
	}
	if !(p.Gamma > 0) || math.IsInf(float64(p.Gamma), 0) {
		p.Gamma = 2.2
	}
	if p.Curve > Filmic {
		p.Curve = Filmic
	}
	return p
}

func (p Params) bytes() []byte {
	b := make([]byte, paramsSize)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(p.Exposure))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(1/p.Gamma))
	binary.LittleEndian.PutUint32(b[8:], uint32(p.Curve))
	return b
}

// CompileShader compiles the tonemap shader to SPIR-V words.
func CompileShader() ([]uint32, error) {
	spirvBytes, err := naga.Compile(shaderWGSL)
	if err != nil {
		return nil, fmt.Errorf("compile tonemap shader: %w", err)
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

type groupKey struct {
	generation uint64
	src        gbuffer.Name
}

// Pass is the tonemap compute pipeline. It implements the frame graph's
// Tonemapper and is used from the submission goroutine only.
type Pass struct {
	device hal.Device

	module         hal.ShaderModule
	bindLayout     hal.BindGroupLayout
	pipelineLayout hal.PipelineLayout
	pipeline       hal.ComputePipeline

	uniform hal.Buffer
	staging hal.Buffer
	mapped  []byte
	params  Params
	dirty   bool

	generation uint64
	groups     map[groupKey]hal.BindGroup
}

// New builds the pipeline on device.
func New(device hal.Device, params Params) (*Pass, error) {
	if device == nil {
		return nil, errors.New("tonemap: nil device")
	}
	p := &Pass{device: device, groups: make(map[groupKey]hal.BindGroup)}
	if err := p.init(); err != nil {
		p.Destroy()
		return nil, err
	}
	p.SetParams(params)
	return p, nil
}

func (p *Pass) init() error {
	spirv, err := CompileShader()
	if err != nil {
		return err
	}
	p.module, err = p.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "tonemap_shader",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return fmt.Errorf("tonemap: create shader module: %w", err)
	}

	p.bindLayout, err = p.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "tonemap_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer: &gputypes.BufferBindingLayout{
					Type:           gputypes.BufferBindingTypeUniform,
					MinBindingSize: paramsSize,
				},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageCompute,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeUnfilterableFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageCompute,
				StorageTexture: &gputypes.StorageTextureBindingLayout{
					Access:        gputypes.StorageTextureAccessWriteOnly,
					Format:        gbuffer.Display.Format(),
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("tonemap: create bind group layout: %w", err)
	}

	p.pipelineLayout, err = p.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "tonemap_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("tonemap: create pipeline layout: %w", err)
	}

	p.pipeline, err = p.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "tonemap_pipeline",
		Layout: p.pipelineLayout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: "cs_tonemap",
		},
	})
	if err != nil {
		return fmt.Errorf("tonemap: create pipeline: %w", err)
	}

	p.uniform, err = p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "tonemap_params",
		Size:  paramsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("tonemap: create params buffer: %w", err)
	}
	p.staging, err = p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "tonemap_params_staging",
		Size:  paramsSize,
		Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("tonemap: create staging buffer: %w", err)
	}
	mapping, err := p.device.MapBuffer(p.staging, 0, paramsSize)
	if err != nil {
		return fmt.Errorf("tonemap: map staging buffer: %w", err)
	}
	p.mapped = unsafe.Slice((*byte)(mapping.Ptr), paramsSize)
	return nil
}

// Params returns the parameters in effect for the next frame.
func (p *Pass) Params() Params { return p.params }

// SetParams changes the parameters from the next recorded frame on.
func (p *Pass) SetParams(params Params) {
	p.params = params.normalized()
	copy(p.mapped, p.params.bytes())
	p.dirty = true
}

// Tonemap records the pass reading src and writing dst.
func (p *Pass) Tonemap(enc hal.CommandEncoder, src, dst gbuffer.Handle) error {
	if !src.Valid() || !dst.Valid() {
		return gbuffer.ErrNotAllocated
	}
	if src.Width != dst.Width || src.Height != dst.Height {
		return fmt.Errorf("tonemap: source %dx%d does not match display %dx%d",
			src.Width, src.Height, dst.Width, dst.Height)
	}
	group, err := p.bindGroup(src, dst)
	if err != nil {
		return err
	}

	if p.dirty {
		enc.CopyBufferToBuffer(p.staging, p.uniform, []hal.BufferCopy{{Size: paramsSize}})
		enc.TransitionBuffers([]hal.BufferBarrier{{
			Buffer: p.uniform,
			Usage: hal.BufferUsageTransition{
				OldUsage: gputypes.BufferUsageCopyDst,
				NewUsage: gputypes.BufferUsageUniform,
			},
		}})
		p.dirty = false
	}

	rest := src.Name.Resting()
	if rest != gputypes.TextureUsageTextureBinding {
		enc.TransitionTextures([]hal.TextureBarrier{barrier(src, rest, gputypes.TextureUsageTextureBinding)})
	}
	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "tonemap_pass"})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.Dispatch(groups(dst.Width), groups(dst.Height), 1)
	pass.End()
	if rest != gputypes.TextureUsageTextureBinding {
		enc.TransitionTextures([]hal.TextureBarrier{barrier(src, gputypes.TextureUsageTextureBinding, rest)})
	}
	return nil
}

func groups(n uint32) uint32 { return (n + workgroupSize - 1) / workgroupSize }

// bindGroup returns the cached group for src. Groups from an older buffer
// generation are released: a resize only happens with the device idle.
func (p *Pass) bindGroup(src, dst gbuffer.Handle) (hal.BindGroup, error) {
	if src.Generation != p.generation {
		p.releaseGroups()
		p.generation = src.Generation
	}
	key := groupKey{generation: src.Generation, src: src.Name}
	if g, ok := p.groups[key]; ok {
		return g, nil
	}
	g, err := p.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "tonemap_bind_" + src.Name.String(),
		Layout: p.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: p.uniform.NativeHandle(), Size: paramsSize}},
			{Binding: 1, Resource: gputypes.TextureViewBinding{TextureView: src.View.NativeHandle()}},
			{Binding: 2, Resource: gputypes.TextureViewBinding{TextureView: dst.View.NativeHandle()}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tonemap: create bind group: %w", err)
	}
	p.groups[key] = g
	return g, nil
}

func (p *Pass) releaseGroups() {
	for k, g := range p.groups {
		p.device.DestroyBindGroup(g)
		delete(p.groups, k)
	}
}

// Destroy releases the pipeline. No recorded frame may still use it.
func (p *Pass) Destroy() {
	p.releaseGroups()
	if p.staging != nil {
		if p.mapped != nil {
			_ = p.device.UnmapBuffer(p.staging)
			p.mapped = nil
		}
		p.device.DestroyBuffer(p.staging)
		p.staging = nil
	}
	if p.uniform != nil {
		p.device.DestroyBuffer(p.uniform)
		p.uniform = nil
	}
	if p.pipeline != nil {
		p.device.DestroyComputePipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.pipelineLayout != nil {
		p.device.DestroyPipelineLayout(p.pipelineLayout)
		p.pipelineLayout = nil
	}
	if p.bindLayout != nil {
		p.device.DestroyBindGroupLayout(p.bindLayout)
		p.bindLayout = nil
	}
	if p.module != nil {
		p.device.DestroyShaderModule(p.module)
		p.module = nil
	}
}

func barrier(h gbuffer.Handle, from, to gputypes.TextureUsage) hal.TextureBarrier {
	return hal.TextureBarrier{
		Texture: h.Texture,
		Range:   hal.TextureRange{Aspect: gputypes.TextureAspectAll},
		Usage:   hal.TextureUsageTransition{OldUsage: from, NewUsage: to},
	}
}
