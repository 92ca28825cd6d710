package rtdenoise

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/semaphore"

	"github.com/gogpu/rtdenoise/cadence"
	"github.com/gogpu/rtdenoise/denoiser"
	"github.com/gogpu/rtdenoise/framegraph"
	"github.com/gogpu/rtdenoise/gbuffer"
	"github.com/gogpu/rtdenoise/internal/gpu"
	"github.com/gogpu/rtdenoise/internal/metrics"
	"github.com/gogpu/rtdenoise/internal/queue"
	"github.com/gogpu/rtdenoise/orchestrator"
	"github.com/gogpu/rtdenoise/timeline"
	"github.com/gogpu/rtdenoise/tonemap"
	"github.com/gogpu/rtdenoise/transfer"
)

// Engine drives the hybrid render/denoise pipeline.
//
// RenderFrame, Resize, ResetAccumulation, Frame and Snapshot belong to a
// single submission goroutine. SetCadence, Status and Close may be called from any
// goroutine.
type Engine struct {
	device  hal.Device
	adopted *gpu.Device

	timeline *timeline.Signal
	queue    *queue.Processor
	buffers  *gbuffer.Set
	frame    *cadence.FrameState
	session  denoiser.Session
	orch     *orchestrator.Orchestrator
	asm      *framegraph.Assembler
	tonemap  *tonemap.Pass
	metrics  *metrics.Metrics

	slots    *semaphore.Weighted
	inFlight int
	seq      uint64

	cfgMu   sync.Mutex
	cadence cadence.Config

	statusMu sync.Mutex
	status   Status
	clock    frameClock

	closed atomic.Bool
}

// New creates an engine on a device and queue owned by the caller.
//
// The denoiser is opened here. When no backend is available the engine
// logs a warning once and renders without denoising.
func New(device hal.Device, q hal.Queue, opts ...Option) (*Engine, error) {
	if device == nil || q == nil {
		return nil, errors.New("rtdenoise: device and queue are required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	e := &Engine{
		device:   device,
		timeline: timeline.New(0),
		frame:    cadence.NewFrameState(o.maxFrames),
		inFlight: o.framesInFlight,
		slots:    semaphore.NewWeighted(int64(o.framesInFlight)),
	}
	e.queue = queue.New(device, q, e.timeline)
	e.buffers = gbuffer.New(device, e.frame)
	if o.registerer != nil {
		e.metrics = metrics.New(o.registerer)
	}

	session, err := denoiser.Open(context.Background(), o.denoiser, o.guides, denoiser.Env{
		Device:    device,
		Timeline:  e.timeline,
		OnDenoise: e.onDenoise,
	})
	switch {
	case errors.Is(err, denoiser.ErrUnavailable):
		Logger().Warn("rtdenoise: denoiser unavailable, denoising disabled", "backend", o.denoiser, "err", err)
	case err != nil:
		e.teardown()
		return nil, fmt.Errorf("open denoiser: %w", err)
	}
	e.session = session
	e.orch = orchestrator.New(session, e.timeline)
	e.cadence = e.effective(o.cadence)

	var tm framegraph.Tonemapper = o.tonemapper
	if tm == nil {
		pass, err := tonemap.New(device, o.tonemapParams)
		if err != nil {
			e.teardown()
			return nil, fmt.Errorf("create tonemap pass: %w", err)
		}
		e.tonemap = pass
		tm = pass
	}

	var xfer *transfer.Transfer
	if session != nil {
		xfer = session.Transfer()
	}
	e.asm, err = framegraph.New(framegraph.Config{
		Device:       device,
		Queue:        e.queue,
		Buffers:      e.buffers,
		Transfer:     xfer,
		Orchestrator: e.orch,
		Tracer:       o.tracer,
		Tonemapper:   tm,
		Presenter:    o.presenter,
	})
	if err != nil {
		e.teardown()
		return nil, err
	}

	e.status = Status{MaxFrames: o.maxFrames, Frame: -1, DenoisedFrame: -1, Denoiser: e.Denoiser()}
	if o.width > 0 && o.height > 0 {
		if err := e.Resize(context.Background(), o.width, o.height); err != nil {
			e.teardown()
			return nil, err
		}
	}
	return e, nil
}

// NewFromProvider creates an engine on a device shared by a host
// application. The engine never destroys the shared device.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Engine, error) {
	d, err := gpu.FromProvider(provider)
	if err != nil {
		return nil, err
	}
	e, err := New(d.Device, d.Queue, opts...)
	if err != nil {
		return nil, err
	}
	e.adopted = d
	return e, nil
}

// effective disables the cadence when there is no denoiser.
func (e *Engine) effective(cfg cadence.Config) cadence.Config {
	cfg = cfg.Normalize()
	if e.session == nil {
		cfg = cfg.Disabled()
	}
	return cfg
}

// Cadence returns the cadence that applies to the next frame.
func (e *Engine) Cadence() cadence.Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.cadence
}

// SetCadence changes the denoise cadence from the next frame on. cfg is
// normalized; without a denoiser it stays disabled.
func (e *Engine) SetCadence(cfg cadence.Config) {
	cfg = e.effective(cfg)
	e.cfgMu.Lock()
	e.cadence = cfg
	e.cfgMu.Unlock()
}

// Denoiser returns the name of the active denoiser backend, or "none".
func (e *Engine) Denoiser() string {
	if e.session == nil {
		return denoiser.None
	}
	return e.session.Backend()
}

// Frame returns the current accumulation frame, -1 after a reset.
func (e *Engine) Frame() int { return e.frame.Index }

// ResetAccumulation restarts accumulation at the next frame.
func (e *Engine) ResetAccumulation() { e.frame.Reset() }

// RenderFrame records and submits the next frame seen from cam. A camera
// different from the previous frame's restarts accumulation.
//
// RenderFrame blocks only while all frame slots are in flight. It returns
// ErrConverged, without submitting, once the maximum frame was rendered.
func (e *Engine) RenderFrame(ctx context.Context, cam cadence.Camera) (framegraph.Plan, error) {
	if e.closed.Load() {
		return framegraph.Plan{}, ErrClosed
	}
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return framegraph.Plan{}, err
	}
	release := sync.OnceFunc(func() { e.slots.Release(1) })

	cfg := e.Cadence()
	if !e.frame.Update(e.frame.Observe(cam)) {
		release()
		return framegraph.Plan{}, ErrConverged
	}

	frame, maxFrames := e.frame.Index, e.frame.MaxFrames
	in := framegraph.FrameInput{
		Frame:           frame,
		MaxFrames:       maxFrames,
		Camera:          cam,
		Slot:            int(e.seq % uint64(e.inFlight)),
		Denoise:         cadence.NeedsDenoise(frame, maxFrames, cfg),
		DisplayDenoised: cadence.ShouldDisplayDenoised(frame, maxFrames, cfg),
		DenoisedFrame:   cadence.DenoisedFrame(frame, maxFrames, cfg),
		Blend:           cfg.BlendFactor,
		OnComplete: func(info framegraph.FrameInfo) {
			e.presented(info)
			release()
		},
	}
	e.seq++

	plan, err := e.asm.Frame(ctx, in)
	if err != nil {
		e.releaseAfterQueue(release)
		return plan, err
	}
	e.metrics.Frame(plan.Kind.String())
	return plan, nil
}

// releaseAfterQueue frees a slot once everything already queued, which may
// still reference the slot, has completed.
func (e *Engine) releaseAfterQueue(release func()) {
	err := e.queue.Submit(queue.Submission{
		Label:      "slot_release",
		OnComplete: func(error) { release() },
	})
	if err != nil {
		release()
	}
}

func (e *Engine) presented(info framegraph.FrameInfo) {
	e.statusMu.Lock()
	e.clock.tick(time.Now())
	e.status.Frame = info.Frame
	e.status.DenoisedFrame = -1
	if info.Denoised {
		e.status.DenoisedFrame = info.DenoisedFrame
	}
	e.statusMu.Unlock()

	e.metrics.Presented(info.Denoised, info.Err)
	e.metrics.Timeline(e.timeline.Value())
}

func (e *Engine) onDenoise(wait, signal uint64, took time.Duration) {
	e.metrics.Denoise(took)
	Logger().Debug("rtdenoise: denoised", "wait", wait, "signal", signal, "took", took)
}

// Status returns the progress of the last presented frame.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	s := e.status
	s.FPS = e.clock.fps()
	s.FrameTime = e.clock.avg
	return s
}

// Resize recreates the guide and transfer buffers and restarts
// accumulation. While a denoise hand-off is in progress the resize is
// deferred until it completes, and Resize returns nil.
func (e *Engine) Resize(ctx context.Context, width, height uint32) error {
	if e.closed.Load() {
		return ErrClosed
	}
	var err error
	ran := e.orch.WhenIdle(func() {
		err = e.resize(ctx, width, height)
		if err != nil {
			Logger().Error("rtdenoise: resize failed", "width", width, "height", height, "err", err)
		}
	})
	if !ran {
		e.metrics.DeferredResize()
		Logger().Info("rtdenoise: resize deferred until denoise completes", "width", width, "height", height)
	}
	return err
}

func (e *Engine) resize(ctx context.Context, width, height uint32) error {
	if err := e.queue.WaitIdle(ctx); err != nil {
		return fmt.Errorf("wait idle: %w", err)
	}
	// Transfer buffers first: a failed allocation keeps the old ones, which
	// still match the guide buffers.
	if e.session != nil {
		if err := e.session.AllocateTransferBuffers(width, height); err != nil {
			return fmt.Errorf("allocate transfer buffers: %w", err)
		}
	}
	if err := e.buffers.Resize(width, height); err != nil {
		e.restoreTransfer()
		return err
	}
	e.statusMu.Lock()
	e.status.Width, e.status.Height = width, height
	e.statusMu.Unlock()
	Logger().Info("rtdenoise: resized", "width", width, "height", height, "generation", e.buffers.Generation())
	return nil
}

// restoreTransfer sizes the transfer buffers back to the guide buffers after
// a failed resize. If that fails too, denoising stops so frames keep
// rendering as single submissions.
func (e *Engine) restoreTransfer() {
	if e.session == nil {
		return
	}
	w, h := e.buffers.Size()
	if w == 0 || h == 0 {
		e.session.Transfer().Free()
		return
	}
	if err := e.session.AllocateTransferBuffers(w, h); err != nil {
		Logger().Warn("rtdenoise: transfer buffers lost, denoising disabled", "width", w, "height", h, "err", err)
		e.cfgMu.Lock()
		e.cadence = e.cadence.Disabled()
		e.cfgMu.Unlock()
	}
}

// Snapshot copies a guide buffer back to the host once every frame
// submitted so far has completed, and decodes it to 8 bits.
func (e *Engine) Snapshot(ctx context.Context, name gbuffer.Name) (*image.RGBA, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	h := e.buffers.Get(name)
	if !h.Valid() {
		return nil, gbuffer.ErrNotAllocated
	}
	pitch := h.RowPitch()
	size := uint64(pitch) * uint64(h.Height)
	buf, err := e.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "snapshot_" + name.String(),
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create readback buffer: %w", err)
	}

	cb, err := e.recordReadback(h, buf, pitch)
	if err != nil {
		e.device.DestroyBuffer(buf)
		return nil, err
	}

	type result struct {
		img *image.RGBA
		err error
	}
	done := make(chan result, 1)
	err = e.queue.Submit(queue.Submission{
		Label:          "snapshot",
		CommandBuffers: []hal.CommandBuffer{cb},
		OnComplete: func(err error) {
			defer e.device.DestroyBuffer(buf)
			if err != nil {
				done <- result{err: err}
				return
			}
			img, err := e.readback(name, buf, h, pitch, size)
			done <- result{img: img, err: err}
		},
	})
	if err != nil {
		e.device.FreeCommandBuffer(cb)
		e.device.DestroyBuffer(buf)
		return nil, fmt.Errorf("submit snapshot: %w", err)
	}

	select {
	case r := <-done:
		return r.img, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) recordReadback(h gbuffer.Handle, buf hal.Buffer, pitch uint32) (hal.CommandBuffer, error) {
	enc, err := e.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "snapshot"})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := enc.BeginEncoding("snapshot"); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	rng := hal.TextureRange{Aspect: gputypes.TextureAspectAll}
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: h.Texture,
		Range:   rng,
		Usage:   hal.TextureUsageTransition{OldUsage: h.Name.Resting(), NewUsage: gputypes.TextureUsageCopySrc},
	}})
	enc.CopyTextureToBuffer(h.Texture, buf, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: h.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: h.Texture, Aspect: gputypes.TextureAspectAll},
		Size:         h.Extent(),
	}})
	enc.TransitionTextures([]hal.TextureBarrier{{
		Texture: h.Texture,
		Range:   rng,
		Usage:   hal.TextureUsageTransition{OldUsage: gputypes.TextureUsageCopySrc, NewUsage: h.Name.Resting()},
	}})
	cb, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("end encoding: %w", err)
	}
	return cb, nil
}

func (e *Engine) readback(name gbuffer.Name, buf hal.Buffer, h gbuffer.Handle, pitch uint32, size uint64) (*image.RGBA, error) {
	mapping, err := e.device.MapBuffer(buf, 0, size)
	if err != nil {
		return nil, fmt.Errorf("map readback buffer: %w", err)
	}
	defer func() { _ = e.device.UnmapBuffer(buf) }()
	data := unsafe.Slice((*byte)(mapping.Ptr), size)
	return gbuffer.Decode(name, data, h.Width, h.Height, pitch)
}

// Close drains the render queue, closes the denoiser session and releases
// the engine's buffers. The device itself is left to its owner.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := e.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	e.orch.Close()
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close denoiser: %w", err))
		}
		Logger().Info("rtdenoise: denoiser session closed", "session", e.session.ID())
	}
	if e.tonemap != nil {
		e.tonemap.Destroy()
	}
	e.buffers.Destroy()
	if e.adopted != nil {
		if err := e.adopted.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// teardown releases what New created before failing.
func (e *Engine) teardown() {
	if e.queue != nil {
		_ = e.queue.Close(context.Background())
	}
	if e.orch != nil {
		e.orch.Close()
	}
	if e.session != nil {
		_ = e.session.Close()
	}
	if e.tonemap != nil {
		e.tonemap.Destroy()
	}
	if e.buffers != nil {
		e.buffers.Destroy()
	}
}
