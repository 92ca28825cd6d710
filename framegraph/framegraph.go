// Package framegraph records one frame of the hybrid pipeline and submits
// it to the render queue.
//
// A frame is recorded in a fixed order: scene update, trace, staging of the
// guide buffers, the denoise boundary, retrieval of the denoised result,
// tonemap. On frames without a denoise the boundary and both copies are
// left out and the frame is a single submission. On denoise frames the
// recording is split at the boundary into two submissions chained through
// the timeline by the orchestrator.
package framegraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rtdenoise/cadence"
	"github.com/gogpu/rtdenoise/gbuffer"
	"github.com/gogpu/rtdenoise/internal/queue"
	"github.com/gogpu/rtdenoise/orchestrator"
	"github.com/gogpu/rtdenoise/transfer"
)

// Kind tells the submission patterns apart.
type Kind int

const (
	// SingleSubmission is one command buffer covering the whole frame.
	SingleSubmission Kind = iota

	// ChainedSubmission is two command buffers with the denoise between
	// them.
	ChainedSubmission
)

func (k Kind) String() string {
	switch k {
	case SingleSubmission:
		return "single"
	case ChainedSubmission:
		return "chained"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Plan describes how a frame was submitted.
type Plan struct {
	Kind Kind

	// BoundarySignal is the value signaled once the guide buffers are
	// staged. Zero for single submissions.
	BoundarySignal uint64

	// ResumeWait is the value the second submission waits on.
	ResumeWait uint64
}

// FrameInput is the per-frame state handed to the collaborators.
type FrameInput struct {
	Frame     int
	MaxFrames int
	Camera    cadence.Camera

	// Slot is the frame-in-flight slot. Per-slot resources may be reused
	// only after the previous frame in the slot has completed.
	Slot int

	// Denoise requests a denoise hand-off this frame.
	Denoise bool

	// DisplayDenoised selects the denoised buffer as tonemap source.
	DisplayDenoised bool

	// DenoisedFrame is the frame whose denoised output is displayed, or -1.
	DenoisedFrame int

	Blend float32

	// OnComplete, if set, runs after the presenter once the frame has
	// completed on the device.
	OnComplete func(FrameInfo)
}

// FrameInfo reports a completed frame.
type FrameInfo struct {
	Frame         int
	Plan          Plan
	Denoised      bool
	DenoisedFrame int
	Display       gbuffer.Handle

	// Err is set when the frame did not execute completely.
	Err error
}

// Tracer produces the path-traced result and the guide buffers.
type Tracer interface {
	UpdateScene(enc hal.CommandEncoder, in FrameInput) error
	Trace(enc hal.CommandEncoder, in FrameInput, out Targets) error
}

// Targets are the buffers the tracer writes.
type Targets struct {
	Result gbuffer.Handle
	Albedo gbuffer.Handle
	Normal gbuffer.Handle
}

// Tonemapper converts an HDR buffer into the display buffer.
type Tonemapper interface {
	Tonemap(enc hal.CommandEncoder, src, dst gbuffer.Handle) error
}

// Presenter receives completed frames, once each and in frame order. It is
// called on the render queue goroutine.
type Presenter interface {
	Present(FrameInfo)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(FrameInfo)

// Present implements Presenter.
func (f PresenterFunc) Present(info FrameInfo) { f(info) }

// Config wires an Assembler.
type Config struct {
	Device       hal.Device
	Queue        *queue.Processor
	Buffers      *gbuffer.Set
	Transfer     *transfer.Transfer
	Orchestrator *orchestrator.Orchestrator

	Tracer     Tracer
	Tonemapper Tonemapper
	Presenter  Presenter
}

// Assembler records and submits frames. It is used by the submission
// goroutine only.
type Assembler struct {
	cfg Config
}

// New returns an assembler. Tracer, Tonemapper and Presenter may be nil.
func New(cfg Config) (*Assembler, error) {
	if cfg.Device == nil || cfg.Queue == nil || cfg.Buffers == nil || cfg.Orchestrator == nil {
		return nil, errors.New("framegraph: device, queue, buffers and orchestrator are required")
	}
	if cfg.Transfer == nil {
		cfg.Transfer = transfer.Disabled()
	}
	return &Assembler{cfg: cfg}, nil
}

// SetTransfer replaces the transfer used for staging, after a session
// change.
func (a *Assembler) SetTransfer(t *transfer.Transfer) {
	if t == nil {
		t = transfer.Disabled()
	}
	a.cfg.Transfer = t
}

// Frame records and submits one frame. It never waits for the device.
func (a *Assembler) Frame(ctx context.Context, in FrameInput) (Plan, error) {
	if err := ctx.Err(); err != nil {
		return Plan{}, err
	}
	if !a.cfg.Buffers.Get(gbuffer.Result).Valid() {
		return Plan{}, gbuffer.ErrNotAllocated
	}
	chained := in.Denoise && a.cfg.Orchestrator.Enabled() && a.cfg.Transfer.Enabled()

	enc, err := a.begin("frame")
	if err != nil {
		return Plan{}, err
	}
	if err := a.recordTrace(enc, in); err != nil {
		enc.DiscardEncoding()
		return Plan{}, err
	}
	if !chained {
		if err := a.recordDisplay(enc, in.DisplayDenoised); err != nil {
			enc.DiscardEncoding()
			return Plan{}, err
		}
		cb, err := enc.EndEncoding()
		if err != nil {
			return Plan{}, fmt.Errorf("end encoding: %w", err)
		}
		plan := Plan{Kind: SingleSubmission}
		err = a.cfg.Queue.Submit(queue.Submission{
			Label:          "frame",
			CommandBuffers: []hal.CommandBuffer{cb},
			OnComplete:     a.complete(in, plan),
		})
		if err != nil {
			a.cfg.Device.FreeCommandBuffer(cb)
			return Plan{}, fmt.Errorf("submit frame: %w", err)
		}
		slogger().Debug("framegraph: frame submitted", "frame", in.Frame, "plan", plan.Kind)
		return plan, nil
	}

	if err := a.cfg.Transfer.Stage(enc, transfer.Inputs{
		Result: a.cfg.Buffers.Get(gbuffer.Result),
		Albedo: a.cfg.Buffers.Get(gbuffer.Albedo),
		Normal: a.cfg.Buffers.Get(gbuffer.Normal),
	}); err != nil {
		enc.DiscardEncoding()
		return Plan{}, fmt.Errorf("stage: %w", err)
	}
	first, err := enc.EndEncoding()
	if err != nil {
		return Plan{}, fmt.Errorf("end encoding: %w", err)
	}

	var boundary uint64
	wait, err := a.cfg.Orchestrator.Handoff(func(signal uint64) error {
		boundary = signal
		return a.cfg.Queue.Submit(queue.Submission{
			Label:          "frame_render",
			CommandBuffers: []hal.CommandBuffer{first},
			Signal:         signal,
		})
	}, in.Blend)
	if err != nil {
		a.cfg.Device.FreeCommandBuffer(first)
		return Plan{}, fmt.Errorf("denoise handoff: %w", err)
	}
	plan := Plan{Kind: ChainedSubmission, BoundarySignal: boundary, ResumeWait: wait}

	// From here the resume must be submitted even if recording fails, or
	// the orchestrator would never return to Idle.
	second, recErr := a.recordResume(in)
	var cmds []hal.CommandBuffer
	if second != nil {
		cmds = []hal.CommandBuffer{second}
	}
	done := a.complete(in, plan)
	err = a.cfg.Orchestrator.Resume(func(wait uint64) error {
		return a.cfg.Queue.Submit(queue.Submission{
			Label:          "frame_resume",
			CommandBuffers: cmds,
			Wait:           wait,
			OnComplete: func(err error) {
				if err == nil {
					err = recErr
				}
				done(err)
			},
		})
	})
	if err != nil {
		if second != nil {
			a.cfg.Device.FreeCommandBuffer(second)
		}
		return plan, err
	}
	if recErr != nil {
		return plan, recErr
	}
	slogger().Debug("framegraph: frame submitted", "frame", in.Frame, "plan", plan.Kind,
		"signal", plan.BoundarySignal, "wait", plan.ResumeWait)
	return plan, nil
}

func (a *Assembler) begin(label string) (hal.CommandEncoder, error) {
	enc, err := a.cfg.Device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	return enc, nil
}

func (a *Assembler) recordTrace(enc hal.CommandEncoder, in FrameInput) error {
	if a.cfg.Tracer == nil {
		return nil
	}
	if err := a.cfg.Tracer.UpdateScene(enc, in); err != nil {
		return fmt.Errorf("scene update: %w", err)
	}
	err := a.cfg.Tracer.Trace(enc, in, Targets{
		Result: a.cfg.Buffers.Get(gbuffer.Result),
		Albedo: a.cfg.Buffers.Get(gbuffer.Albedo),
		Normal: a.cfg.Buffers.Get(gbuffer.Normal),
	})
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return nil
}

func (a *Assembler) recordResume(in FrameInput) (hal.CommandBuffer, error) {
	enc, err := a.begin("frame_resume")
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Transfer.Retrieve(enc, a.cfg.Buffers.Get(gbuffer.Denoised)); err != nil {
		enc.DiscardEncoding()
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	if err := a.recordDisplay(enc, in.DisplayDenoised); err != nil {
		enc.DiscardEncoding()
		return nil, err
	}
	cb, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("end encoding: %w", err)
	}
	return cb, nil
}

func (a *Assembler) recordDisplay(enc hal.CommandEncoder, denoised bool) error {
	if a.cfg.Tonemapper == nil {
		return nil
	}
	src := a.cfg.Buffers.Get(gbuffer.Result)
	if denoised {
		src = a.cfg.Buffers.Get(gbuffer.Denoised)
	}
	if err := a.cfg.Tonemapper.Tonemap(enc, src, a.cfg.Buffers.Get(gbuffer.Display)); err != nil {
		return fmt.Errorf("tonemap: %w", err)
	}
	return nil
}

func (a *Assembler) complete(in FrameInput, plan Plan) func(error) {
	display := a.cfg.Buffers.Get(gbuffer.Display)
	presenter := a.cfg.Presenter
	return func(err error) {
		info := FrameInfo{
			Frame:         in.Frame,
			Plan:          plan,
			Denoised:      in.DisplayDenoised,
			DenoisedFrame: in.DenoisedFrame,
			Display:       display,
			Err:           err,
		}
		if presenter != nil {
			presenter.Present(info)
		}
		if in.OnComplete != nil {
			in.OnComplete(info)
		}
	}
}
