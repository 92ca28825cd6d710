// Package rtdenoise pipelines a progressive ray tracer with an asynchronous
// denoiser.
//
// # Overview
//
// Every frame the tracer adds samples to the result buffer and writes the
// albedo and normal guides. On the frames selected by the cadence (every N
// frames, optionally the first, always the last) the guides are staged to
// the denoise device, which runs concurrently with the render queue. The
// two are ordered only by a shared timeline: the render queue signals V
// once the copy-in is done, the denoiser waits on V and signals V+1, and
// the copy-out and display wait on V+1. The submitting goroutine never
// waits for either device.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/rtdenoise"
//	    _ "github.com/gogpu/rtdenoise/denoiser/cpu"
//	)
//
//	eng, err := rtdenoise.New(device, queue,
//	    rtdenoise.WithSize(1280, 720),
//	    rtdenoise.WithTracer(tracer),
//	    rtdenoise.WithPresenter(presenter),
//	)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(ctx)
//
//	for {
//	    if _, err := eng.RenderFrame(ctx, camera); errors.Is(err, rtdenoise.ErrConverged) {
//	        break
//	    }
//	}
//
// # Architecture
//
// The module is organized into:
//   - cadence: which frames are denoised and which show denoised output
//   - timeline: the monotonic signal shared by both devices
//   - gbuffer: the render targets
//   - transfer: copies between the render targets and the denoiser's memory
//   - denoiser: the denoise device surface and its backends (denoiser/cpu)
//   - orchestrator: the hand-off protocol and its timeline values
//   - framegraph: single or chained submission of one frame
//   - tonemap: the HDR to display compute pass
//
// Denoiser availability is decided at run time. Without a backend the
// engine logs a warning once and renders without denoising.
package rtdenoise
