// Package orchestrator sequences one denoise hand-off per frame between the
// render queue and the denoise device.
//
// A hand-off consumes two consecutive timeline values. The render
// submission signals V once the guide buffers are staged, the denoiser
// waits on V and signals V+1, and the resume submission waits on V+1
// before copying the result back. The CPU never waits on either value.
//
//	Idle -> RenderSubmitted -> DenoiseRunning -> DenoiseComplete -> Idle
//
// Work that must not overlap a hand-off, such as a resize, is deferred with
// [Orchestrator.WhenIdle] until the state returns to Idle.
package orchestrator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gogpu/rtdenoise/denoiser"
	"github.com/gogpu/rtdenoise/timeline"
)

var (
	// ErrNoSession is returned by Handoff when no denoiser is attached.
	ErrNoSession = errors.New("orchestrator: no denoiser session")

	// ErrState is returned when Handoff or Resume is called out of order.
	ErrState = errors.New("orchestrator: invalid state")

	// ErrSignalExhausted is returned when the timeline has no two values
	// left. At one hand-off per frame this takes longer than any program
	// runs.
	ErrSignalExhausted = errors.New("orchestrator: timeline values exhausted")
)

// State is the hand-off state.
type State int

const (
	Idle State = iota
	RenderSubmitted
	DenoiseRunning
	DenoiseComplete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RenderSubmitted:
		return "render-submitted"
	case DenoiseRunning:
		return "denoise-running"
	case DenoiseComplete:
		return "denoise-complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Orchestrator drives the hand-off. It is owned by the submission goroutine
// and is not safe for concurrent use, except for Close.
type Orchestrator struct {
	session  denoiser.Session
	timeline *timeline.Signal

	busy     bool
	last     uint64
	deferred []func()

	// Substitute signals pending for failed invocations.
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	subs   sync.WaitGroup
}

// New returns an orchestrator for session on tl. session may be nil, in
// which case Enabled reports false and only WhenIdle is useful.
func New(session denoiser.Session, tl *timeline.Signal) *Orchestrator {
	return &Orchestrator{session: session, timeline: tl, last: tl.Value(), done: make(chan struct{})}
}

// Enabled reports whether a denoiser session is attached.
func (o *Orchestrator) Enabled() bool { return o.session != nil }

// State returns the current state. Between Handoff and Resume it follows
// the timeline: RenderSubmitted until V is signaled, DenoiseRunning until
// V+1 is, DenoiseComplete after.
func (o *Orchestrator) State() State {
	if !o.busy {
		return Idle
	}
	switch v := o.timeline.Value(); {
	case v >= o.last:
		return DenoiseComplete
	case v+1 >= o.last:
		return DenoiseRunning
	default:
		return RenderSubmitted
	}
}

// Issued returns the last timeline value handed out.
func (o *Orchestrator) Issued() uint64 { return o.last }

// Deferred returns the number of functions waiting for Idle.
func (o *Orchestrator) Deferred() int { return len(o.deferred) }

// Handoff issues a fresh value V, calls submit(V) to enqueue the render
// commands that signal V, and queues the denoise V -> V+1. It returns V+1,
// the value the resume submission must wait on.
//
// If submit fails no values are consumed and the state stays Idle.
func (o *Orchestrator) Handoff(submit func(signal uint64) error, blend float32) (wait uint64, err error) {
	if o.session == nil {
		return 0, ErrNoSession
	}
	if o.busy {
		return 0, fmt.Errorf("%w: handoff in state %s", ErrState, o.State())
	}
	if o.last > math.MaxUint64-2 {
		return 0, ErrSignalExhausted
	}

	v := o.last + 1
	if err := submit(v); err != nil {
		return 0, fmt.Errorf("submit render: %w", err)
	}
	o.last = v + 1
	o.busy = true

	if err := o.session.Invoke(v, v+1, blend); err != nil {
		// Keep V+1 reachable so the resume submission cannot hang. The
		// queue orders the resume before any later signal, so V+1 is
		// still signaled in order.
		slogger().Warn("orchestrator: denoise not queued, substituting signal", "wait", v, "signal", v+1, "err", err)
		o.substitute(v, v+1)
	}
	slogger().Debug("orchestrator: handoff", "signal", v, "wait", v+1)
	return v + 1, nil
}

// substitute signals on behalf of the denoiser once wait is reached. It
// gives up when the orchestrator is closed, since the submission that
// signals wait may have been abandoned.
func (o *Orchestrator) substitute(wait, signal uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.subs.Add(1)
	go func() {
		defer o.subs.Done()
		select {
		case <-o.timeline.Reached(wait):
		case <-o.done:
			slogger().Warn("orchestrator: substitute signal dropped", "wait", wait, "signal", signal)
			return
		}
		if err := o.timeline.Signal(signal); err != nil {
			slogger().Error("orchestrator: substitute signal", "value", signal, "err", err)
		}
	}()
}

// Close stops pending substitute signals and waits for them to exit. It
// may be called from any goroutine and more than once.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
	o.mu.Unlock()
	o.subs.Wait()
}

// Resume calls submit with the value returned by the last Handoff, returns
// to Idle and runs deferred work. It does not wait for the denoise: the
// submitted work does. The state returns to Idle even when submit fails.
func (o *Orchestrator) Resume(submit func(wait uint64) error) error {
	if !o.busy {
		return fmt.Errorf("%w: resume in state %s", ErrState, Idle)
	}
	err := submit(o.last)
	o.busy = false
	o.runDeferred()
	if err != nil {
		return fmt.Errorf("submit resume: %w", err)
	}
	return nil
}

// WhenIdle runs fn now if no hand-off is in progress and reports true.
// Otherwise fn runs at the end of the next Resume, and WhenIdle reports
// false.
func (o *Orchestrator) WhenIdle(fn func()) (ran bool) {
	if !o.busy {
		fn()
		return true
	}
	o.deferred = append(o.deferred, fn)
	slogger().Debug("orchestrator: deferred until idle", "state", o.State(), "pending", len(o.deferred))
	return false
}

func (o *Orchestrator) runDeferred() {
	for len(o.deferred) > 0 {
		fn := o.deferred[0]
		o.deferred = o.deferred[1:]
		fn()
	}
	o.deferred = nil
}
