// Package queue runs the render queue as an in-order command processor.
//
// Callers hand over recorded command buffers together with an optional
// timeline value to wait for and an optional value to signal. Submit never
// waits for the device: it only enqueues. A single executor goroutine then
// applies the device-side ordering: it parks until the wait value is
// reached, submits to the HAL queue, tracks completion, frees the command
// buffers and advances the timeline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rtdenoise/timeline"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue: processor closed")

// DefaultDepth bounds the number of submissions waiting for the executor.
const DefaultDepth = 16

// maxPoll caps the completion poll interval.
const maxPoll = 2 * time.Millisecond

// Submission is one unit of ordered device work.
type Submission struct {
	Label          string
	CommandBuffers []hal.CommandBuffer

	// Wait, when non-zero, delays execution until the timeline reaches it.
	Wait uint64

	// Signal, when non-zero, is signaled on the timeline after the command
	// buffers have completed on the device.
	Signal uint64

	// OnComplete runs on the executor goroutine after completion, in
	// submission order. err is non-nil when the work did not execute.
	OnComplete func(err error)
}

// Processor executes submissions in order on one goroutine.
type Processor struct {
	device   hal.Device
	queue    hal.Queue
	timeline *timeline.Signal
	poll     time.Duration

	mu        sync.RWMutex
	closed    bool
	pending   chan Submission
	closing   chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	submitted atomic.Uint64
	completed *timeline.Signal

	errMu sync.Mutex
	err   error
}

// Option configures a Processor.
type Option func(*Processor)

// WithDepth sets how many submissions may queue before Submit blocks.
func WithDepth(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.pending = make(chan Submission, n)
		}
	}
}

// WithPollInterval sets the first interval between completion checks. The
// interval doubles after every unsuccessful check, up to 2ms or d if larger.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.poll = d
		}
	}
}

// New starts a processor for queue. tl is the timeline shared with the
// other device.
func New(device hal.Device, queue hal.Queue, tl *timeline.Signal, opts ...Option) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		device:    device,
		queue:     queue,
		timeline:  tl,
		poll:      100 * time.Microsecond,
		pending:   make(chan Submission, DefaultDepth),
		closing:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		completed: timeline.New(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Timeline returns the timeline the processor waits on and signals.
func (p *Processor) Timeline() *timeline.Signal { return p.timeline }

// Submit enqueues s. It blocks only while the queue is full.
func (p *Processor) Submit(s Submission) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.submitted.Add(1)
	select {
	case p.pending <- s:
		return nil
	case <-p.closing:
		p.submitted.Add(^uint64(0))
		return ErrClosed
	}
}

// Submitted returns the number of accepted submissions.
func (p *Processor) Submitted() uint64 { return p.submitted.Load() }

// Completed returns the number of finished submissions.
func (p *Processor) Completed() uint64 { return p.completed.Value() }

// WaitIdle blocks until every submission accepted so far has completed.
func (p *Processor) WaitIdle(ctx context.Context) error {
	target := p.submitted.Load()
	if target == 0 {
		return nil
	}
	select {
	case <-p.completed.Reached(target):
		return p.Err()
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the first device error seen by the executor.
func (p *Processor) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Processor) setErr(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
}

// Close drains queued work and stops the executor. Submissions whose wait
// value is never reached are abandoned once ctx is done.
func (p *Processor) Close(ctx context.Context) error {
	// Release a Submit blocked on a full queue before taking the lock.
	p.closeOnce.Do(func() { close(p.closing) })
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.pending)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
		<-p.done
	}
	p.cancel()
	return p.Err()
}

func (p *Processor) run() {
	defer close(p.done)
	var seq uint64
	for s := range p.pending {
		seq++
		err := p.execute(s)
		if s.OnComplete != nil {
			s.OnComplete(err)
		}
		if err := p.completed.Signal(seq); err != nil {
			slogger().Error("queue: completion counter", "err", err)
		}
	}
}

func (p *Processor) execute(s Submission) error {
	defer p.free(s.CommandBuffers)

	if s.Wait > 0 {
		select {
		case <-p.timeline.Reached(s.Wait):
		case <-p.ctx.Done():
			slogger().Warn("queue: submission abandoned", "label", s.Label, "wait", s.Wait)
			return p.ctx.Err()
		}
	}

	var execErr error
	if len(s.CommandBuffers) > 0 {
		idx, err := p.queue.Submit(s.CommandBuffers)
		if err != nil {
			execErr = fmt.Errorf("submit %s: %w", s.Label, err)
			p.setErr(execErr)
			slogger().Error("queue: submit failed", "label", s.Label, "err", err)
		} else {
			p.awaitCompletion(idx)
		}
	}

	// A failed submission still signals so dependent work cannot hang.
	if s.Signal > 0 {
		if err := p.timeline.Signal(s.Signal); err != nil {
			p.setErr(err)
			slogger().Error("queue: signal failed", "label", s.Label, "value", s.Signal, "err", err)
			if execErr == nil {
				execErr = err
			}
		}
	}
	slogger().Debug("queue: submission complete", "label", s.Label, "wait", s.Wait, "signal", s.Signal)
	return execErr
}

func (p *Processor) awaitCompletion(idx uint64) {
	if p.queue.PollCompleted() >= idx {
		return
	}
	limit := max(p.poll, maxPoll)
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	for d := p.poll; p.queue.PollCompleted() < idx; {
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			return
		}
		d = min(d*2, limit)
		timer.Reset(d)
	}
}

func (p *Processor) free(cmds []hal.CommandBuffer) {
	for _, cb := range cmds {
		if cb != nil {
			p.device.FreeCommandBuffer(cb)
		}
	}
}
