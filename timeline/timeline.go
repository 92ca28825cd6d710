// Package timeline implements a counter-based timeline semaphore shared by
// the render queue and the denoise device.
//
// A Signal holds a monotonically increasing uint64 value. Producers advance
// it when device work completes; consumers wait until it reaches a target.
// Waiting never polls: each waiter parks on a channel that is closed when
// the value passes its target.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotMonotonic is returned when a signal would not advance the value.
var ErrNotMonotonic = errors.New("timeline: signal value must increase")

// Signal is a timeline semaphore. The zero value is ready to use and starts
// at 0. Signal is safe for concurrent use.
type Signal struct {
	mu      sync.Mutex
	value   uint64
	waiters []waiter // sorted by target
}

type waiter struct {
	target uint64
	ch     chan struct{}
}

// New returns a Signal starting at initial.
func New(initial uint64) *Signal {
	return &Signal{value: initial}
}

// Value returns the last signaled value.
func (s *Signal) Value() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Signal advances the timeline to v and releases every waiter whose target
// is now reached. v must be strictly greater than the current value.
func (s *Signal) Signal(v uint64) error {
	s.mu.Lock()
	if v <= s.value {
		cur := s.value
		s.mu.Unlock()
		return fmt.Errorf("%w: %d after %d", ErrNotMonotonic, v, cur)
	}
	s.value = v
	n := sort.Search(len(s.waiters), func(i int) bool { return s.waiters[i].target > v })
	ready := s.waiters[:n]
	s.waiters = append([]waiter(nil), s.waiters[n:]...)
	s.mu.Unlock()

	for _, w := range ready {
		close(w.ch)
	}
	return nil
}

// Reached returns a channel that is closed once the value is at least v.
func (s *Signal) Reached(v uint64) <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value >= v {
		close(ch)
		return ch
	}
	i := sort.Search(len(s.waiters), func(i int) bool { return s.waiters[i].target > v })
	s.waiters = append(s.waiters, waiter{})
	copy(s.waiters[i+1:], s.waiters[i:])
	s.waiters[i] = waiter{target: v, ch: ch}
	return ch
}

// Wait blocks until the value is at least v or ctx is done.
func (s *Signal) Wait(ctx context.Context, v uint64) error {
	select {
	case <-s.Reached(v):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of parked waiters.
func (s *Signal) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
