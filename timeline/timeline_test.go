package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSignal_Monotonic(t *testing.T) {
	s := New(0)
	if err := s.Signal(1); err != nil {
		t.Fatalf("Signal(1): %v", err)
	}
	if err := s.Signal(1); !errors.Is(err, ErrNotMonotonic) {
		t.Errorf("Signal(1) again: err = %v, want ErrNotMonotonic", err)
	}
	if err := s.Signal(0); !errors.Is(err, ErrNotMonotonic) {
		t.Errorf("Signal(0): err = %v, want ErrNotMonotonic", err)
	}
	if got := s.Value(); got != 1 {
		t.Errorf("Value() = %d, want 1", got)
	}
}

func TestSignal_ReachedAlreadyPassed(t *testing.T) {
	s := New(5)
	select {
	case <-s.Reached(3):
	default:
		t.Fatal("Reached(3) not closed at value 5")
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}

func TestSignal_ReleasesInOrder(t *testing.T) {
	s := New(0)
	c2 := s.Reached(2)
	c1 := s.Reached(1)
	c4 := s.Reached(4)

	if err := s.Signal(2); err != nil {
		t.Fatal(err)
	}
	for name, ch := range map[string]<-chan struct{}{"1": c1, "2": c2} {
		select {
		case <-ch:
		default:
			t.Errorf("waiter %s not released at 2", name)
		}
	}
	select {
	case <-c4:
		t.Error("waiter 4 released at 2")
	default:
	}
	if s.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", s.Pending())
	}

	// Skipping ahead releases everything at or below the new value.
	if err := s.Signal(10); err != nil {
		t.Fatal(err)
	}
	<-c4
}

func TestSignal_WaitContext(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait: err = %v, want DeadlineExceeded", err)
	}
}

func TestSignal_ConcurrentWaiters(t *testing.T) {
	s := New(0)
	const n = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			if err := s.Wait(context.Background(), v); err != nil {
				errs <- err
				return
			}
			if got := s.Value(); got < v {
				errs <- errors.New("woke before target")
			}
		}(uint64(i))
	}
	for i := 1; i <= n; i++ {
		if err := s.Signal(uint64(i)); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
