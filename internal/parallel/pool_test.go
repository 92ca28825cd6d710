package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
}

func TestWorkerPool_CreateZeroWorkers(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	if pool.Workers() != runtime.GOMAXPROCS(0) {
		t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", pool.Workers(), runtime.GOMAXPROCS(0))
	}
}

func TestWorkerPool_ExecuteAll(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	work := make([]func(), 100)
	for i := range work {
		work[i] = func() { counter.Add(1) }
	}
	pool.ExecuteAll(work)

	if counter.Load() != 100 {
		t.Errorf("counter = %d, want 100", counter.Load())
	}
}

func TestWorkerPool_ExecuteAfterCloseRunsInline(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close()

	ran := 0
	pool.ExecuteAll([]func(){func() { ran++ }, func() { ran++ }})
	if ran != 2 {
		t.Errorf("ran %d work items after Close, want 2", ran)
	}
}

func TestWorkerPool_Rows(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		height  int
		minRows int
	}{
		{"single row", 4, 1, 8},
		{"exact bands", 4, 64, 4},
		{"uneven", 3, 101, 5},
		{"more workers than rows", 16, 7, 1},
		{"zero min rows", 2, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(tt.workers)
			defer pool.Close()

			var mu sync.Mutex
			covered := make([]int, tt.height)
			pool.Rows(tt.height, tt.minRows, func(y0, y1 int) {
				if y1-y0 < 1 {
					t.Errorf("empty band [%d,%d)", y0, y1)
				}
				mu.Lock()
				for y := y0; y < y1; y++ {
					covered[y]++
				}
				mu.Unlock()
			})
			for y, n := range covered {
				if n != 1 {
					t.Fatalf("row %d covered %d times", y, n)
				}
			}
		})
	}
}

func TestWorkerPool_RowsEmpty(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()
	pool.Rows(0, 4, func(int, int) { t.Error("called for empty image") })
}
