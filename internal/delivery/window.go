package delivery

import (
	"context"
	"sync"
)

// window bounds the number of batches in flight for one partition.
// Acquire blocks while the window is full, which stalls the partition's
// poll loop.
type window struct {
	capacity int

	mu     sync.Mutex
	cond   *sync.Cond
	used   int
	closed bool
}

func newWindow(capacity int) *window {
	if capacity < 1 {
		capacity = 1
	}
	w := &window{capacity: capacity}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *window) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.used >= w.capacity && ctx.Err() == nil && !w.closed {
		w.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.closed {
		return errWindowClosed
	}
	w.used++
	return nil
}

func (w *window) Release() {
	w.mu.Lock()
	if w.used > 0 {
		w.used--
	}
	w.mu.Unlock()
	w.cond.Broadcast()
}

func (w *window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used
}

// Close wakes every waiter; later Acquire calls fail.
func (w *window) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
}
