package pipeline

import (
	"context"
	"sync"
)

// fifo is the receptionist gate: a single-slot lock whose waiters are served
// strictly in arrival order. Receptionist runs mutate shared memory models
// on the client, so only one may run at a time, and fairness matters when a
// burst of messages arrives.
type fifo struct {
	mu    sync.Mutex
	busy  bool
	queue []chan struct{}
}

// acquire blocks until the caller holds the slot or ctx is done.
func (f *fifo) acquire(ctx context.Context) error {
	f.mu.Lock()
	if !f.busy {
		f.busy = true
		f.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	f.queue = append(f.queue, turn)
	f.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		f.mu.Lock()
		for i, ch := range f.queue {
			if ch == turn {
				f.queue = append(f.queue[:i], f.queue[i+1:]...)
				f.mu.Unlock()
				return ctx.Err()
			}
		}
		f.mu.Unlock()
		// The slot was handed to us between ctx.Done and the lock;
		// pass it on.
		f.release()
		return ctx.Err()
	}
}

// release hands the slot to the oldest waiter, or frees it.
func (f *fifo) release() {
	f.mu.Lock()
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		close(next)
		return
	}
	f.busy = false
	f.mu.Unlock()
}

// waiting reports the queue depth, for observability.
func (f *fifo) waiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
