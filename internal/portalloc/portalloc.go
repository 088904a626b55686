// Package portalloc implements a bounded, blocking TCP port allocator.
//
// A fixed range of ports [first, last] is handed out to callers one at a
// time; alloc blocks while the pool is empty and dealloc wakes exactly one
// waiter. The allocator never binds a socket itself, it only serializes
// intent to use a port number.
package portalloc

import (
	"context"
	"fmt"
	"sync"
)

// Allocator hands out ports from a closed range [First, Last].
type Allocator struct {
	mu    sync.Mutex
	cond  *sync.Cond
	free  []uint16
	first uint16
	last  uint16
}

// New creates an allocator over [first, last]. Panics if first > last,
// mirroring the construction precondition of the original allocator.
func New(first, last uint16) *Allocator {
	if first > last {
		panic(fmt.Sprintf("portalloc: first (%d) > last (%d)", first, last))
	}

	free := make([]uint16, 0, int(last-first)+1)
	for p := first; ; p++ {
		free = append(free, p)
		if p == last {
			break
		}
	}

	a := &Allocator{
		free:  free,
		first: first,
		last:  last,
	}
	a.cond = sync.NewCond(&a.mu)

	return a
}

// Alloc blocks until a port is free, then removes it from the pool and
// returns it. If ctx is cancelled while waiting, it returns ctx.Err().
// A nil ctx behaves like context.Background (never cancels).
func (a *Allocator) Alloc(ctx context.Context) (uint16, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Wake the wait on cancellation by watching in a side goroutine; the
	// condvar itself has no cancellation primitive.
	done := make(chan struct{})
	defer close(done)

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				// Taking the mutex orders the broadcast after the waiter's
				// ctx check, so the wake-up cannot be lost.
				a.mu.Lock()
				a.cond.Broadcast()
				a.mu.Unlock()
			case <-done:
			}
		}()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for len(a.free) == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		a.cond.Wait()
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := len(a.free) - 1
	port := a.free[n]
	a.free = a.free[:n]

	return port, nil
}

// Dealloc returns port to the free pool and wakes one waiter. It panics if
// port falls outside [First, Last] (a precondition violation); it is a
// no-op-correct if port is already free, though double-dealloc is a bug on
// the caller's part.
func (a *Allocator) Dealloc(port uint16) {
	if port < a.first || port > a.last {
		panic(fmt.Sprintf("portalloc: port %d outside range [%d, %d]", port, a.first, a.last))
	}

	a.mu.Lock()
	a.free = append(a.free, port)
	a.mu.Unlock()

	a.cond.Signal()
}

// PoolSize returns the current number of free ports. Observational only.
func (a *Allocator) PoolSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.free)
}

// First returns the lower bound of the managed range.
func (a *Allocator) First() uint16 { return a.first }

// Last returns the upper bound of the managed range.
func (a *Allocator) Last() uint16 { return a.last }
