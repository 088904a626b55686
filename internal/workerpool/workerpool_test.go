package workerpool_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fclairamb/portxferd/internal/workerpool"
)

func TestSubmitRunsAllTasks(t *testing.T) {
	p := workerpool.New(4, 16)

	var count int64

	for i := 0; i < 50; i++ {
		p.Submit(func() {
			atomic.AddInt64(&count, 1)
		})
	}

	p.Shutdown()

	assert.EqualValues(t, 50, atomic.LoadInt64(&count))
}

func TestShutdownDrainsQueuedTasksBeforeReturning(t *testing.T) {
	p := workerpool.New(1, 8)

	var ran int32

	for i := 0; i < 5; i++ {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&ran, 1)
		})
	}

	p.Shutdown()

	assert.EqualValues(t, 5, atomic.LoadInt32(&ran))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := workerpool.New(2, 8)

	var current, maxSeen int32

	for i := 0; i < 6; i++ {
		p.Submit(func() {
			n := atomic.AddInt32(&current, 1)

			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
		})
	}

	p.Shutdown()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}
