// Package sync provides the spinlock used to serialize access to the memory
// allocators from multiple cores.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked while spinning; when nil the lock simply keeps
	// spinning.
	yieldFn func()
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which a spinning task invokes yieldFn.
const attemptsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. There is no timeout. The zero value is an
// unlocked lock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		// Spin on a plain load so contending cores do not keep bouncing
		// the cache line with failed CAS instructions.
		for atomic.LoadUint32(&l.state) != 0 {
			if attempts++; attempts >= attemptsBeforeYielding && yieldFn != nil {
				yieldFn()
				attempts = 0
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
