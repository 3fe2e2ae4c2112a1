// Package klock provides the named kernel locks that serialize access to the
// environment table, the page tables, and the console.
//
// Locks are never acquired recursively. Code that must call a lock-requiring
// operation while already holding the lock calls the operation's documented
// caller-must-hold variant, which asserts the guard instead of re-acquiring it.
package klock

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// NoCPU marks a lock with no owner.
const NoCPU int32 = -1

// Aux identifies non-processor contexts (the monitor, the debug API) that
// take kernel locks without being a scheduled CPU.
const Aux int32 = 1 << 30

// Lock guards one named critical section. It records the owning processor so
// recursive acquisition and foreign release are detected instead of deadlocking
// or silently corrupting state.
type Lock struct {
	name  string
	mu    sync.Mutex
	owner atomic.Int32
}

// New creates a named lock.
func New(name string) *Lock {
	l := &Lock{name: name}
	l.owner.Store(NoCPU)
	return l
}

// Name returns the critical section's name.
func (l *Lock) Name() string { return l.name }

// Acquire takes the lock for the given processor. Re-acquiring a lock already
// held by the same processor is a protocol violation. All non-processor
// contexts share the Aux identity, so for Aux the ownership check does not
// apply and concurrent acquirers serialize on the mutex.
func (l *Lock) Acquire(cpu int32) {
	if cpu != Aux && l.owner.Load() == cpu {
		panic(fmt.Sprintf("klock: cpu %d re-acquiring %q", cpu, l.name))
	}
	l.mu.Lock()
	l.owner.Store(cpu)
}

// Release drops the lock. Only the owning processor may release it.
func (l *Lock) Release(cpu int32) {
	if l.owner.Load() != cpu {
		panic(fmt.Sprintf("klock: cpu %d releasing %q owned by %d", cpu, l.name, l.owner.Load()))
	}
	l.owner.Store(NoCPU)
	l.mu.Unlock()
}

// Held reports whether any processor holds the lock.
func (l *Lock) Held() bool { return l.owner.Load() != NoCPU }

// AssertHeld panics unless the lock is held. Inner helpers that document
// "caller must hold" call this instead of re-acquiring.
func (l *Lock) AssertHeld() {
	if !l.Held() {
		panic(fmt.Sprintf("klock: %q not held", l.name))
	}
}
