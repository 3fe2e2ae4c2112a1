package klock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New("test")
	assert.False(t, l.Held())

	l.Acquire(0)
	assert.True(t, l.Held())
	assert.NotPanics(t, l.AssertHeld)

	l.Release(0)
	assert.False(t, l.Held())
}

func TestRecursiveAcquirePanics(t *testing.T) {
	l := New("test")
	l.Acquire(2)
	defer l.Release(2)

	require.Panics(t, func() { l.Acquire(2) })
}

func TestForeignReleasePanics(t *testing.T) {
	l := New("test")
	l.Acquire(0)
	defer l.Release(0)

	require.Panics(t, func() { l.Release(1) })
}

func TestAssertHeldPanicsWhenFree(t *testing.T) {
	l := New("test")
	require.Panics(t, l.AssertHeld)
}

func TestAuxContext(t *testing.T) {
	l := New("test")
	l.Acquire(Aux)
	assert.True(t, l.Held())
	l.Release(Aux)
	assert.False(t, l.Held())
}

func TestConcurrentAuxContextsSerialize(t *testing.T) {
	l := New("test")
	l.Acquire(Aux)

	// A second non-processor context must block, not panic as recursive.
	entered := make(chan struct{})
	go func() {
		l.Acquire(Aux)
		close(entered)
		l.Release(Aux)
	}()

	select {
	case <-entered:
		t.Fatal("second aux context entered while the first held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release(Aux)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second aux context never acquired the lock")
	}
}
