package mem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
)

func newTestAllocator(t *testing.T, npages int) *Allocator {
	t.Helper()
	lock := klock.New("page tables")
	lock.Acquire(klock.Aux)
	t.Cleanup(func() { lock.Release(klock.Aux) })
	return NewAllocator(npages, lock)
}

func TestAllocOrderAndCounts(t *testing.T) {
	a := newTestAllocator(t, 4)
	assert.Equal(t, 4, a.Total())
	assert.Equal(t, 4, a.FreeCount())

	f0, err := a.Alloc(false)
	require.NoError(t, err)
	assert.Equal(t, FrameNum(0), f0)

	f1, err := a.Alloc(false)
	require.NoError(t, err)
	assert.Equal(t, FrameNum(1), f1)
	assert.Equal(t, 2, a.FreeCount())
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestAllocator(t, 2)
	_, err := a.Alloc(false)
	require.NoError(t, err)
	_, err = a.Alloc(false)
	require.NoError(t, err)

	_, err = a.Alloc(false)
	require.ErrorIs(t, err, kerrors.ErrOutOfMemory)
}

func TestZeroFill(t *testing.T) {
	a := newTestAllocator(t, 2)
	f, err := a.Alloc(false)
	require.NoError(t, err)

	pg := a.Page(f)
	for i := range pg {
		pg[i] = 0xff
	}
	require.NoError(t, a.Free(f))

	f2, err := a.Alloc(true)
	require.NoError(t, err)
	require.Equal(t, f, f2)
	for _, b := range a.Page(f2) {
		if b != 0 {
			t.Fatalf("frame not zeroed")
		}
	}
}

func TestDirtyReuseWithoutZeroFill(t *testing.T) {
	a := newTestAllocator(t, 1)
	f, err := a.Alloc(false)
	require.NoError(t, err)
	a.Page(f)[0] = 0xab
	require.NoError(t, a.Free(f))

	f2, err := a.Alloc(false)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), a.Page(f2)[0])
}

func TestRefcountLifecycle(t *testing.T) {
	a := newTestAllocator(t, 2)
	f, err := a.Alloc(false)
	require.NoError(t, err)
	assert.Equal(t, int32(0), a.Refcnt(f))

	a.Incref(f)
	a.Incref(f)
	assert.Equal(t, int32(2), a.Refcnt(f))

	require.NoError(t, a.Decref(f))
	assert.Equal(t, 1, a.FreeCount())

	// Last reference returns the frame to the free list.
	require.NoError(t, a.Decref(f))
	assert.Equal(t, 2, a.FreeCount())
}

func TestDoubleFree(t *testing.T) {
	a := newTestAllocator(t, 2)
	f, err := a.Alloc(false)
	require.NoError(t, err)
	require.NoError(t, a.Free(f))

	err = a.Free(f)
	require.ErrorIs(t, err, kerrors.ErrProtocolViolation)
}

func TestFreeReferencedFrame(t *testing.T) {
	a := newTestAllocator(t, 2)
	f, err := a.Alloc(false)
	require.NoError(t, err)
	a.Incref(f)

	err = a.Free(f)
	require.ErrorIs(t, err, kerrors.ErrProtocolViolation)
}

func TestDecrefUnreferenced(t *testing.T) {
	a := newTestAllocator(t, 2)
	f, err := a.Alloc(false)
	require.NoError(t, err)

	err = a.Decref(f)
	require.ErrorIs(t, err, kerrors.ErrProtocolViolation)
}

func TestFreeOutOfRange(t *testing.T) {
	a := newTestAllocator(t, 2)
	err := a.Free(FrameNum(99))
	require.True(t, errors.Is(err, kerrors.ErrInvalidArgument))
}

func TestAllocRequiresLock(t *testing.T) {
	lock := klock.New("page tables")
	a := NewAllocator(1, lock)
	require.Panics(t, func() { _, _ = a.Alloc(false) })
}

func TestPageAlignmentHelpers(t *testing.T) {
	assert.True(t, PageAligned(0))
	assert.True(t, PageAligned(PageSize))
	assert.False(t, PageAligned(PageSize+1))
	assert.Equal(t, VAddr(PageSize), PageRoundDown(PageSize+123))
	assert.Equal(t, VAddr(2*PageSize), PageRoundUp(PageSize+1))
	assert.Equal(t, VAddr(PageSize), PageRoundUp(PageSize))
}
