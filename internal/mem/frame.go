// Package mem owns simulated physical memory: a byte arena divided into
// page-sized frames, tracked by a reference-counted free-list allocator.
//
// Frames are owned by the allocator and referenced, never owned, by page-table
// entries. A frame returns to the free list only when its reference count
// drops to zero; its contents are undefined from that point until the next
// zero-filled allocation.
package mem

import (
	"fmt"

	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
)

type frameInfo struct {
	refcnt int32
	next   FrameNum // free-list link, valid only while refcnt == 0 and free
	free   bool
}

// Allocator hands out frames from the arena. All operations require the
// page-table lock held by the caller; every method asserts the guard rather
// than re-acquiring it, so composed operations cannot self-deadlock.
type Allocator struct {
	lock   *klock.Lock
	arena  []byte
	frames []frameInfo
	head   FrameNum
	nfree  int
}

// NewAllocator reserves npages frames of simulated physical memory guarded by
// the given page-table lock.
func NewAllocator(npages int, lock *klock.Lock) *Allocator {
	a := &Allocator{
		lock:   lock,
		arena:  make([]byte, npages*PageSize),
		frames: make([]frameInfo, npages),
		head:   NoFrame,
		nfree:  npages,
	}
	// Link in reverse so allocation order starts at frame 0.
	for i := npages - 1; i >= 0; i-- {
		a.frames[i].free = true
		a.frames[i].next = a.head
		a.head = FrameNum(i)
	}
	return a
}

// Total returns the number of frames in the arena.
func (a *Allocator) Total() int { return len(a.frames) }

// FreeCount returns the number of frames currently on the free list.
func (a *Allocator) FreeCount() int { return a.nfree }

// Alloc removes a frame from the free list with reference count zero; the
// caller maps it (which increments the count) or frees it. zeroFill memsets
// the frame first so no prior tenant's bytes leak across environments.
// Caller must hold the page-table lock.
func (a *Allocator) Alloc(zeroFill bool) (FrameNum, error) {
	a.lock.AssertHeld()
	if a.head == NoFrame {
		return NoFrame, fmt.Errorf("frame alloc: %w", kerrors.ErrOutOfMemory)
	}
	f := a.head
	a.head = a.frames[f].next
	a.frames[f].free = false
	a.frames[f].next = NoFrame
	a.nfree--
	if zeroFill {
		clear(a.Page(f))
	}
	return f, nil
}

// Free returns a frame to the free list. The reference count must already be
// zero; freeing a referenced or already-free frame is a protocol violation.
// Caller must hold the page-table lock.
func (a *Allocator) Free(f FrameNum) error {
	a.lock.AssertHeld()
	if int(f) >= len(a.frames) {
		return fmt.Errorf("free frame %d: %w", f, kerrors.ErrInvalidArgument)
	}
	fi := &a.frames[f]
	if fi.free {
		return fmt.Errorf("double free of frame %d: %w", f, kerrors.ErrProtocolViolation)
	}
	if fi.refcnt != 0 {
		return fmt.Errorf("free of frame %d with refcnt %d: %w", f, fi.refcnt, kerrors.ErrProtocolViolation)
	}
	fi.free = true
	fi.next = a.head
	a.head = f
	a.nfree++
	return nil
}

// Incref takes one more reference to the frame. Caller must hold the
// page-table lock.
func (a *Allocator) Incref(f FrameNum) {
	a.lock.AssertHeld()
	a.frames[f].refcnt++
}

// Decref drops one reference; at zero the frame is freed. Caller must hold the
// page-table lock.
func (a *Allocator) Decref(f FrameNum) error {
	a.lock.AssertHeld()
	fi := &a.frames[f]
	if fi.free || fi.refcnt <= 0 {
		return fmt.Errorf("decref of unreferenced frame %d: %w", f, kerrors.ErrProtocolViolation)
	}
	fi.refcnt--
	if fi.refcnt == 0 {
		return a.Free(f)
	}
	return nil
}

// Refcnt returns the frame's current reference count.
func (a *Allocator) Refcnt(f FrameNum) int32 {
	return a.frames[f].refcnt
}

// Page returns the frame's backing bytes.
func (a *Allocator) Page(f FrameNum) []byte {
	off := int(f) * PageSize
	return a.arena[off : off+PageSize : off+PageSize]
}

// Lock returns the page-table lock guarding this allocator.
func (a *Allocator) Lock() *klock.Lock { return a.lock }
