// Package vm implements the per-environment address space: a two-level page
// table stored in arena frames, with walk/map/unmap/lookup operations.
//
// Every mutation requires the page-table lock held by the caller; methods
// assert the guard instead of re-acquiring it. The translation cache is owned
// by the processors, so Unmap reports what it removed and the caller decides
// whether its own cache needs invalidating.
package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/GriffinCanCode/GoKernel/internal/mem"
)

const entriesPerTable = 1024

// Space is one environment's page-directory structure. It owns its directory
// and table frames; the frames it maps are owned by the allocator and only
// referenced here.
type Space struct {
	alloc *mem.Allocator
	dir   mem.FrameNum
}

// NewSpace allocates an empty address space. Caller must hold the page-table
// lock.
func NewSpace(alloc *mem.Allocator) (*Space, error) {
	dir, err := alloc.Alloc(true)
	if err != nil {
		return nil, fmt.Errorf("address space directory: %w", err)
	}
	alloc.Incref(dir)
	return &Space{alloc: alloc, dir: dir}, nil
}

func (s *Space) loadEntry(table mem.FrameNum, idx int) PTE {
	pg := s.alloc.Page(table)
	return PTE(binary.LittleEndian.Uint32(pg[idx*4:]))
}

func (s *Space) storeEntry(table mem.FrameNum, idx int, pte PTE) {
	pg := s.alloc.Page(table)
	binary.LittleEndian.PutUint32(pg[idx*4:], uint32(pte))
}

// walk returns the (table frame, index) slot for va. With create set it
// allocates the intermediate table frame on demand; otherwise absence of the
// table is reported as ok == false.
func (s *Space) walk(va mem.VAddr, create bool) (mem.FrameNum, int, bool, error) {
	s.alloc.Lock().AssertHeld()
	di := dirIndex(va)
	de := s.loadEntry(s.dir, di)
	if !de.Present() {
		if !create {
			return mem.NoFrame, 0, false, nil
		}
		tf, err := s.alloc.Alloc(true)
		if err != nil {
			return mem.NoFrame, 0, false, fmt.Errorf("page table for %#x: %w", va, err)
		}
		s.alloc.Incref(tf)
		s.storeEntry(s.dir, di, makePTE(tf, PteWritable|PteUser))
		de = s.loadEntry(s.dir, di)
	}
	return de.Frame(), tableIndex(va), true, nil
}

// Map installs frame at va with the given permission bits. The new frame's
// reference count is incremented before any existing mapping is displaced, so
// reinstalling a frame over itself never transiently frees it. Caller must
// hold the page-table lock.
func (s *Space) Map(frame mem.FrameNum, va mem.VAddr, perm PTE) error {
	table, idx, _, err := s.walk(va, true)
	if err != nil {
		return err
	}
	s.alloc.Incref(frame)
	if old := s.loadEntry(table, idx); old.Present() {
		s.storeEntry(table, idx, 0)
		if err := s.alloc.Decref(old.Frame()); err != nil {
			return err
		}
	}
	s.storeEntry(table, idx, makePTE(frame, perm))
	return nil
}

// Unmap removes the mapping at va, if any, and decrements the frame's
// reference count. It returns the displaced frame so the caller can invalidate
// its translation cache when this space is the active one. Caller must hold
// the page-table lock.
func (s *Space) Unmap(va mem.VAddr) (mem.FrameNum, bool, error) {
	table, idx, ok, err := s.walk(va, false)
	if err != nil || !ok {
		return mem.NoFrame, false, err
	}
	pte := s.loadEntry(table, idx)
	if !pte.Present() {
		return mem.NoFrame, false, nil
	}
	s.storeEntry(table, idx, 0)
	if err := s.alloc.Decref(pte.Frame()); err != nil {
		return mem.NoFrame, false, err
	}
	return pte.Frame(), true, nil
}

// Lookup returns the entry mapping va, or ok == false if absent. Caller must
// hold the page-table lock.
func (s *Space) Lookup(va mem.VAddr) (PTE, bool) {
	table, idx, ok, err := s.walk(va, false)
	if err != nil || !ok {
		return 0, false
	}
	pte := s.loadEntry(table, idx)
	if !pte.Present() {
		return 0, false
	}
	return pte, true
}

// Page returns the backing bytes of the frame mapped at va.
func (s *Space) Page(pte PTE) []byte { return s.alloc.Page(pte.Frame()) }

// Mappings invokes fn for every present mapping below limit, in ascending
// address order. This is the typed replacement for the self-referential
// page-table window: an environment introspects its own mappings through it
// without aliasing its address space. Caller must hold the page-table lock.
func (s *Space) Mappings(limit mem.VAddr, fn func(va mem.VAddr, pte PTE)) {
	s.alloc.Lock().AssertHeld()
	for di := 0; di < entriesPerTable; di++ {
		base := mem.VAddr(di) << 22
		if base >= limit {
			break
		}
		de := s.loadEntry(s.dir, di)
		if !de.Present() {
			continue
		}
		for ti := 0; ti < entriesPerTable; ti++ {
			va := base | mem.VAddr(ti)<<mem.PageShift
			if va >= limit {
				break
			}
			pte := s.loadEntry(de.Frame(), ti)
			if pte.Present() {
				fn(va, pte)
			}
		}
	}
}

// Free tears the space down: every referenced frame is decref'd, then the
// table frames, then the directory itself. Caller must hold the page-table
// lock. The space must not be active on any processor.
func (s *Space) Free() error {
	s.alloc.Lock().AssertHeld()
	for di := 0; di < entriesPerTable; di++ {
		de := s.loadEntry(s.dir, di)
		if !de.Present() {
			continue
		}
		for ti := 0; ti < entriesPerTable; ti++ {
			pte := s.loadEntry(de.Frame(), ti)
			if !pte.Present() {
				continue
			}
			s.storeEntry(de.Frame(), ti, 0)
			if err := s.alloc.Decref(pte.Frame()); err != nil {
				return err
			}
		}
		s.storeEntry(s.dir, di, 0)
		if err := s.alloc.Decref(de.Frame()); err != nil {
			return err
		}
	}
	if err := s.alloc.Decref(s.dir); err != nil {
		return err
	}
	s.dir = mem.NoFrame
	return nil
}

// Alloc returns the frame allocator backing this space.
func (s *Space) Alloc() *mem.Allocator { return s.alloc }

func init() {
	if entriesPerTable*4 != mem.PageSize {
		panic(fmt.Sprintf("page table geometry mismatch: %d entries", entriesPerTable))
	}
}
