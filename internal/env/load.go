package env

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/image"
	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// CreateFromImage allocates a fresh environment and maps every image segment
// at its specified address and permissions. Zero-fill segments get eagerly
// zeroed frames; addresses outside any segment stay unmapped and fault on
// first touch. A user stack page is allocated below the stack top and the
// entry point recorded; the environment comes back RUNNABLE.
//
// Any failure tears the partial environment down wholesale, so no
// half-constructed environment survives. Caller must hold the environment and
// page-table locks.
func (t *Table) CreateFromImage(bin *image.Binary, typ Type) (*Env, error) {
	t.lock.AssertHeld()
	e, err := t.Alloc(0, typ)
	if err != nil {
		return nil, err
	}
	if err := t.loadSegments(e, bin); err != nil {
		if ferr := t.free(e); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}
	e.Name = bin.Name
	e.Entry = bin.Entry
	e.Status = StatusRunnable
	t.log.Info("environment created from image",
		zap.Int32("id", int32(e.ID)),
		zap.String("name", bin.Name),
		zap.String("entry", bin.Entry),
		zap.Int("segments", len(bin.Segments)))
	return e, nil
}

func (t *Table) loadSegments(e *Env, bin *image.Binary) error {
	for _, seg := range bin.Segments {
		if seg.VA+mem.VAddr(seg.Pages)*mem.PageSize > mem.UTop {
			return fmt.Errorf("segment at %#x exceeds ceiling: %w", seg.VA, kerrors.ErrInvalidArgument)
		}
		for p := 0; p < seg.Pages; p++ {
			va := seg.VA + mem.VAddr(p)*mem.PageSize
			f, err := t.alloc.Alloc(true)
			if err != nil {
				return fmt.Errorf("segment at %#x: %w", seg.VA, err)
			}
			lo := p * mem.PageSize
			if !seg.ZeroFill && lo < len(seg.Data) {
				copy(t.alloc.Page(f), seg.Data[lo:])
			}
			if err := e.Space.Map(f, va, seg.Perm|vm.PteUser); err != nil {
				// The frame is still refcnt 0; return it before bailing.
				if ferr := t.alloc.Free(f); ferr != nil {
					return ferr
				}
				return err
			}
		}
	}

	// User stack.
	f, err := t.alloc.Alloc(true)
	if err != nil {
		return fmt.Errorf("user stack: %w", err)
	}
	if err := e.Space.Map(f, mem.UStackTop-mem.PageSize, vm.PteUser|vm.PteWritable); err != nil {
		if ferr := t.alloc.Free(f); ferr != nil {
			return ferr
		}
		return err
	}
	return nil
}
