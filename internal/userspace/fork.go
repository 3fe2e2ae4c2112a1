package userspace

import (
	"fmt"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// Fork duplicates the calling environment copy-on-write and returns the
// child's identity. The child comes back RUNNABLE with the same fault handler
// registered and a private exception stack; once scheduled it observes a zero
// return in its trap context and repairs its cached identity with Refresh.
//
// Failure to obtain the child's exception stack aborts the fork atomically:
// the half-built child is destroyed wholesale before the error is returned.
func Fork(u *Context) (env.ID, error) {
	if err := u.SetPgfaultHandler(); err != nil {
		return 0, err
	}

	child, err := u.d.SysExofork(u.cpu)
	if err != nil {
		return 0, err
	}

	// Share every present page below the stack top with the child. The
	// exception stack lives above UStackTop and is deliberately outside the
	// scan; it must never be shared.
	mappings, err := u.d.SysPageDirectory(u.cpu, mem.UStackTop)
	if err != nil {
		return 0, abortFork(u, child, err)
	}
	for _, m := range mappings {
		if err := duppage(u, child, m.VA, m.PTE); err != nil {
			return 0, abortFork(u, child, err)
		}
	}

	// The child's exception stack is a fresh private page, never COW: the
	// fault handler must have working stack memory even mid-fault.
	if err := u.PageAlloc(child, mem.UXStackTop-mem.PageSize, vm.PteUser|vm.PteWritable); err != nil {
		return 0, abortFork(u, child, err)
	}
	if err := u.d.SysSetUpcall(u.cpu, child, u.pgfault); err != nil {
		return 0, abortFork(u, child, err)
	}
	if err := u.d.SysSetStatus(u.cpu, child, env.StatusRunnable); err != nil {
		return 0, abortFork(u, child, err)
	}
	return child, nil
}

func abortFork(u *Context, child env.ID, cause error) error {
	if err := u.Destroy(child); err != nil {
		return fmt.Errorf("fork abort: %w (after %w)", err, cause)
	}
	return cause
}

// duppage installs one page into the child. Writable or COW pages go in
// COW-marked read-only — child first, then the parent's own mapping is
// reinstalled the same way. Child-first ordering closes the window where the
// parent alone holds write access to a page the child also needs to share.
// Pages that are already read-only and not COW are shared unchanged.
func duppage(u *Context, child env.ID, va mem.VAddr, pte vm.PTE) error {
	perm := pte.Perm() & vm.PteSyscall
	if perm&(vm.PteWritable|vm.PteCOW) != 0 {
		perm = (perm | vm.PteCOW) &^ vm.PteWritable
		if err := u.d.SysPageMap(u.cpu, 0, va, child, va, perm); err != nil {
			return err
		}
		return u.d.SysPageMap(u.cpu, 0, va, 0, va, perm)
	}
	return u.d.SysPageMap(u.cpu, 0, va, child, va, perm)
}

// SetPgfaultHandler registers the COW fault handler for this environment.
// Registration is idempotent.
func (u *Context) SetPgfaultHandler() error {
	if u.upcallSet {
		return nil
	}
	if err := u.PageAlloc(0, mem.UXStackTop-mem.PageSize, vm.PteUser|vm.PteWritable); err != nil {
		return err
	}
	if err := u.d.SysSetUpcall(u.cpu, 0, u.pgfault); err != nil {
		return err
	}
	u.upcallSet = true
	return nil
}

// pgfault materializes a private copy of a COW page on first write. It runs
// on the faulting environment's exception stack, on whichever processor the
// fault occurred; anything but a write to a COW-marked page is fatal.
func (u *Context) pgfault(utf *env.UTrapframe) error {
	cpu := u.d.CPUByID(utf.CPU)
	if cpu == nil {
		return fmt.Errorf("pgfault on unknown cpu %d: %w", utf.CPU, kerrors.ErrProtocolViolation)
	}
	f := &Context{d: u.d, cpu: cpu}

	addr := mem.PageRoundDown(utf.FaultVA)
	pte, ok, err := u.d.SysPageLookup(cpu, addr)
	if err != nil {
		return err
	}
	if !utf.Write || !ok || !pte.COW() {
		return fmt.Errorf("pgfault at %#x not a COW write: %w", utf.FaultVA, kerrors.ErrProtocolViolation)
	}

	// Copy through the staging page, then swing the mapping over and drop
	// the staging alias. Out of memory here is fatal to this environment
	// only.
	if err := f.PageAlloc(0, mem.PFTemp, vm.PteUser|vm.PteWritable); err != nil {
		return err
	}
	data, err := f.Read(addr, mem.PageSize)
	if err != nil {
		return err
	}
	if err := f.Write(mem.PFTemp, data); err != nil {
		return err
	}
	if err := f.PageMap(mem.PFTemp, 0, addr, vm.PteUser|vm.PteWritable); err != nil {
		return err
	}
	return f.PageUnmap(mem.PFTemp)
}
