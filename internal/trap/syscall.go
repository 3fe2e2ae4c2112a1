package trap

import (
	"fmt"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/image"
	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/sched"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// checkUserVA rejects any address at or above the per-environment ceiling, or
// not page-aligned, before it can touch privileged memory.
func checkUserVA(va mem.VAddr) error {
	if va >= mem.UTop {
		return fmt.Errorf("address %#x above ceiling: %w", va, kerrors.ErrInvalidArgument)
	}
	if !mem.PageAligned(va) {
		return fmt.Errorf("address %#x misaligned: %w", va, kerrors.ErrInvalidArgument)
	}
	return nil
}

func checkPerm(perm vm.PTE) error {
	if perm&vm.PteUser == 0 || perm&^vm.PteSyscall != 0 {
		return fmt.Errorf("permission %#x: %w", perm, kerrors.ErrInvalidArgument)
	}
	return nil
}

// SysGetEnvID returns the caller's identity.
func (d *Dispatcher) SysGetEnvID(cpu *sched.CPU) (env.ID, error) {
	var id env.ID
	err := d.syscall(cpu, "getenvid", false, func(cur *env.Env) error {
		id = cur.ID
		return nil
	})
	return id, err
}

// SysYield gives up the rest of the caller's quantum voluntarily. The actual
// rotation happens when control returns to the scheduler.
func (d *Dispatcher) SysYield(cpu *sched.CPU) error {
	return d.syscall(cpu, "yield", false, func(cur *env.Env) error {
		cpu.Preempt()
		return nil
	})
}

// SysExofork allocates a blank child shell: kernel mappings only, status
// NOT_RUNNABLE, and a copy of the parent's trap context with the return value
// zeroed so the child, once scheduled, observes zero from the same call.
func (d *Dispatcher) SysExofork(cpu *sched.CPU) (env.ID, error) {
	var id env.ID
	err := d.syscall(cpu, "exofork", true, func(cur *env.Env) error {
		child, err := d.table.Alloc(cur.ID, env.TypeUser)
		if err != nil {
			return err
		}
		child.Trap = cur.Trap
		child.Trap.Ret = 0
		child.Entry = cur.Entry
		id = child.ID
		return nil
	})
	return id, err
}

// SysEnvCreate builds an environment from a binary image and marks it
// RUNNABLE.
func (d *Dispatcher) SysEnvCreate(cpu *sched.CPU, bin *image.Binary, typ env.Type) (env.ID, error) {
	var id env.ID
	err := d.syscall(cpu, "env_create", true, func(cur *env.Env) error {
		e, err := d.table.CreateFromImage(bin, typ)
		if err != nil {
			return err
		}
		e.Parent = cur.ID
		id = e.ID
		return nil
	})
	return id, err
}

// BootCreate creates an environment from outside any processor, during boot.
func (d *Dispatcher) BootCreate(bin *image.Binary, typ env.Type) (env.ID, error) {
	d.envLock.Acquire(klock.Aux)
	d.pageLock.Acquire(klock.Aux)
	e, err := d.table.CreateFromImage(bin, typ)
	d.publishGauges()
	d.pageLock.Release(klock.Aux)
	d.envLock.Release(klock.Aux)
	if err != nil {
		return 0, err
	}
	return e.ID, nil
}

// SysEnvDestroy destroys the target environment. Destroying an environment
// running on another processor only marks it DYING; destroying the caller
// itself returns ErrKilled after teardown so the user context stops.
func (d *Dispatcher) SysEnvDestroy(cpu *sched.CPU, id env.ID) error {
	return d.syscall(cpu, "env_destroy", true, func(cur *env.Env) error {
		e, err := d.table.Resolve(id, cur, true)
		if err != nil {
			return err
		}
		reschedule, err := d.table.Destroy(e, cur)
		if err != nil {
			return err
		}
		d.publishGauges()
		if reschedule {
			cpu.Cur = nil
			cpu.SetActive(nil)
			return ErrKilled
		}
		return nil
	})
}

// SysPageAlloc maps a fresh zero-filled frame at va in the target
// environment.
func (d *Dispatcher) SysPageAlloc(cpu *sched.CPU, id env.ID, va mem.VAddr, perm vm.PTE) error {
	return d.syscall(cpu, "page_alloc", true, func(cur *env.Env) error {
		e, err := d.table.Resolve(id, cur, true)
		if err != nil {
			return err
		}
		if err := checkUserVA(va); err != nil {
			return err
		}
		if err := checkPerm(perm); err != nil {
			return err
		}
		f, err := d.alloc.Alloc(true)
		if err != nil {
			return err
		}
		if err := e.Space.Map(f, va, perm); err != nil {
			if ferr := d.alloc.Free(f); ferr != nil {
				return ferr
			}
			return err
		}
		if cpu.Active() == e.Space {
			cpu.Invalidate(va)
		}
		return nil
	})
}

// SysPageMap installs the frame mapped at srcva in the source environment
// into the destination environment at dstva. Requesting write permission on a
// page the source cannot write is rejected.
func (d *Dispatcher) SysPageMap(cpu *sched.CPU, srcID env.ID, srcva mem.VAddr, dstID env.ID, dstva mem.VAddr, perm vm.PTE) error {
	return d.syscall(cpu, "page_map", true, func(cur *env.Env) error {
		src, err := d.table.Resolve(srcID, cur, true)
		if err != nil {
			return err
		}
		dst, err := d.table.Resolve(dstID, cur, true)
		if err != nil {
			return err
		}
		if err := checkUserVA(srcva); err != nil {
			return err
		}
		if err := checkUserVA(dstva); err != nil {
			return err
		}
		if err := checkPerm(perm); err != nil {
			return err
		}
		pte, ok := src.Space.Lookup(srcva)
		if !ok {
			return fmt.Errorf("source %#x not mapped: %w", srcva, kerrors.ErrInvalidArgument)
		}
		if perm&vm.PteWritable != 0 && !pte.Writable() {
			return fmt.Errorf("write grant on read-only %#x: %w", srcva, kerrors.ErrInvalidArgument)
		}
		if err := dst.Space.Map(pte.Frame(), dstva, perm); err != nil {
			return err
		}
		if cpu.Active() == dst.Space {
			cpu.Invalidate(dstva)
		}
		return nil
	})
}

// SysPageUnmap removes the mapping at va in the target environment, if any.
func (d *Dispatcher) SysPageUnmap(cpu *sched.CPU, id env.ID, va mem.VAddr) error {
	return d.syscall(cpu, "page_unmap", true, func(cur *env.Env) error {
		e, err := d.table.Resolve(id, cur, true)
		if err != nil {
			return err
		}
		if err := checkUserVA(va); err != nil {
			return err
		}
		_, removed, err := e.Space.Unmap(va)
		if err != nil {
			return err
		}
		if removed && cpu.Active() == e.Space {
			cpu.Invalidate(va)
		}
		return nil
	})
}

// SysPageLookup returns the caller's own mapping at va, the typed stand-in
// for reading one's page tables through a self-referential window.
func (d *Dispatcher) SysPageLookup(cpu *sched.CPU, va mem.VAddr) (vm.PTE, bool, error) {
	var (
		pte vm.PTE
		ok  bool
	)
	err := d.syscall(cpu, "page_lookup", true, func(cur *env.Env) error {
		if err := checkUserVA(va); err != nil {
			return err
		}
		pte, ok = cur.Space.Lookup(va)
		return nil
	})
	return pte, ok, err
}

// Mapping is one present page in an environment's address space.
type Mapping struct {
	VA  mem.VAddr
	PTE vm.PTE
}

// SysPageDirectory snapshots the caller's present mappings below limit, in
// ascending order. Together with SysPageLookup it forms the typed
// introspection surface that replaces the self-referential page-table window.
func (d *Dispatcher) SysPageDirectory(cpu *sched.CPU, limit mem.VAddr) ([]Mapping, error) {
	var out []Mapping
	err := d.syscall(cpu, "page_directory", true, func(cur *env.Env) error {
		if limit > mem.UTop {
			return fmt.Errorf("limit %#x above ceiling: %w", limit, kerrors.ErrInvalidArgument)
		}
		cur.Space.Mappings(limit, func(va mem.VAddr, pte vm.PTE) {
			out = append(out, Mapping{VA: va, PTE: pte})
		})
		return nil
	})
	return out, err
}

// SysIPCResult reads the caller's delivered transfer after a receive
// completes: the sender, the scalar value, and the granted page permission.
func (d *Dispatcher) SysIPCResult(cpu *sched.CPU) (from env.ID, value uint32, perm vm.PTE, err error) {
	err = d.syscall(cpu, "ipc_result", false, func(cur *env.Env) error {
		from = cur.IPCFrom
		value = cur.IPCValue
		perm = cur.IPCPerm
		return nil
	})
	return from, value, perm, err
}

// SysSetUpcall registers the fault-upcall handler for the target environment.
// Registration is idempotent.
func (d *Dispatcher) SysSetUpcall(cpu *sched.CPU, id env.ID, fn env.Upcall) error {
	return d.syscall(cpu, "set_upcall", false, func(cur *env.Env) error {
		e, err := d.table.Resolve(id, cur, true)
		if err != nil {
			return err
		}
		e.Upcall = fn
		return nil
	})
}

// SysSetStatus moves the target between RUNNABLE and NOT_RUNNABLE; no other
// transition is allowed from user code.
func (d *Dispatcher) SysSetStatus(cpu *sched.CPU, id env.ID, status env.Status) error {
	return d.syscall(cpu, "set_status", false, func(cur *env.Env) error {
		if status != env.StatusRunnable && status != env.StatusNotRunnable {
			return fmt.Errorf("status %v: %w", status, kerrors.ErrInvalidArgument)
		}
		e, err := d.table.Resolve(id, cur, true)
		if err != nil {
			return err
		}
		e.Status = status
		return nil
	})
}

// SysIPCRecv marks the caller awaiting a transfer; it becomes NOT_RUNNABLE
// and the user context must return control to the scheduler.
func (d *Dispatcher) SysIPCRecv(cpu *sched.CPU, dstva mem.VAddr) error {
	return d.syscall(cpu, "ipc_recv", false, func(cur *env.Env) error {
		return d.ipc.Recv(cur, dstva)
	})
}

// SysIPCTrySend delivers value and optionally a page to the target, failing
// immediately if it is not receiving. Unlike other cross-environment
// syscalls, send requires no ancestry.
func (d *Dispatcher) SysIPCTrySend(cpu *sched.CPU, id env.ID, value uint32, srcva mem.VAddr, perm vm.PTE) error {
	return d.syscall(cpu, "ipc_try_send", true, func(cur *env.Env) error {
		target, err := d.table.Resolve(id, cur, false)
		if err != nil {
			return err
		}
		return d.ipc.Send(cur, target, value, srcva, perm)
	})
}
