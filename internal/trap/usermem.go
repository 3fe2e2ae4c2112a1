package trap

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/sched"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// Fault kinds, as counted and traced.
const (
	faultAbsent     = "absent"
	faultProtection = "protection"
	faultCOW        = "cow"
)

// ReadUser copies n bytes out of the current environment's memory at va,
// faulting in pages through the upcall protocol exactly as a real access
// would.
func (d *Dispatcher) ReadUser(cpu *sched.CPU, va mem.VAddr, n int) ([]byte, error) {
	if va >= mem.UTop || mem.VAddr(n) > mem.UTop-va {
		return nil, fmt.Errorf("read of %d bytes at %#x crosses ceiling: %w", n, va, kerrors.ErrInvalidArgument)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		cur := va + mem.VAddr(len(out))
		pva := mem.PageRoundDown(cur)
		pte, err := d.access(cpu, cur, false)
		if err != nil {
			return nil, err
		}
		off := int(cur - pva)
		take := mem.PageSize - off
		if rem := n - len(out); take > rem {
			take = rem
		}
		out = append(out, d.alloc.Page(pte.Frame())[off:off+take]...)
	}
	return out, nil
}

// WriteUser copies data into the current environment's memory at va. Writes
// to COW-marked pages raise the fault upcall and retry, so each environment
// transparently materializes its private copy on first write.
func (d *Dispatcher) WriteUser(cpu *sched.CPU, va mem.VAddr, data []byte) error {
	if va >= mem.UTop || mem.VAddr(len(data)) > mem.UTop-va {
		return fmt.Errorf("write of %d bytes at %#x crosses ceiling: %w", len(data), va, kerrors.ErrInvalidArgument)
	}
	done := 0
	for done < len(data) {
		cur := va + mem.VAddr(done)
		pva := mem.PageRoundDown(cur)
		pte, err := d.access(cpu, cur, true)
		if err != nil {
			return err
		}
		off := int(cur - pva)
		take := mem.PageSize - off
		if rem := len(data) - done; take > rem {
			take = rem
		}
		copy(d.alloc.Page(pte.Frame())[off:], data[done:done+take])
		done += take
	}
	return nil
}

// access resolves one page of a user access, dispatching the fault upcall on
// a miss and retrying once. An unhandled or repeated fault is fatal to the
// faulting environment only.
func (d *Dispatcher) access(cpu *sched.CPU, va mem.VAddr, write bool) (vm.PTE, error) {
	pva := mem.PageRoundDown(va)
	for attempt := 0; ; attempt++ {
		if d.dead.Load() {
			return 0, ErrKilled
		}
		if pte, ok := cpu.CacheLookup(pva); ok && (!write || pte.Writable()) {
			return pte, nil
		}

		d.envLock.Acquire(cpu.ID)
		cur := cpu.Cur
		if cur == nil {
			d.fatal(cpu, nil, fmt.Sprintf("user access at %#x with no current environment", va), va)
			d.envLock.Release(cpu.ID)
			return 0, fmt.Errorf("access %#x: %w", va, kerrors.ErrProtocolViolation)
		}
		if cur.Status == env.StatusDying {
			d.reapDying(cpu)
			d.envLock.Release(cpu.ID)
			return 0, ErrKilled
		}
		d.pageLock.Acquire(cpu.ID)
		pte, ok := cur.Space.Lookup(pva)
		kind := ""
		switch {
		case !ok:
			kind = faultAbsent
		case pte&vm.PteUser == 0:
			kind = faultProtection
		case write && !pte.Writable():
			if pte.COW() {
				kind = faultCOW
			} else {
				kind = faultProtection
			}
		}
		if kind == "" {
			cpu.CacheFill(pva, pte)
			d.pageLock.Release(cpu.ID)
			d.envLock.Release(cpu.ID)
			return pte, nil
		}

		d.metrics.PageFaults.WithLabelValues(kind).Inc()
		upcall := cur.Upcall
		uxpte, uxok := cur.Space.Lookup(mem.UXStackTop - mem.PageSize)
		uxReady := uxok && uxpte.Writable()
		id := cur.ID
		d.pageLock.Release(cpu.ID)
		d.envLock.Release(cpu.ID)

		d.tracer.Emit("trap.pgfault", map[string]any{
			"cpu": cpu.ID, "env": int32(id), "va": uint32(va), "kind": kind,
		})

		if upcall == nil || !uxReady || attempt > 0 {
			d.log.Warn("unhandled user fault, destroying environment",
				zap.Int32("env", int32(id)),
				zap.Uint32("va", uint32(va)),
				zap.String("kind", kind))
			d.destroyFaulter(cpu)
			return 0, ErrKilled
		}

		// The upcall runs on the environment's private exception stack, with
		// no kernel locks held: its body is free to trap back in.
		if err := upcall(&env.UTrapframe{FaultVA: va, Write: write, CPU: cpu.ID}); err != nil {
			d.log.Warn("fault upcall failed, destroying environment",
				zap.Int32("env", int32(id)),
				zap.Uint32("va", uint32(va)),
				zap.Error(err))
			d.destroyFaulter(cpu)
			return 0, ErrKilled
		}
	}
}

// destroyFaulter tears down the current environment after an unrecoverable
// user fault.
func (d *Dispatcher) destroyFaulter(cpu *sched.CPU) {
	d.envLock.Acquire(cpu.ID)
	cur := cpu.Cur
	if cur != nil && cur.Status != env.StatusFree {
		d.pageLock.Acquire(cpu.ID)
		if _, err := d.table.Destroy(cur, cur); err != nil {
			d.fatal(cpu, cur, err.Error(), 0)
		}
		d.pageLock.Release(cpu.ID)
		cpu.Cur = nil
		cpu.SetActive(nil)
	}
	d.publishGauges()
	d.envLock.Release(cpu.ID)
}
