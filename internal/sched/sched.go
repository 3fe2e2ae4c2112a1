// Package sched implements the round-robin multiprocessor scheduler: each
// processor scans the environment table circularly from just after the slot it
// last ran, dispatches the first RUNNABLE entry, falls back to its still
// RUNNING current environment, and otherwise halts until the next timer tick.
package sched

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// CPU is one simulated processor: the current environment, the table index it
// last ran, and a private translation cache over the active address space.
type CPU struct {
	ID      int32
	Cur     *env.Env
	Halted  bool
	LastIdx int

	preempt atomic.Bool

	active *vm.Space
	tlb    map[mem.VAddr]vm.PTE
}

// NewCPU creates processor state with an empty translation cache.
func NewCPU(id int32) *CPU {
	return &CPU{ID: id, LastIdx: -1, tlb: make(map[mem.VAddr]vm.PTE)}
}

// Preempt flags the processor for preemption at its next trap point; the
// periodic timer calls this so no environment runs longer than one period.
func (c *CPU) Preempt() { c.preempt.Store(true) }

// TakePreempt consumes a pending preemption flag.
func (c *CPU) TakePreempt() bool { return c.preempt.Swap(false) }

// Active returns the address space currently loaded on this processor.
func (c *CPU) Active() *vm.Space { return c.active }

// SetActive switches the loaded address space and flushes the cache.
func (c *CPU) SetActive(s *vm.Space) {
	if c.active != s {
		c.active = s
		c.tlb = make(map[mem.VAddr]vm.PTE)
	}
}

// CacheLookup consults the translation cache.
func (c *CPU) CacheLookup(va mem.VAddr) (vm.PTE, bool) {
	pte, ok := c.tlb[va]
	return pte, ok
}

// CacheFill records a translation.
func (c *CPU) CacheFill(va mem.VAddr, pte vm.PTE) { c.tlb[va] = pte }

// Invalidate drops one cached translation; called only when the unmapped
// space is the one active here.
func (c *CPU) Invalidate(va mem.VAddr) { delete(c.tlb, va) }

// Scheduler picks the next environment to run on a processor.
type Scheduler struct {
	table   *env.Table
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// New creates a scheduler over the environment table.
func New(table *env.Table, log *logging.Logger, metrics *monitoring.Metrics) *Scheduler {
	return &Scheduler{table: table, log: log, metrics: metrics}
}

// Pick scans the table once, starting just after the index this processor
// last ran, and returns the first RUNNABLE environment. If none is found but
// the previously current environment is still RUNNING it is chosen again.
// A nil result means the processor should halt. Caller must hold the
// environment lock.
func (s *Scheduler) Pick(cpu *CPU) *env.Env {
	s.table.Lock().AssertHeld()
	n := s.table.Len()
	begin := (cpu.LastIdx + 1) % n
	for i := 0; i < n; i++ {
		e := s.table.At((begin + i) % n)
		if e.Status == env.StatusRunnable {
			return e
		}
	}
	if cpu.Cur != nil && cpu.Cur.Status == env.StatusRunning {
		return cpu.Cur
	}
	return nil
}

// Dispatch transfers the processor to e. Caller must hold the environment
// lock; the lock is deliberately released by the caller just before control
// actually enters user code.
func (s *Scheduler) Dispatch(cpu *CPU, e *env.Env) {
	s.table.Lock().AssertHeld()
	if cpu.Cur != e {
		if prev := cpu.Cur; prev != nil && prev.CPU == cpu.ID {
			if prev.Status == env.StatusRunning {
				prev.Status = env.StatusRunnable
			}
			prev.CPU = env.NoCPU
		}
		s.metrics.ContextSwitches.Inc()
	}
	e.Status = env.StatusRunning
	e.CPU = cpu.ID
	e.Runs++
	cpu.Cur = e
	cpu.Halted = false
	cpu.LastIdx = e.ID.Index(s.table.Len())
	cpu.SetActive(e.Space)
}

// Halt marks the processor idle. The caller releases the environment lock and
// waits for the next timer interrupt; neither is needed again until the next
// trap re-acquires the lock.
func (s *Scheduler) Halt(cpu *CPU) {
	s.table.Lock().AssertHeld()
	if prev := cpu.Cur; prev != nil && prev.CPU == cpu.ID {
		if prev.Status == env.StatusRunning {
			prev.Status = env.StatusRunnable
		}
		prev.CPU = env.NoCPU
	}
	cpu.Cur = nil
	cpu.Halted = true
	cpu.SetActive(nil)
	s.metrics.CPUsHalted.Inc()
	s.log.Debug("cpu halted", zap.Int32("cpu", cpu.ID))
}

// Resume clears halt accounting when a timer tick wakes the processor.
func (s *Scheduler) Resume(cpu *CPU) {
	if cpu.Halted {
		cpu.Halted = false
		s.metrics.CPUsHalted.Dec()
	}
}
