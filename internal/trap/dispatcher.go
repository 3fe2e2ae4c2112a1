// Package trap routes syscalls, user page faults, and timer interrupts into
// the kernel, and owns the locking discipline: the environment lock guards the
// environment table, the page-table lock guards frames and page tables, and
// both are acquired at the trap edge (environment lock first) so inner
// operations only assert them.
package trap

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GoKernel/internal/ipc"
	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/monitor"
	"github.com/GriffinCanCode/GoKernel/internal/sched"
)

// ErrKilled is returned to a user context whose environment was destroyed
// while trapped in the kernel; the context must stop running user code.
var ErrKilled = errors.New("environment destroyed")

// Tracer receives kernel trace events. The websocket hub implements it; a nil
// tracer is replaced by a no-op.
type Tracer interface {
	Emit(event string, fields map[string]any)
}

type nopTracer struct{}

func (nopTracer) Emit(string, map[string]any) {}

// Dispatcher is the kernel's trap entry surface.
type Dispatcher struct {
	envLock  *klock.Lock
	pageLock *klock.Lock

	alloc   *mem.Allocator
	table   *env.Table
	sched   *sched.Scheduler
	ipc     *ipc.Service
	mon     *monitor.Monitor
	cpus    []*sched.CPU
	log     *logging.Logger
	metrics *monitoring.Metrics
	tracer  Tracer

	dead atomic.Bool
}

// Deps wires a dispatcher.
type Deps struct {
	EnvLock  *klock.Lock
	PageLock *klock.Lock
	Alloc    *mem.Allocator
	Table    *env.Table
	Sched    *sched.Scheduler
	IPC      *ipc.Service
	Monitor  *monitor.Monitor
	CPUs     []*sched.CPU
	Log      *logging.Logger
	Metrics  *monitoring.Metrics
	Tracer   Tracer
}

// New creates the dispatcher.
func New(d Deps) *Dispatcher {
	if d.Tracer == nil {
		d.Tracer = nopTracer{}
	}
	return &Dispatcher{
		envLock:  d.EnvLock,
		pageLock: d.PageLock,
		alloc:    d.Alloc,
		table:    d.Table,
		sched:    d.Sched,
		ipc:      d.IPC,
		mon:      d.Monitor,
		cpus:     d.CPUs,
		log:      d.Log,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
	}
}

// Dead reports whether a fatal condition stopped the kernel.
func (d *Dispatcher) Dead() bool { return d.dead.Load() }

// Tick is the periodic timer interrupt: it flags every processor for
// preemption, bounding any environment's uninterrupted run to one period.
func (d *Dispatcher) Tick() {
	d.metrics.TimerTicks.Inc()
	for _, c := range d.cpus {
		c.Preempt()
	}
	d.tracer.Emit("timer.tick", nil)
}

// Schedule re-enters the scheduler on the given processor: it reaps a DYING
// current environment, picks the next RUNNABLE one, and dispatches it. The
// environment lock is released just before returning control toward user
// code. ok == false means the processor halted (or the kernel is dead) and
// should wait for the next timer interrupt.
func (d *Dispatcher) Schedule(cpu *sched.CPU) (*env.Env, bool) {
	if d.dead.Load() {
		return nil, false
	}
	d.envLock.Acquire(cpu.ID)
	d.sched.Resume(cpu)
	d.reapDying(cpu)
	e := d.sched.Pick(cpu)
	if e == nil {
		d.sched.Halt(cpu)
		d.publishGauges()
		d.envLock.Release(cpu.ID)
		return nil, false
	}
	d.sched.Dispatch(cpu, e)
	d.publishGauges()
	d.tracer.Emit("sched.dispatch", map[string]any{
		"cpu": cpu.ID, "env": int32(e.ID), "runs": e.Runs,
	})
	d.envLock.Release(cpu.ID)
	return e, true
}

// reapDying finishes destruction of an environment killed while it was
// running here. Caller must hold the environment lock.
func (d *Dispatcher) reapDying(cpu *sched.CPU) {
	cur := cpu.Cur
	if cur == nil || cur.Status != env.StatusDying {
		return
	}
	d.pageLock.Acquire(cpu.ID)
	_, err := d.table.Destroy(cur, cur)
	d.pageLock.Release(cpu.ID)
	if err != nil {
		d.fatal(cpu, cur, err.Error(), 0)
		return
	}
	cpu.Cur = nil
	cpu.SetActive(nil)
}

// syscall is the common trap prologue/epilogue: lock acquisition, lazy reaping
// of a DYING caller, metrics, and protocol-violation escalation.
func (d *Dispatcher) syscall(cpu *sched.CPU, name string, needPage bool, fn func(cur *env.Env) error) error {
	if d.dead.Load() {
		return ErrKilled
	}
	d.envLock.Acquire(cpu.ID)
	cur := cpu.Cur
	if cur == nil {
		d.fatal(cpu, nil, fmt.Sprintf("syscall %s with no current environment", name), 0)
		d.envLock.Release(cpu.ID)
		return fmt.Errorf("%s: %w", name, kerrors.ErrProtocolViolation)
	}
	if cur.Status == env.StatusDying {
		d.reapDying(cpu)
		d.envLock.Release(cpu.ID)
		return ErrKilled
	}
	if needPage {
		d.pageLock.Acquire(cpu.ID)
	}
	err := fn(cur)

	result := "ok"
	switch {
	case errors.Is(err, kerrors.ErrProtocolViolation):
		result = "protocol_violation"
		d.fatal(cpu, cur, err.Error(), 0)
	case err != nil:
		result = "error"
	}
	d.metrics.SyscallsTotal.WithLabelValues(name, result).Inc()
	d.tracer.Emit("syscall."+name, map[string]any{
		"cpu": cpu.ID, "env": int32(cur.ID), "result": result,
	})

	if needPage {
		d.pageLock.Release(cpu.ID)
	}
	d.envLock.Release(cpu.ID)
	return err
}

// fatal records a diagnostic report and stops dispatching. Caller must hold
// the environment lock; the snapshot is taken under it so it is consistent.
func (d *Dispatcher) fatal(cpu *sched.CPU, cur *env.Env, reason string, faultVA mem.VAddr) {
	if d.dead.Swap(true) {
		return
	}
	var id env.ID
	if cur != nil {
		id = cur.ID
	}
	d.metrics.FatalTraps.Inc()
	d.log.Error("fatal trap", zap.Int32("cpu", cpu.ID), zap.String("reason", reason))
	d.mon.Fatal(cpu.ID, reason, monitor.Snapshot{
		Env:         id,
		FaultVA:     faultVA,
		Envs:        d.table.Snapshot(),
		FramesFree:  d.alloc.FreeCount(),
		FramesTotal: d.alloc.Total(),
	})
}

// publishGauges refreshes table and allocator occupancy metrics. Caller must
// hold the environment lock.
func (d *Dispatcher) publishGauges() {
	for st, n := range d.table.CountByStatus() {
		d.metrics.EnvsByStatus.WithLabelValues(st.String()).Set(float64(n))
	}
	d.metrics.FramesTotal.Set(float64(d.alloc.Total()))
	d.metrics.FramesFree.Set(float64(d.alloc.FreeCount()))
}

// CPUByID returns the processor with the given identifier, or nil. Fault
// upcalls use it to rebind to the processor they were invoked on.
func (d *Dispatcher) CPUByID(id int32) *sched.CPU {
	for _, c := range d.cpus {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Table exposes the environment table for inspection surfaces.
func (d *Dispatcher) Table() *env.Table { return d.table }

// Alloc exposes the frame allocator for inspection surfaces.
func (d *Dispatcher) Alloc() *mem.Allocator { return d.alloc }

// EnvLock returns the environment lock, for inspection surfaces that need a
// consistent read.
func (d *Dispatcher) EnvLock() *klock.Lock { return d.envLock }

// PageLock returns the page-table lock.
func (d *Dispatcher) PageLock() *klock.Lock { return d.pageLock }
