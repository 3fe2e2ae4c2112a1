// Package monitor is the post-mortem inspection mode. A fatal in-kernel
// condition does not restart the machine: the dispatcher records a diagnostic
// report here and the kernel stops dispatching, leaving the state frozen for
// examination through the debug API.
package monitor

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
)

// Snapshot is the kernel state captured with a report. The trap dispatcher
// gathers it while still holding the locks, so it is internally consistent.
type Snapshot struct {
	Env         env.ID     `json:"env"`
	FaultVA     mem.VAddr  `json:"fault_va"`
	Envs        []env.Info `json:"envs"`
	FramesFree  int        `json:"frames_free"`
	FramesTotal int        `json:"frames_total"`
}

// Report is one recorded fatal condition.
type Report struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	CPU    int32     `json:"cpu"`
	Reason string    `json:"reason"`
	Snap   Snapshot  `json:"snapshot"`
}

// Monitor collects reports and owns the console.
type Monitor struct {
	mu      sync.Mutex
	console io.Writer
	conLock *klock.Lock
	log     *logging.Logger
	reports []Report
	active  atomic.Bool
}

// New creates a monitor writing fatal diagnostics to console.
func New(console io.Writer, conLock *klock.Lock, log *logging.Logger) *Monitor {
	return &Monitor{console: console, conLock: conLock, log: log}
}

// Fatal records a diagnostic report and enters inspection mode. It never
// returns control to the offending code path's semantics; the caller stops
// dispatching afterwards.
func (m *Monitor) Fatal(cpu int32, reason string, snap Snapshot) Report {
	r := Report{
		ID:     uuid.NewString(),
		Time:   time.Now(),
		CPU:    cpu,
		Reason: reason,
		Snap:   snap,
	}
	m.mu.Lock()
	m.reports = append(m.reports, r)
	m.mu.Unlock()
	m.active.Store(true)

	m.log.Error("fatal kernel condition, entering monitor",
		zap.String("report", r.ID),
		zap.Int32("cpu", cpu),
		zap.String("reason", reason))

	m.conLock.Acquire(cpu)
	fmt.Fprintf(m.console, "kernel panic on cpu %d: %s\n", cpu, reason)
	fmt.Fprintf(m.console, "report %s: env %d fault_va %#x frames %d/%d\n",
		r.ID, snap.Env, snap.FaultVA, snap.FramesFree, snap.FramesTotal)
	for _, e := range snap.Envs {
		fmt.Fprintf(m.console, "  env %08x %-12s cpu %d runs %d %s\n",
			uint32(e.ID), e.Status, e.CPU, e.Runs, e.Name)
	}
	m.conLock.Release(cpu)
	return r
}

// Active reports whether the kernel has dropped into inspection mode.
func (m *Monitor) Active() bool { return m.active.Load() }

// Reports returns all recorded reports, newest last.
func (m *Monitor) Reports() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Report, len(m.reports))
	copy(out, m.reports)
	return out
}
