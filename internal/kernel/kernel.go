// Package kernel assembles the machine: physical memory, the environment
// table, the scheduler, IPC, the trap dispatcher, and the simulated
// processors, then runs environments until stopped or until a fatal condition
// drops the kernel into the monitor.
package kernel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/image"
	"github.com/GriffinCanCode/GoKernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/GoKernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GoKernel/internal/ipc"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/monitor"
	"github.com/GriffinCanCode/GoKernel/internal/sched"
	"github.com/GriffinCanCode/GoKernel/internal/shared/id"
	"github.com/GriffinCanCode/GoKernel/internal/trap"
	"github.com/GriffinCanCode/GoKernel/internal/userspace"
)

// Program is the simulated user code behind an environment's entry point. The
// scheduler invokes Step once per dispatch; the program performs syscalls and
// memory accesses through the context and returns to trap back into the
// kernel. Control always fully returns between kernel entries — a blocked
// environment simply is not stepped again until something marks it RUNNABLE.
type Program interface {
	Step(u *userspace.Context)
}

// Kernel is one booted machine.
type Kernel struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics
	bootID  id.BootID

	envLock     *klock.Lock
	pageLock    *klock.Lock
	consoleLock *klock.Lock

	alloc *mem.Allocator
	table *env.Table
	mon   *monitor.Monitor
	disp  *trap.Dispatcher
	cpus  []*sched.CPU

	progMu    sync.Mutex
	factories map[string]func() Program
	programs  map[env.ID]Program

	quantum time.Duration
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	tickMu  sync.Mutex
	tickGen uint64
	tickCv  *sync.Cond
}

// Options carries the collaborators a caller may override; zero values get
// sensible defaults (stdout console, no tracing).
type Options struct {
	Console io.Writer
	Tracer  trap.Tracer
}

// New builds a kernel from configuration.
func New(cfg *config.Config, log *logging.Logger, opts Options) (*Kernel, error) {
	if opts.Console == nil {
		opts.Console = os.Stdout
	}

	k := &Kernel{
		cfg:         cfg,
		log:         log,
		metrics:     monitoring.NewMetrics(),
		bootID:      id.NewBootID(),
		envLock:     klock.New("environment table"),
		pageLock:    klock.New("page tables"),
		consoleLock: klock.New("console"),
		factories:   make(map[string]func() Program),
		programs:    make(map[env.ID]Program),
		quantum:     time.Duration(cfg.CPU.QuantumMs) * time.Millisecond,
		stopCh:      make(chan struct{}),
	}
	k.tickCv = sync.NewCond(&k.tickMu)

	k.alloc = mem.NewAllocator(cfg.Memory.Pages, k.pageLock)

	table, err := env.NewTable(cfg.Envs.Size, k.alloc, k.envLock, log.Named("env"))
	if err != nil {
		return nil, err
	}
	k.table = table

	k.mon = monitor.New(opts.Console, k.consoleLock, log.Named("monitor"))

	k.cpus = make([]*sched.CPU, cfg.CPU.Count)
	for i := range k.cpus {
		k.cpus[i] = sched.NewCPU(int32(i))
	}

	k.disp = trap.New(trap.Deps{
		EnvLock:  k.envLock,
		PageLock: k.pageLock,
		Alloc:    k.alloc,
		Table:    table,
		Sched:    sched.New(table, log.Named("sched"), k.metrics),
		IPC:      ipc.New(table, log.Named("ipc"), k.metrics),
		Monitor:  k.mon,
		CPUs:     k.cpus,
		Log:      log.Named("trap"),
		Metrics:  k.metrics,
		Tracer:   opts.Tracer,
	})

	log.Info("kernel built",
		zap.String("boot_id", string(k.bootID)),
		zap.Int("pages", cfg.Memory.Pages),
		zap.Int("nenv", cfg.Envs.Size),
		zap.Int("cpus", cfg.CPU.Count))
	return k, nil
}

// Register binds an entry-point name to a program factory; each environment
// created with that entry gets its own instance.
func (k *Kernel) Register(entry string, factory func() Program) {
	k.progMu.Lock()
	k.factories[entry] = factory
	k.progMu.Unlock()
}

// Boot creates every environment listed in the manifest.
func (k *Kernel) Boot(manifestPath string) error {
	m, err := image.Load(manifestPath)
	if err != nil {
		return err
	}
	bins, err := m.Binaries(filepath.Dir(manifestPath))
	if err != nil {
		return err
	}
	for i := range bins {
		typ := env.TypeUser
		if bins[i].Kernel {
			typ = env.TypeKernel
		}
		eid, err := k.disp.BootCreate(&bins[i], typ)
		if err != nil {
			return fmt.Errorf("boot %q: %w", bins[i].Name, err)
		}
		k.log.Info("booted environment",
			zap.String("name", bins[i].Name),
			zap.Int32("id", int32(eid)))
	}
	return nil
}

// Start launches the processor loops and the preemption timer.
func (k *Kernel) Start() {
	for _, cpu := range k.cpus {
		k.wg.Add(1)
		go k.runCPU(cpu)
	}
	k.wg.Add(1)
	go k.runTimer()
}

// Stop halts the machine and waits for the processor loops to exit.
func (k *Kernel) Stop() {
	k.stopped.Do(func() { close(k.stopCh) })
	k.tickMu.Lock()
	k.tickGen++
	k.tickCv.Broadcast()
	k.tickMu.Unlock()
	k.wg.Wait()
}

func (k *Kernel) runCPU(cpu *sched.CPU) {
	defer k.wg.Done()
	for {
		select {
		case <-k.stopCh:
			return
		default:
		}
		e, ok := k.disp.Schedule(cpu)
		if !ok {
			if k.disp.Dead() {
				return
			}
			k.waitTick()
			continue
		}
		k.runQuantum(cpu, e)
	}
}

// runQuantum executes one dispatch of e's program, then traps back.
func (k *Kernel) runQuantum(cpu *sched.CPU, e *env.Env) {
	prog := k.programFor(e)
	if prog == nil {
		k.log.Warn("no program for entry, destroying environment",
			zap.Int32("id", int32(e.ID)),
			zap.String("entry", e.Entry))
		_ = k.disp.SysEnvDestroy(cpu, 0)
		return
	}
	u, err := userspace.New(k.disp, cpu)
	if err == nil {
		prog.Step(u)
		cpu.TakePreempt()
	}
	if cpu.Cur == nil {
		// The environment died during its step or was reaped before it could
		// run; drop its program instance.
		k.progMu.Lock()
		delete(k.programs, e.ID)
		k.progMu.Unlock()
	}
}

func (k *Kernel) programFor(e *env.Env) Program {
	if e.Entry == "" {
		return nil
	}
	k.progMu.Lock()
	defer k.progMu.Unlock()
	if p, ok := k.programs[e.ID]; ok {
		return p
	}
	factory, ok := k.factories[e.Entry]
	if !ok {
		return nil
	}
	p := factory()
	k.programs[e.ID] = p
	return p
}

func (k *Kernel) runTimer() {
	defer k.wg.Done()
	ticker := time.NewTicker(k.quantum)
	defer ticker.Stop()
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.disp.Tick()
			k.pruneDead()
			k.tickMu.Lock()
			k.tickGen++
			k.tickCv.Broadcast()
			k.tickMu.Unlock()
		}
	}
}

// pruneDead drops program instances whose environments are gone. Environments
// destroyed outside their own step, such as a DYING entry reaped during
// scheduling, never pass through runQuantum's cleanup, and generation-tagged
// identities are not reused.
func (k *Kernel) pruneDead() {
	k.envLock.Acquire(klock.Aux)
	live := make(map[env.ID]struct{})
	for _, e := range k.table.Snapshot() {
		live[e.ID] = struct{}{}
	}
	k.envLock.Release(klock.Aux)

	k.progMu.Lock()
	for id := range k.programs {
		if _, ok := live[id]; !ok {
			delete(k.programs, id)
		}
	}
	k.progMu.Unlock()
}

// waitTick blocks a halted processor until the next timer interrupt.
func (k *Kernel) waitTick() {
	k.tickMu.Lock()
	gen := k.tickGen
	for k.tickGen == gen {
		select {
		case <-k.stopCh:
			k.tickMu.Unlock()
			return
		default:
		}
		k.tickCv.Wait()
	}
	k.tickMu.Unlock()
}

// Dispatcher exposes the trap surface, primarily for tests and the debug API.
func (k *Kernel) Dispatcher() *trap.Dispatcher { return k.disp }

// Monitor exposes the post-mortem monitor.
func (k *Kernel) Monitor() *monitor.Monitor { return k.mon }

// Metrics exposes the kernel metrics collector.
func (k *Kernel) Metrics() *monitoring.Metrics { return k.metrics }

// CPUs exposes the simulated processors.
func (k *Kernel) CPUs() []*sched.CPU { return k.cpus }

// BootID identifies this kernel instance.
func (k *Kernel) BootID() id.BootID { return k.bootID }
