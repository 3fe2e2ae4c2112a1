// Package userspace is the user-level library: thin syscall wrappers plus the
// copy-on-write fork routine and its page-fault handler. Everything here runs
// "in user mode" — it touches memory only through the simulated MMU and the
// kernel only through the trap dispatcher.
package userspace

import (
	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/sched"
	"github.com/GriffinCanCode/GoKernel/internal/trap"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// Context binds the library to one environment's execution: the dispatcher
// plus the processor the environment is currently running on. It caches the
// environment's identity the way user code caches a pointer to its own
// control block.
type Context struct {
	d   *trap.Dispatcher
	cpu *sched.CPU
	id  env.ID

	upcallSet bool
}

// New builds a context for the environment current on cpu.
func New(d *trap.Dispatcher, cpu *sched.CPU) (*Context, error) {
	u := &Context{d: d, cpu: cpu}
	if err := u.Refresh(); err != nil {
		return nil, err
	}
	return u, nil
}

// Refresh re-queries the environment's identity. A forked child calls this to
// repair the cached reference it inherited from its parent.
func (u *Context) Refresh() error {
	id, err := u.d.SysGetEnvID(u.cpu)
	if err != nil {
		return err
	}
	u.id = id
	return nil
}

// ID returns the cached identity.
func (u *Context) ID() env.ID { return u.id }

// Read copies n bytes out of this environment's memory.
func (u *Context) Read(va mem.VAddr, n int) ([]byte, error) {
	return u.d.ReadUser(u.cpu, va, n)
}

// Write copies data into this environment's memory, faulting COW pages into
// private copies as needed.
func (u *Context) Write(va mem.VAddr, data []byte) error {
	return u.d.WriteUser(u.cpu, va, data)
}

// Yield gives up the rest of the quantum.
func (u *Context) Yield() error { return u.d.SysYield(u.cpu) }

// Destroy destroys the target environment (0 for self).
func (u *Context) Destroy(id env.ID) error { return u.d.SysEnvDestroy(u.cpu, id) }

// PageAlloc maps a fresh zeroed page in the target environment.
func (u *Context) PageAlloc(id env.ID, va mem.VAddr, perm vm.PTE) error {
	return u.d.SysPageAlloc(u.cpu, id, va, perm)
}

// PageMap shares this environment's page at srcva into dst at dstva.
func (u *Context) PageMap(srcva mem.VAddr, dst env.ID, dstva mem.VAddr, perm vm.PTE) error {
	return u.d.SysPageMap(u.cpu, 0, srcva, dst, dstva, perm)
}

// PageLookup reports this environment's mapping at va, if any.
func (u *Context) PageLookup(va mem.VAddr) (vm.PTE, bool, error) {
	return u.d.SysPageLookup(u.cpu, va)
}

// PageUnmap removes this environment's mapping at va.
func (u *Context) PageUnmap(va mem.VAddr) error {
	return u.d.SysPageUnmap(u.cpu, 0, va)
}

// TrySend attempts an IPC transfer; it fails immediately if the target is not
// receiving. srcva at or above the ceiling sends no page.
func (u *Context) TrySend(to env.ID, value uint32, srcva mem.VAddr, perm vm.PTE) error {
	return u.d.SysIPCTrySend(u.cpu, to, value, srcva, perm)
}

// Recv arms reception and blocks this environment by status; the caller must
// return control to the scheduler afterwards. dstva at or above the ceiling
// declines an incoming page.
func (u *Context) Recv(dstva mem.VAddr) error {
	return u.d.SysIPCRecv(u.cpu, dstva)
}

// RecvResult reads the delivered transfer after the environment resumes.
func (u *Context) RecvResult() (from env.ID, value uint32, perm vm.PTE, err error) {
	return u.d.SysIPCResult(u.cpu)
}
