// Package env implements the environment table: a fixed-size arena of process
// control blocks linked through a free list, with generation-tagged identities
// so stale references surface as not-found errors instead of aliasing a
// reused slot.
package env

import (
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// ID identifies an environment: a generation counter in the upper bits and a
// table index in the lower bits. ID 0 denotes "the calling environment" in
// syscall arguments.
type ID int32

// Status is an environment's lifecycle state.
type Status int32

const (
	// StatusFree marks an unallocated table slot.
	StatusFree Status = iota
	// StatusDying marks an environment killed while running on another
	// processor, reclaimed at its next trap.
	StatusDying
	// StatusRunnable marks an environment eligible for dispatch.
	StatusRunnable
	// StatusRunning marks an environment executing on some processor.
	StatusRunning
	// StatusNotRunnable marks an environment blocked, e.g. awaiting IPC.
	StatusNotRunnable
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusDying:
		return "dying"
	case StatusRunnable:
		return "runnable"
	case StatusRunning:
		return "running"
	case StatusNotRunnable:
		return "not_runnable"
	}
	return "unknown"
}

// Type distinguishes ordinary user environments from the privileged kernel
// environment, which bypasses ancestry checks.
type Type int32

const (
	// TypeUser is an ordinary environment.
	TypeUser Type = iota
	// TypeKernel is the distinguished kernel environment.
	TypeKernel
)

// NoCPU marks an environment not currently on any processor.
const NoCPU int32 = -1

// Context is the saved register context delivered back to an environment when
// it resumes. Ret is what the environment observes as the return value of the
// trap that suspended it; forking zeroes it in the child so both sides of the
// duplication can tell themselves apart.
type Context struct {
	Ret  int32
	User bool
}

// UTrapframe describes a user page fault to the registered upcall. CPU names
// the processor the fault occurred on, so a shared handler can trap back in
// from the right execution context.
type UTrapframe struct {
	FaultVA mem.VAddr
	Write   bool
	CPU     int32
}

// Upcall is a fault handler an environment registers with the kernel. It runs
// on the environment's private exception stack; a non-nil error is fatal to
// the environment.
type Upcall func(*UTrapframe) error

// Env is one process control block.
type Env struct {
	ID     ID
	Parent ID
	Status Status
	Type   Type
	Name   string
	Entry  string

	Space *vm.Space
	Trap  Context

	// Upcall is the user-installed fault handler, nil until registered.
	Upcall Upcall

	// Pending-IPC fields. IPCDstVA at or above the ceiling means the receiver
	// asked for no page.
	IPCRecving bool
	IPCDstVA   mem.VAddr
	IPCFrom    ID
	IPCValue   uint32
	IPCPerm    vm.PTE

	// CPU is the processor currently running this environment, NoCPU if none.
	CPU  int32
	Runs uint64

	link int32 // free-list successor index, -1 terminates
}

// Index returns the table slot for an ID within a table of size n.
func (id ID) Index(n int) int { return int(id) & (n - 1) }
