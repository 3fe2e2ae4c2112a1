package env

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/klock"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// Table is the fixed-size environment table.
//
// Locking: the environment lock guards every field of every Env; the
// page-table lock guards the address spaces the entries own. Operations that
// touch both (allocate, destroy, create-from-image) require both locks held,
// environment lock first. Methods assert the guards rather than acquiring
// them, so the trap dispatcher acquires once at the outer edge.
type Table struct {
	lock  *klock.Lock
	alloc *mem.Allocator
	log   *logging.Logger

	envs     []Env
	freeHead int32
	nfree    int
}

// NewTable builds a table of n slots (n must be a power of two) backed by the
// given frame allocator.
func NewTable(n int, alloc *mem.Allocator, lock *klock.Lock, log *logging.Logger) (*Table, error) {
	if n <= 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("environment table size %d not a power of two: %w", n, kerrors.ErrInvalidArgument)
	}
	t := &Table{
		lock:  lock,
		alloc: alloc,
		log:   log,
		envs:  make([]Env, n),
		nfree: n,
	}
	t.freeHead = 0
	for i := range t.envs {
		t.envs[i].link = int32(i + 1)
		t.envs[i].CPU = NoCPU
	}
	t.envs[n-1].link = -1
	return t, nil
}

// Lock returns the environment lock.
func (t *Table) Lock() *klock.Lock { return t.lock }

// Len returns the table capacity.
func (t *Table) Len() int { return len(t.envs) }

// At returns the environment in slot i regardless of status. The scheduler
// scans through this; callers must hold the environment lock.
func (t *Table) At(i int) *Env { return &t.envs[i] }

// Alloc takes a slot off the free list, stamps a fresh generation-tagged
// identity, and builds an empty address space. The new environment is
// NOT_RUNNABLE with a zeroed user-privilege trap context. The kernel half of
// every address space is shared by construction here, since nothing below the
// ceiling is mapped yet and nothing above it is representable.
// Caller must hold the environment and page-table locks.
func (t *Table) Alloc(parent ID, typ Type) (*Env, error) {
	t.lock.AssertHeld()
	if t.freeHead < 0 {
		return nil, fmt.Errorf("environment table full: %w", kerrors.ErrOutOfMemory)
	}
	idx := t.freeHead
	e := &t.envs[idx]

	space, err := vm.NewSpace(t.alloc)
	if err != nil {
		return nil, err
	}

	t.freeHead = e.link
	t.nfree--
	e.link = -1

	// Bump the generation on slot reuse so stale identities resolve NotFound.
	n := ID(len(t.envs))
	generation := (e.ID + n) & ^(n - 1)
	if generation <= 0 {
		generation = n
	}
	e.ID = generation | ID(idx)
	e.Parent = parent
	e.Type = typ
	e.Status = StatusNotRunnable
	e.Space = space
	e.Trap = Context{User: true}
	e.Upcall = nil
	e.IPCRecving = false
	e.IPCDstVA = mem.UTop
	e.IPCFrom = 0
	e.IPCValue = 0
	e.IPCPerm = 0
	e.CPU = NoCPU
	e.Name = ""
	e.Entry = ""

	t.log.Debug("environment allocated",
		zap.Int32("id", int32(e.ID)),
		zap.Int32("parent", int32(parent)))
	return e, nil
}

// Resolve maps an identity to its environment. ID 0 denotes the caller. With
// checkPerm set, the caller must be the target itself or an ancestor of it,
// unless the caller is the kernel environment. Caller must hold the
// environment lock.
func (t *Table) Resolve(id ID, caller *Env, checkPerm bool) (*Env, error) {
	t.lock.AssertHeld()
	if id == 0 {
		return caller, nil
	}
	e := &t.envs[id.Index(len(t.envs))]
	if e.Status == StatusFree || e.ID != id {
		return nil, fmt.Errorf("environment %d: %w", id, kerrors.ErrNotFound)
	}
	if !checkPerm || caller == nil || caller.Type == TypeKernel || e == caller {
		return e, nil
	}
	// Walk the target's parent chain looking for the caller.
	for cur := e; cur.Parent != 0; {
		p := &t.envs[cur.Parent.Index(len(t.envs))]
		if p.Status == StatusFree || p.ID != cur.Parent {
			break
		}
		if p == caller {
			return e, nil
		}
		cur = p
	}
	return nil, fmt.Errorf("environment %d not a descendant of %d: %w", id, caller.ID, kerrors.ErrPermissionDenied)
}

// Destroy tears an environment down. If it is running on another processor it
// is only marked DYING and reclaimed lazily at its next trap. Otherwise its
// address space is released and the slot returns to the free list. The
// returned flag tells the caller to reschedule because it destroyed the
// environment current on this processor. Caller must hold both locks.
func (t *Table) Destroy(e, cur *Env) (reschedule bool, err error) {
	t.lock.AssertHeld()
	if e.Status == StatusRunning && e != cur {
		e.Status = StatusDying
		t.log.Info("environment marked dying",
			zap.Int32("id", int32(e.ID)),
			zap.Int32("cpu", e.CPU))
		return false, nil
	}
	if err := t.free(e); err != nil {
		return false, err
	}
	return e == cur, nil
}

// free releases the address space and returns the slot to the free list.
// Caller must hold both locks.
func (t *Table) free(e *Env) error {
	if e.Space != nil {
		if err := e.Space.Free(); err != nil {
			return fmt.Errorf("free environment %d: %w", e.ID, err)
		}
		e.Space = nil
	}
	e.Status = StatusFree
	e.Upcall = nil
	e.IPCRecving = false
	e.CPU = NoCPU
	e.link = t.freeHead
	t.freeHead = int32(e.ID.Index(len(t.envs)))
	t.nfree++
	t.log.Info("environment freed", zap.Int32("id", int32(e.ID)))
	return nil
}

// CountByStatus returns how many entries are in each status. Caller must hold
// the environment lock.
func (t *Table) CountByStatus() map[Status]int {
	t.lock.AssertHeld()
	counts := make(map[Status]int)
	for i := range t.envs {
		counts[t.envs[i].Status]++
	}
	return counts
}

// Info is a read-only view of one entry, for inspection surfaces.
type Info struct {
	ID     ID     `json:"id"`
	Parent ID     `json:"parent"`
	Status string `json:"status"`
	Name   string `json:"name"`
	Entry  string `json:"entry"`
	CPU    int32  `json:"cpu"`
	Runs   uint64 `json:"runs"`
}

// Snapshot copies out every non-free entry. Caller must hold the environment
// lock.
func (t *Table) Snapshot() []Info {
	t.lock.AssertHeld()
	var out []Info
	for i := range t.envs {
		e := &t.envs[i]
		if e.Status == StatusFree {
			continue
		}
		out = append(out, Info{
			ID:     e.ID,
			Parent: e.Parent,
			Status: e.Status.String(),
			Name:   e.Name,
			Entry:  e.Entry,
			CPU:    e.CPU,
			Runs:   e.Runs,
		})
	}
	return out
}
