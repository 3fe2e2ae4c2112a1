// Package programs holds the demo user programs shipped with the kernel. Each
// program is a small state machine: one Step per dispatch, trapping back to
// the scheduler between steps.
package programs

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/userspace"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// Yielder spins for a fixed number of quanta, yielding each one, then exits.
type Yielder struct {
	log    *logging.Logger
	rounds int
	limit  int
}

// NewYielder creates a yielder that runs for limit dispatches.
func NewYielder(log *logging.Logger, limit int) *Yielder {
	return &Yielder{log: log, limit: limit}
}

func (p *Yielder) Step(u *userspace.Context) {
	if p.rounds >= p.limit {
		p.log.Info("yielder done", zap.Int32("id", int32(u.ID())))
		_ = u.Destroy(0)
		return
	}
	p.rounds++
	_ = u.Yield()
}

// The fork demo stakes out one user page as a role marker. The parent writes
// markChild before forking, so the child inherits it through the shared
// snapshot; the parent then overwrites its own private copy with markParent.
// A fresh program instance with no marker page is the original environment.
const (
	markPage   = mem.VAddr(0x00800000)
	markChild  = 1
	markParent = 2

	demoValue = 42
)

const (
	fdStart = iota
	fdParentSend
	fdChildResult
)

// ForkDemo exercises copy-on-write fork and synchronous IPC: the parent forks,
// proves its post-fork writes stay private, and sends the child a value the
// child receives and reports.
type ForkDemo struct {
	log   *logging.Logger
	state int
	child env.ID
}

// NewForkDemo creates the demo in its initial state.
func NewForkDemo(log *logging.Logger) *ForkDemo {
	return &ForkDemo{log: log}
}

func (p *ForkDemo) Step(u *userspace.Context) {
	switch p.state {
	case fdStart:
		p.start(u)
	case fdParentSend:
		p.parentSend(u)
	case fdChildResult:
		p.childResult(u)
	}
}

func (p *ForkDemo) start(u *userspace.Context) {
	if _, ok, _ := u.PageLookup(markPage); ok {
		p.childRecv(u)
		return
	}

	if err := u.PageAlloc(0, markPage, vm.PteUser|vm.PteWritable); err != nil {
		p.fail(u, "marker page", err)
		return
	}
	if err := u.Write(markPage, []byte{markChild}); err != nil {
		p.fail(u, "marker write", err)
		return
	}

	child, err := userspace.Fork(u)
	if err != nil {
		p.fail(u, "fork", err)
		return
	}
	p.child = child
	p.log.Info("forked", zap.Int32("parent", int32(u.ID())), zap.Int32("child", int32(child)))

	// This write breaks the sharing: the marker page copies on write and the
	// child keeps seeing markChild.
	if err := u.Write(markPage, []byte{markParent}); err != nil {
		p.fail(u, "marker update", err)
		return
	}
	p.state = fdParentSend
	_ = u.Yield()
}

func (p *ForkDemo) parentSend(u *userspace.Context) {
	err := u.TrySend(p.child, demoValue, mem.UTop, 0)
	if errors.Is(err, kerrors.ErrNotReceiving) {
		// Child has not armed reception yet; try again next quantum.
		_ = u.Yield()
		return
	}
	if err != nil {
		p.fail(u, "send", err)
		return
	}
	p.log.Info("sent", zap.Int32("to", int32(p.child)), zap.Uint32("value", demoValue))
	_ = u.Destroy(0)
}

func (p *ForkDemo) childRecv(u *userspace.Context) {
	p.state = fdChildResult
	if err := u.Recv(mem.UTop); err != nil {
		p.fail(u, "recv", err)
	}
}

func (p *ForkDemo) childResult(u *userspace.Context) {
	from, value, _, err := u.RecvResult()
	if err != nil {
		p.fail(u, "recv result", err)
		return
	}
	data, err := u.Read(markPage, 1)
	if err != nil {
		p.fail(u, "marker read", err)
		return
	}
	p.log.Info("received",
		zap.Int32("id", int32(u.ID())),
		zap.Int32("from", int32(from)),
		zap.Uint32("value", value),
		zap.Bool("isolated", data[0] == markChild))
	_ = u.Destroy(0)
}

func (p *ForkDemo) fail(u *userspace.Context, what string, err error) {
	p.log.Error("fork demo failed", zap.String("op", what), zap.Error(err))
	_ = u.Destroy(0)
}
