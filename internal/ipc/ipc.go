// Package ipc implements the synchronous value+page transfer between two
// environments. There is no queueing: at most one transfer can be pending per
// environment, and a send to a target that is not currently awaiting one fails
// immediately instead of blocking.
package ipc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/logging"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

// Service carries out IPC transfers over the environment table.
type Service struct {
	table   *env.Table
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// New creates the IPC service.
func New(table *env.Table, log *logging.Logger, metrics *monitoring.Metrics) *Service {
	return &Service{table: table, log: log, metrics: metrics}
}

// Recv marks the caller awaiting a transfer and blocks it by status: the
// caller becomes NOT_RUNNABLE and control returns to the scheduler. dstva
// below the ceiling requests an incoming page at that address; at or above it
// declines one. Caller must hold the environment lock.
func (s *Service) Recv(caller *env.Env, dstva mem.VAddr) error {
	s.table.Lock().AssertHeld()
	if dstva < mem.UTop && !mem.PageAligned(dstva) {
		return fmt.Errorf("ipc recv at %#x: %w", dstva, kerrors.ErrInvalidArgument)
	}
	caller.IPCRecving = true
	caller.IPCDstVA = dstva
	caller.IPCFrom = 0
	caller.IPCPerm = 0
	caller.Status = env.StatusNotRunnable
	caller.Trap.Ret = 0
	return nil
}

// Send delivers value (and optionally the page at srcva) to target. It fails
// NotReceiving unless the target is currently awaiting a transfer. When both
// sides asked for a page transfer, the sender's frame is mapped at the
// receiver's recorded destination with permissions capped to the sender's own
// access rights. Caller must hold the environment and page-table locks.
func (s *Service) Send(caller, target *env.Env, value uint32, srcva mem.VAddr, perm vm.PTE) error {
	s.table.Lock().AssertHeld()
	if !target.IPCRecving {
		s.metrics.IPCSends.WithLabelValues("not_receiving").Inc()
		return fmt.Errorf("ipc send to %d: %w", target.ID, kerrors.ErrNotReceiving)
	}

	granted := vm.PTE(0)
	if srcva < mem.UTop && target.IPCDstVA < mem.UTop {
		var err error
		granted, err = s.transferPage(caller, target, srcva, perm)
		if err != nil {
			s.metrics.IPCSends.WithLabelValues("error").Inc()
			return err
		}
	}

	target.IPCRecving = false
	target.IPCFrom = caller.ID
	target.IPCValue = value
	target.IPCPerm = granted
	target.Status = env.StatusRunnable
	target.Trap.Ret = 0

	s.metrics.IPCSends.WithLabelValues("ok").Inc()
	s.log.Debug("ipc delivered",
		zap.Int32("from", int32(caller.ID)),
		zap.Int32("to", int32(target.ID)),
		zap.Uint32("value", value),
		zap.Bool("page", granted != 0))
	return nil
}

func (s *Service) transferPage(caller, target *env.Env, srcva mem.VAddr, perm vm.PTE) (vm.PTE, error) {
	if !mem.PageAligned(srcva) {
		return 0, fmt.Errorf("ipc page at %#x: %w", srcva, kerrors.ErrInvalidArgument)
	}
	if perm&vm.PteUser == 0 || perm&^vm.PteSyscall != 0 {
		return 0, fmt.Errorf("ipc perm %#x: %w", perm, kerrors.ErrInvalidArgument)
	}
	pte, ok := caller.Space.Lookup(srcva)
	if !ok {
		return 0, fmt.Errorf("ipc page at %#x not mapped: %w", srcva, kerrors.ErrInvalidArgument)
	}
	// Cap to the sender's own rights: never grant write access the sender
	// does not hold.
	granted := perm | vm.PtePresent
	if !pte.Writable() {
		granted &^= vm.PteWritable
	}
	if err := target.Space.Map(pte.Frame(), target.IPCDstVA, granted); err != nil {
		return 0, err
	}
	return granted, nil
}
