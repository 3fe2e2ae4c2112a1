package trap

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/GoKernel/internal/env"
	"github.com/GriffinCanCode/GoKernel/internal/kerrors"
	"github.com/GriffinCanCode/GoKernel/internal/mem"
	"github.com/GriffinCanCode/GoKernel/internal/vm"
)

func TestReadWriteRoundtrip(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	k.schedule(t, cpu)

	va := mem.VAddr(0x1000)
	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, va, vm.PteUser|vm.PteWritable))
	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, va+mem.PageSize, vm.PteUser|vm.PteWritable))

	// The payload straddles the page boundary on purpose.
	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	start := va + mem.PageSize - 100
	require.NoError(t, k.disp.WriteUser(cpu, start, payload))

	got, err := k.disp.ReadUser(cpu, start, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAccessCrossingCeiling(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	k.schedule(t, cpu)

	_, err := k.disp.ReadUser(cpu, mem.UTop-4, 8)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
	err = k.disp.WriteUser(cpu, mem.UTop-4, make([]byte, 8))
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)

	// At or above the ceiling the guard rejects outright rather than
	// underflowing into the fault path.
	_, err = k.disp.ReadUser(cpu, mem.UTop, 4)
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
	err = k.disp.WriteUser(cpu, mem.UTop+mem.PageSize, []byte{1})
	require.ErrorIs(t, err, kerrors.ErrInvalidArgument)
	assert.NotNil(t, cpu.Cur)
}

func TestUnhandledFaultDestroysEnvironmentOnly(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	survivor := k.boot(t, "bystander")
	cpu := k.cpus[0]
	e := k.schedule(t, cpu)

	_, err := k.disp.ReadUser(cpu, 0x0070_0000, 4)
	require.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, env.StatusFree, e.Status)
	assert.Nil(t, cpu.Cur)

	// The fault was fatal to the faulting environment, not the kernel.
	assert.False(t, k.disp.Dead())
	assert.False(t, k.mon.Active())
	next := k.schedule(t, cpu)
	assert.Equal(t, survivor, next.ID)
}

func TestFaultUpcallRepairsAndRetries(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	e := k.schedule(t, cpu)

	// Handler registration needs a writable exception stack in place.
	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, mem.UXStackTop-mem.PageSize, vm.PteUser|vm.PteWritable))

	var got *env.UTrapframe
	handler := func(utf *env.UTrapframe) error {
		got = utf
		return k.disp.SysPageAlloc(cpu, 0, mem.PageRoundDown(utf.FaultVA), vm.PteUser|vm.PteWritable)
	}
	require.NoError(t, k.disp.SysSetUpcall(cpu, 0, handler))

	va := mem.VAddr(0x0070_0000)
	require.NoError(t, k.disp.WriteUser(cpu, va+8, []byte{1, 2, 3}))

	require.NotNil(t, got)
	assert.Equal(t, va+8, got.FaultVA)
	assert.True(t, got.Write)
	assert.Equal(t, cpu.ID, got.CPU)
	assert.Equal(t, env.StatusRunning, e.Status)

	data, err := k.disp.ReadUser(cpu, va+8, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestFaultWithoutExceptionStackIsFatalToEnv(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	e := k.schedule(t, cpu)

	// Handler installed but no exception stack page: the upcall cannot run.
	require.NoError(t, k.disp.SysSetUpcall(cpu, 0, func(*env.UTrapframe) error { return nil }))
	_, err := k.disp.ReadUser(cpu, 0x0070_0000, 4)
	require.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, env.StatusFree, e.Status)
	assert.False(t, k.disp.Dead())
}

func TestRepeatedFaultDestroysEnvironment(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	e := k.schedule(t, cpu)

	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, mem.UXStackTop-mem.PageSize, vm.PteUser|vm.PteWritable))

	// A handler that claims success without repairing the mapping.
	calls := 0
	require.NoError(t, k.disp.SysSetUpcall(cpu, 0, func(*env.UTrapframe) error {
		calls++
		return nil
	}))

	_, err := k.disp.ReadUser(cpu, 0x0070_0000, 4)
	require.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, env.StatusFree, e.Status)
	assert.False(t, k.disp.Dead())
}

func TestFailingUpcallDestroysEnvironment(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	e := k.schedule(t, cpu)

	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, mem.UXStackTop-mem.PageSize, vm.PteUser|vm.PteWritable))
	require.NoError(t, k.disp.SysSetUpcall(cpu, 0, func(*env.UTrapframe) error {
		return kerrors.ErrOutOfMemory
	}))

	_, err := k.disp.ReadUser(cpu, 0x0070_0000, 4)
	require.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, env.StatusFree, e.Status)
	assert.False(t, k.disp.Dead())
	assert.False(t, k.mon.Active())
}

func TestCOWFaultClassification(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	k.schedule(t, cpu)

	va := mem.VAddr(0x0070_0000)
	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, va, vm.PteUser|vm.PteWritable))
	require.NoError(t, k.disp.WriteUser(cpu, va, []byte{0xaa}))

	// Downgrade the mapping to COW, then register a handler that resolves the
	// fault by swinging in a private writable copy.
	require.NoError(t, k.disp.SysPageMap(cpu, 0, va, 0, va, vm.PteUser|vm.PteCOW))
	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, mem.UXStackTop-mem.PageSize, vm.PteUser|vm.PteWritable))
	require.NoError(t, k.disp.SysSetUpcall(cpu, 0, func(utf *env.UTrapframe) error {
		if !utf.Write {
			return kerrors.ErrProtocolViolation
		}
		addr := mem.PageRoundDown(utf.FaultVA)
		data, err := k.disp.ReadUser(cpu, addr, mem.PageSize)
		if err != nil {
			return err
		}
		if err := k.disp.SysPageAlloc(cpu, 0, mem.PFTemp, vm.PteUser|vm.PteWritable); err != nil {
			return err
		}
		if err := k.disp.WriteUser(cpu, mem.PFTemp, data); err != nil {
			return err
		}
		if err := k.disp.SysPageMap(cpu, 0, mem.PFTemp, 0, addr, vm.PteUser|vm.PteWritable); err != nil {
			return err
		}
		return k.disp.SysPageUnmap(cpu, 0, mem.PFTemp)
	}))

	// Reads through the COW mapping do not fault.
	data, err := k.disp.ReadUser(cpu, va, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), data[0])

	// The write faults as COW, copies, and lands in the private page.
	require.NoError(t, k.disp.WriteUser(cpu, va, []byte{0xbb}))
	data, err = k.disp.ReadUser(cpu, va, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xbb), data[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(k.metrics.PageFaults.WithLabelValues(faultCOW)))
}

func TestReplayedCOWFaultKeepsRefcountsStable(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	k.schedule(t, cpu)

	// One frame mapped at two addresses, both COW, so the original frame
	// starts with two references.
	va := mem.VAddr(0x0070_0000)
	alias := va + 4*mem.PageSize
	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, va, vm.PteUser|vm.PteWritable))
	require.NoError(t, k.disp.WriteUser(cpu, va, []byte{0xaa}))
	require.NoError(t, k.disp.SysPageMap(cpu, 0, va, 0, alias, vm.PteUser|vm.PteCOW))
	require.NoError(t, k.disp.SysPageMap(cpu, 0, va, 0, va, vm.PteUser|vm.PteCOW))

	orig, ok, err := k.disp.SysPageLookup(cpu, va)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(2), k.disp.Alloc().Refcnt(orig.Frame()))

	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, mem.UXStackTop-mem.PageSize, vm.PteUser|vm.PteWritable))
	handler := func(utf *env.UTrapframe) error {
		addr := mem.PageRoundDown(utf.FaultVA)
		data, err := k.disp.ReadUser(cpu, addr, mem.PageSize)
		if err != nil {
			return err
		}
		if err := k.disp.SysPageAlloc(cpu, 0, mem.PFTemp, vm.PteUser|vm.PteWritable); err != nil {
			return err
		}
		if err := k.disp.WriteUser(cpu, mem.PFTemp, data); err != nil {
			return err
		}
		if err := k.disp.SysPageMap(cpu, 0, mem.PFTemp, 0, addr, vm.PteUser|vm.PteWritable); err != nil {
			return err
		}
		return k.disp.SysPageUnmap(cpu, 0, mem.PFTemp)
	}
	require.NoError(t, k.disp.SysSetUpcall(cpu, 0, handler))

	// The real fault materializes a private copy and drops one reference on
	// the shared frame.
	require.NoError(t, k.disp.WriteUser(cpu, va, []byte{0xbb}))
	require.Equal(t, int32(1), k.disp.Alloc().Refcnt(orig.Frame()))
	free := k.disp.Alloc().FreeCount()

	// Re-entering the handler with a stale frame for an address already
	// remapped away from COW must not touch the original frame's count.
	require.NoError(t, handler(&env.UTrapframe{FaultVA: va, Write: true, CPU: cpu.ID}))
	assert.Equal(t, int32(1), k.disp.Alloc().Refcnt(orig.Frame()))
	assert.Equal(t, free, k.disp.Alloc().FreeCount())

	data, err := k.disp.ReadUser(cpu, va, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xbb), data[0])
	data, err = k.disp.ReadUser(cpu, alias, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), data[0])
}

func TestTranslationCacheServesRepeatAccess(t *testing.T) {
	k := newTestKernel(t, 64, 8, 1)
	k.boot(t, "init")
	cpu := k.cpus[0]
	k.schedule(t, cpu)

	va := mem.VAddr(0x1000)
	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, va, vm.PteUser|vm.PteWritable))
	require.NoError(t, k.disp.WriteUser(cpu, va, []byte{1}))

	pte, ok := cpu.CacheLookup(va)
	require.True(t, ok)
	assert.True(t, pte.Writable())

	// Remapping through the syscall surface invalidates the cached entry.
	require.NoError(t, k.disp.SysPageAlloc(cpu, 0, va, vm.PteUser))
	_, ok = cpu.CacheLookup(va)
	assert.False(t, ok)
}
