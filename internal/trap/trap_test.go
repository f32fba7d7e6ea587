package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/pmem"
	"github.com/oichkatzelesfrettschen/sv39k/internal/proc"
)

type fakeSyscaller struct {
	lastNum  int64
	lastArgs [6]int64
	ret      int64
}

func (f *fakeSyscaller) Dispatch(p *proc.Proc, num int64, args [6]int64) int64 {
	f.lastNum = num
	f.lastArgs = args
	return f.ret
}

func newTestCore(t *testing.T) (*Core, *proc.Table, *proc.Proc) {
	t.Helper()
	dev := disk.NewMem(256)
	fsys, err := fs.Mkfs(dev, 256, 20, 64)
	require.Equal(t, kerrno.EOK, err)
	mem := pmem.New(64, 1)
	tbl := proc.NewTable(mem, fsys)
	p, err := tbl.Spawn("init", fsys.Root())
	require.Equal(t, kerrno.EOK, err)

	core := &Core{Table: tbl, Ticks: &proc.Ticks{}, Calls: &fakeSyscaller{ret: 99}, InitPid: p.Pid}
	return core, tbl, p
}

func TestDispatchSyscallRoutesThroughCalls(t *testing.T) {
	core, _, p := newTestCore(t)
	calls := core.Calls.(*fakeSyscaller)

	f := &Frame{Cause: CauseSyscall, Syscall: 7, Args: [6]int64{1, 2, 3, 0, 0, 0}}
	core.Dispatch(0, p, f, false)

	require.Equal(t, int64(7), calls.lastNum)
	require.Equal(t, int64(99), f.Ret)
}

func TestDispatchTimerTicksOnlyOnCPUZero(t *testing.T) {
	core, _, p := newTestCore(t)

	core.Dispatch(1, p, &Frame{Cause: CauseTimer}, false)
	require.Equal(t, int64(0), core.Ticks.Now())

	core.Dispatch(0, p, &Frame{Cause: CauseTimer}, false)
	require.Equal(t, int64(1), core.Ticks.Now())
}

func TestDispatchDeviceIRQServicesRouter(t *testing.T) {
	core, _, p := newTestCore(t)
	router := NewRouter()
	serviced := false
	router.Register(10, func() { serviced = true })
	core.IRQ = router

	core.Dispatch(0, p, &Frame{Cause: CauseDeviceIRQ, IRQ: 10}, false)
	require.True(t, serviced)
}

func TestDispatchPanicsOnNonDeviceTimerCauseInKernelMode(t *testing.T) {
	core, _, p := newTestCore(t)
	require.Panics(t, func() {
		core.Dispatch(0, p, &Frame{Cause: CauseSyscall}, true)
	})
}

func TestDispatchUnresolvedPageFaultKillsAndExits(t *testing.T) {
	core, _, p := newTestCore(t)
	core.Fault = func(p *proc.Proc, addr uintptr, write bool) bool { return false }

	core.Dispatch(0, p, &Frame{Cause: CausePageFault, FaultAddr: 0x1000}, false)

	p.Locked(func() {
		require.True(t, p.Killed)
		require.Equal(t, proc.Zombie, p.State)
	})
}

func TestDispatchResolvedPageFaultDoesNotKill(t *testing.T) {
	core, _, p := newTestCore(t)
	core.Fault = func(p *proc.Proc, addr uintptr, write bool) bool { return true }

	core.Dispatch(0, p, &Frame{Cause: CausePageFault, FaultAddr: 0x2000}, false)

	p.Locked(func() {
		require.False(t, p.Killed)
		require.NotEqual(t, proc.Zombie, p.State)
	})
}
