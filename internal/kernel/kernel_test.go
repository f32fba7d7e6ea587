package kernel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/proc"
	"github.com/oichkatzelesfrettschen/sv39k/internal/syscall"
	"github.com/oichkatzelesfrettschen/sv39k/internal/trap"
)

func formattedDisk(t *testing.T) disk.Device {
	t.Helper()
	dev := disk.NewMem(256)
	_, err := fs.Mkfs(dev, 256, 20, 64)
	require.Equal(t, kerrno.EOK, err)
	return dev
}

func bootTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := Config{NCPU: 2, PhysPages: 64, CacheBuffers: 64, InodeHandles: 64}
	k, err := Boot(cfg, formattedDisk(t))
	require.Equal(t, kerrno.EOK, err)
	return k
}

func TestBootMountsFilesystemAndSpawnsInit(t *testing.T) {
	k := bootTestKernel(t)
	require.NotNil(t, k.FS())
	require.NotNil(t, k.Procs())

	init := k.Procs().Runnable()
	require.NotNil(t, init)
	require.Equal(t, 1, init.Pid)
	require.NotNil(t, init.Files[0])
	require.NotNil(t, init.Files[1])
	require.NotNil(t, init.Files[2])
}

func TestDispatchRoutesSyscallThroughKernelWiring(t *testing.T) {
	k := bootTestKernel(t)
	p := k.Procs().Runnable()
	require.NotNil(t, p)

	f := &trap.Frame{Cause: trap.CauseSyscall, Syscall: syscall.SysGetpid}
	k.Dispatch(0, p, f, false)
	require.Equal(t, int64(p.Pid), f.Ret)
}

func TestDispatchTicksOnCPUZeroOnly(t *testing.T) {
	k := bootTestKernel(t)
	p := k.Procs().Runnable()
	require.NotNil(t, p)

	before := k.Ticks().Now()
	k.Dispatch(1, p, &trap.Frame{Cause: trap.CauseTimer}, false)
	require.Equal(t, before, k.Ticks().Now())

	k.Dispatch(0, p, &trap.Frame{Cause: trap.CauseTimer}, false)
	require.Equal(t, before+1, k.Ticks().Now())
}

func TestRunStopsAllSchedulerLoops(t *testing.T) {
	k := bootTestKernel(t)

	var executions int32
	done := make(chan error, 1)
	go func() {
		done <- k.Run(func(cpu int, p *proc.Proc) {
			atomic.AddInt32(&executions, 1)
			k.Procs().Yield(p)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	k.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run never returned after Stop")
	}
	require.Greater(t, atomic.LoadInt32(&executions), int32(0))
}

func TestStringReportsConfiguredSizes(t *testing.T) {
	k := bootTestKernel(t)
	require.Equal(t, "kernel{ncpu=2, cache=64, inodes=64}", k.String())
}
