// Package kernel wires the physical allocator, page tables, buffer
// cache, log, filesystem, process table, trap core, and syscall
// front-end into one bootable instance (spec.md section 9: "Global
// mutable tables ... become resources owned by a kernel context").
package kernel

import (
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/pmem"
	"github.com/oichkatzelesfrettschen/sv39k/internal/proc"
	"github.com/oichkatzelesfrettschen/sv39k/internal/syscall"
	"github.com/oichkatzelesfrettschen/sv39k/internal/trap"
	"github.com/oichkatzelesfrettschen/sv39k/internal/uart"
)

// Config is the kernel's explicit construction parameters, replacing
// the teacher's global mutable tables with values owned by one
// context (spec.md section 9).
type Config struct {
	NCPU         int
	PhysPages    int // pages available to the physical allocator
	CacheBuffers int
	InodeHandles int
}

// DefaultConfig returns reasonable sizes for a small in-memory
// instance (tests, cmd/kdump dry runs).
func DefaultConfig() Config {
	return Config{NCPU: 4, PhysPages: 4096, CacheBuffers: 64, InodeHandles: 64}
}

// Kernel is one fully wired instance: the filesystem, process table,
// trap core, and a console UART, ready to run per-CPU scheduler
// loops.
type Kernel struct {
	cfg     Config
	mem     *pmem.Allocator
	fsys    *fs.FS
	procs   *proc.Table
	ticks   proc.Ticks
	calls   *syscall.Table
	trapCore *trap.Core
	console *uart.Ring
	initPid int
	stop    chan struct{}
}

// Boot mounts dev as the root filesystem and constructs every kernel
// subsystem. dev must already hold a formatted image (see
// fs.Mkfs/cmd/mkfs).
func Boot(cfg Config, dev disk.Device) (*Kernel, kerrno.Err_t) {
	mem := pmem.New(cfg.PhysPages, cfg.NCPU)

	fsys, err := fs.Open(dev, cfg.CacheBuffers, cfg.InodeHandles)
	if err != kerrno.EOK {
		return nil, err
	}

	procs := proc.NewTable(mem, fsys)
	root := fsys.Root()
	initProc, ierr := procs.Spawn("init", root)
	if ierr != kerrno.EOK {
		return nil, ierr
	}

	console := uart.NewRing()
	initProc.Files[0] = proc.NewDeviceFile(console, true, false)
	initProc.Files[1] = proc.NewDeviceFile(console, false, true)
	initProc.Files[2] = proc.NewDeviceFile(console, false, true)

	k := &Kernel{
		cfg:     cfg,
		mem:     mem,
		fsys:    fsys,
		procs:   procs,
		console: console,
		initPid: initProc.Pid,
		stop:    make(chan struct{}),
	}
	k.calls = &syscall.Table{FS: fsys, Procs: procs, Ticks: &k.ticks, InitPid: k.initPid}

	router := trap.NewRouter()
	router.Register(irqUART, func() { console.Interrupt() })
	k.trapCore = &trap.Core{
		Table:   procs,
		Ticks:   &k.ticks,
		Calls:   k.calls,
		IRQ:     router,
		InitPid: k.initPid,
	}

	initProc.Locked(func() { initProc.State = proc.Runnable })
	return k, kerrno.EOK
}

// irqUART is the UART's fixed interrupt source number.
const irqUART = 10

// FS returns the mounted filesystem, for callers (e.g. cmd/kdump)
// that need direct access to its counters.
func (k *Kernel) FS() *fs.FS { return k.fsys }

// Procs returns the process table.
func (k *Kernel) Procs() *proc.Table { return k.procs }

// Ticks returns the global tick counter.
func (k *Kernel) Ticks() *proc.Ticks { return &k.ticks }

// Run starts one goroutine per configured CPU, each running the
// per-CPU scheduler loop (spec.md 4.7), and blocks until Stop is
// called or a hart's loop returns an error.
func (k *Kernel) Run(execute proc.Execute) error {
	var g errgroup.Group
	for cpu := 0; cpu < k.cfg.NCPU; cpu++ {
		cpu := cpu
		g.Go(func() error {
			proc.RunCPU(k.procs, cpu, execute, k.stop)
			return nil
		})
	}
	log.Printf("kernel: %d harts running", k.cfg.NCPU)
	return g.Wait()
}

// Stop signals every running scheduler loop to exit after its current
// time slice.
func (k *Kernel) Stop() { close(k.stop) }

// Dispatch services one trap on behalf of cpu/p, matching the trap
// core's contract (spec.md 4.8).
func (k *Kernel) Dispatch(cpu int, p *proc.Proc, f *trap.Frame, kernelMode bool) {
	k.trapCore.Dispatch(cpu, p, f, kernelMode)
}

func (k *Kernel) String() string {
	return fmt.Sprintf("kernel{ncpu=%d, cache=%d, inodes=%d}", k.cfg.NCPU, k.cfg.CacheBuffers, k.cfg.InodeHandles)
}
