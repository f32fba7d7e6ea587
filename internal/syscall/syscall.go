package syscall

import (
	"encoding/binary"

	"github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/proc"
)

// Syscall numbers, matching the subset named in spec.md section 6.
const (
	SysFork = iota + 1
	SysExit
	SysWait
	SysPipe
	SysRead
	SysWrite
	SysClose
	SysKill
	SysExec
	SysFstat
	SysChdir
	SysDup
	SysGetpid
	SysSbrk
	SysSleep
	SysUptime
	SysOpen
	SysMkdir
	SysMknod
	SysLink
	SysUnlink
)

// Open mode bits (spec.md 6: "read-only, write-only, read-write,
// create, truncate").
const (
	ORdOnly = 0x000
	OWrOnly = 0x001
	ORdWr   = 0x002
	OCreate = 0x200
	OTrunc  = 0x400
)

// Table binds the syscall front-end to its collaborators: the mounted
// filesystem, the process table, the global tick counter, and the pid
// every orphan is reparented to.
type Table struct {
	FS      *fs.FS
	Procs   *proc.Table
	Ticks   *proc.Ticks
	InitPid int
}

const errv = int64(-1)

// Dispatch is the single numeric front-end every trap funnels
// syscalls through (spec.md 4.9).
func (t *Table) Dispatch(p *proc.Proc, num int64, args [6]int64) int64 {
	switch int(num) {
	case SysFork:
		return t.sysFork(p)
	case SysExit:
		return t.sysExit(p, args)
	case SysWait:
		return t.sysWait(p, args)
	case SysPipe:
		return t.sysPipe(p, args)
	case SysRead:
		return t.sysRead(p, args)
	case SysWrite:
		return t.sysWrite(p, args)
	case SysClose:
		return t.sysClose(p, args)
	case SysKill:
		return t.sysKill(args)
	case SysExec:
		return errv // ELF loading is an external collaborator (spec.md 1); no in-kernel exec
	case SysFstat:
		return t.sysFstat(p, args)
	case SysChdir:
		return t.sysChdir(p, args)
	case SysDup:
		return t.sysDup(p, args)
	case SysGetpid:
		return int64(p.Pid)
	case SysSbrk:
		return t.sysSbrk(p, args)
	case SysSleep:
		return t.sysSleep(p, args)
	case SysUptime:
		return t.Ticks.Now()
	case SysOpen:
		return t.sysOpen(p, args)
	case SysMkdir:
		return t.sysMkdir(p, args)
	case SysMknod:
		return t.sysMknod(p, args)
	case SysLink:
		return t.sysLink(p, args)
	case SysUnlink:
		return t.sysUnlink(p, args)
	}
	return errv
}

func (t *Table) sysFork(p *proc.Proc) int64 {
	child, err := t.Procs.Fork(p, 0)
	if err != kerrno.EOK {
		return errv
	}
	return int64(child.Pid)
}

func (t *Table) sysExit(p *proc.Proc, args [6]int64) int64 {
	t.Procs.Exit(p, t.InitPid, int(argInt(args, 0)))
	return 0
}

func (t *Table) sysWait(p *proc.Proc, args [6]int64) int64 {
	pid, status, err := t.Procs.Wait(p)
	if err != kerrno.EOK {
		return errv
	}
	if addr := argAddr(args, 0); addr != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(status)))
		if p.Pagetable.CopyOut(addr, b[:]) != kerrno.EOK {
			return errv
		}
	}
	return int64(pid)
}

func (t *Table) sysPipe(p *proc.Proc, args [6]int64) int64 {
	pipe := proc.NewPipe()
	rf := proc.NewPipeFile(pipe, false)
	wf := proc.NewPipeFile(pipe, true)
	rfd, err := p.AllocFd(rf)
	if err != kerrno.EOK {
		return errv
	}
	wfd, err := p.AllocFd(wf)
	if err != kerrno.EOK {
		p.Files[rfd] = nil
		return errv
	}
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(rfd))
	binary.LittleEndian.PutUint32(b[4:8], uint32(wfd))
	if p.Pagetable.CopyOut(argAddr(args, 0), b[:]) != kerrno.EOK {
		return errv
	}
	return 0
}

func (t *Table) sysRead(p *proc.Proc, args [6]int64) int64 {
	f := p.Fd(int(argInt(args, 0)))
	n := int(argInt(args, 2))
	if f == nil || n < 0 {
		return errv
	}
	buf := make([]byte, n)
	got, err := f.Read(buf)
	if err != kerrno.EOK {
		return errv
	}
	if p.Pagetable.CopyOut(argAddr(args, 1), buf[:got]) != kerrno.EOK {
		return errv
	}
	return int64(got)
}

func (t *Table) sysWrite(p *proc.Proc, args [6]int64) int64 {
	f := p.Fd(int(argInt(args, 0)))
	n := int(argInt(args, 2))
	if f == nil || n < 0 {
		return errv
	}
	buf := make([]byte, n)
	if p.Pagetable.CopyIn(argAddr(args, 1), buf) != kerrno.EOK {
		return errv
	}
	put, err := f.Write(buf)
	if err != kerrno.EOK {
		return errv
	}
	return int64(put)
}

func (t *Table) sysClose(p *proc.Proc, args [6]int64) int64 {
	fd := int(argInt(args, 0))
	f := p.Fd(fd)
	if f == nil {
		return errv
	}
	p.Locked(func() { p.Files[fd] = nil })
	if f.Close() != kerrno.EOK {
		return errv
	}
	return 0
}

func (t *Table) sysKill(args [6]int64) int64 {
	if t.Procs.Kill(int(argInt(args, 0))) != kerrno.EOK {
		return errv
	}
	return 0
}

func (t *Table) sysFstat(p *proc.Proc, args [6]int64) int64 {
	f := p.Fd(int(argInt(args, 0)))
	if f == nil {
		return errv
	}
	st, err := f.Stat()
	if err != kerrno.EOK {
		return errv
	}
	var b [20]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(st.Dev))
	binary.LittleEndian.PutUint32(b[4:8], uint32(st.Inum))
	binary.LittleEndian.PutUint32(b[8:12], uint32(st.Type))
	binary.LittleEndian.PutUint32(b[12:16], uint32(st.Nlink))
	binary.LittleEndian.PutUint32(b[16:20], st.Size)
	if p.Pagetable.CopyOut(argAddr(args, 1), b[:]) != kerrno.EOK {
		return errv
	}
	return 0
}

func (t *Table) sysDup(p *proc.Proc, args [6]int64) int64 {
	f := p.Fd(int(argInt(args, 0)))
	if f == nil {
		return errv
	}
	fd, err := p.AllocFd(f.Dup())
	if err != kerrno.EOK {
		return errv
	}
	return int64(fd)
}

func (t *Table) sysSbrk(p *proc.Proc, args [6]int64) int64 {
	n := int(argInt(args, 0))
	old := p.Sz
	var newSz int
	var err kerrno.Err_t
	if n >= 0 {
		newSz, err = p.Pagetable.UserGrow(old, old+n)
	} else {
		newSz, err = p.Pagetable.UserShrink(old, old+n)
	}
	if err != kerrno.EOK {
		return errv
	}
	p.Locked(func() { p.Sz = newSz })
	return int64(old)
}

func (t *Table) sysSleep(p *proc.Proc, args [6]int64) int64 {
	target := t.Ticks.Now() + argInt(args, 0)
	for t.Ticks.Now() < target {
		var killed bool
		p.Locked(func() { killed = p.Killed })
		if killed {
			return errv
		}
		t.Procs.Sleep(p, proc.TickChan)
	}
	return 0
}
