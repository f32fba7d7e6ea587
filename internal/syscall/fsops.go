package syscall

import (
	"github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/proc"
)

func (t *Table) sysOpen(p *proc.Proc, args [6]int64) int64 {
	path, err := argStr(p, args, 0, maxPathLen)
	if err != kerrno.EOK {
		return errv
	}
	mode := int(argInt(args, 1))

	t.FS.BeginOp()
	defer t.FS.EndOp()

	var ip *fs.Inode
	if mode&OCreate != 0 {
		dp, name, perr := t.FS.Namex(p.Cwd, path, true)
		if perr != kerrno.EOK {
			return errv
		}
		if err := t.FS.ILock(dp); err != kerrno.EOK {
			t.FS.IPut(dp)
			return errv
		}
		existing, _, lerr := t.FS.Dirlookup(dp, name)
		if lerr == kerrno.EOK {
			t.FS.IUnlock(dp)
			t.FS.IPut(dp)
			ip = existing
		} else {
			newIp, aerr := t.FS.IAlloc(fs.TFile)
			if aerr != kerrno.EOK {
				t.FS.IUnlock(dp)
				t.FS.IPut(dp)
				return errv
			}
			if lerr := t.FS.ILock(newIp); lerr != kerrno.EOK {
				t.FS.IUnlock(dp)
				t.FS.IPut(dp)
				return errv
			}
			newIp.Nlink = 1
			t.FS.IUpdate(newIp)
			t.FS.IUnlock(newIp)
			if derr := t.FS.Dirlink(dp, name, newIp.Inum); derr != kerrno.EOK {
				t.FS.IUnlock(dp)
				t.FS.IPut(dp)
				t.FS.IPut(newIp)
				return errv
			}
			t.FS.IUnlock(dp)
			t.FS.IPut(dp)
			ip = newIp
		}
	} else {
		resolved, _, perr := t.FS.Namex(p.Cwd, path, false)
		if perr != kerrno.EOK {
			return errv
		}
		ip = resolved
	}

	if err := t.FS.ILock(ip); err != kerrno.EOK {
		t.FS.IPut(ip)
		return errv
	}
	if ip.Type == fs.TDir && mode != ORdOnly {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return errv
	}
	if mode&OTrunc != 0 && ip.Type == fs.TFile {
		if err := t.FS.Truncate(ip); err != kerrno.EOK {
			t.FS.IUnlock(ip)
			t.FS.IPut(ip)
			return errv
		}
	}
	t.FS.IUnlock(ip)

	readable := mode&OWrOnly == 0
	writable := mode&OWrOnly != 0 || mode&ORdWr != 0
	f := proc.NewInodeFile(t.FS, ip, readable, writable)
	fd, ferr := p.AllocFd(f)
	if ferr != kerrno.EOK {
		t.FS.IPut(ip)
		return errv
	}
	return int64(fd)
}

func (t *Table) sysMkdir(p *proc.Proc, args [6]int64) int64 {
	path, err := argStr(p, args, 0, maxPathLen)
	if err != kerrno.EOK {
		return errv
	}
	t.FS.BeginOp()
	defer t.FS.EndOp()
	return int64(t.mkspecial(p, path, fs.TDir, 0, 0))
}

func (t *Table) sysMknod(p *proc.Proc, args [6]int64) int64 {
	path, err := argStr(p, args, 0, maxPathLen)
	if err != kerrno.EOK {
		return errv
	}
	major := int16(argInt(args, 1))
	minor := int16(argInt(args, 2))
	t.FS.BeginOp()
	defer t.FS.EndOp()
	return int64(t.mkspecial(p, path, fs.TDev, major, minor))
}

// mkspecial creates a new directory or device inode at path, returns
// 0 on success or -1 on failure; it must run within a transaction
// (both callers bracket it with BeginOp/EndOp).
func (t *Table) mkspecial(p *proc.Proc, path string, typ int16, major, minor int16) int64 {
	dp, name, perr := t.FS.Namex(p.Cwd, path, true)
	if perr != kerrno.EOK {
		return errv
	}
	if err := t.FS.ILock(dp); err != kerrno.EOK {
		t.FS.IPut(dp)
		return errv
	}
	if _, _, lerr := t.FS.Dirlookup(dp, name); lerr == kerrno.EOK {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return errv
	}

	ip, aerr := t.FS.IAlloc(typ)
	if aerr != kerrno.EOK {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return errv
	}
	if err := t.FS.ILock(ip); err != kerrno.EOK {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return errv
	}
	ip.Major, ip.Minor = major, minor
	ip.Nlink = 1
	if typ == fs.TDir {
		ip.Nlink = 2 // self "." plus the parent's entry pointing at it
		if err := t.FS.Dirlink(ip, ".", ip.Inum); err != kerrno.EOK {
			t.FS.IUnlock(ip)
			t.FS.IUnlock(dp)
			t.FS.IPut(ip)
			t.FS.IPut(dp)
			return errv
		}
		if err := t.FS.Dirlink(ip, "..", dp.Inum); err != kerrno.EOK {
			t.FS.IUnlock(ip)
			t.FS.IUnlock(dp)
			t.FS.IPut(ip)
			t.FS.IPut(dp)
			return errv
		}
	}
	t.FS.IUpdate(ip)
	t.FS.IUnlock(ip)

	if err := t.FS.Dirlink(dp, name, ip.Inum); err != kerrno.EOK {
		t.FS.IUnlock(dp)
		t.FS.IPut(ip)
		t.FS.IPut(dp)
		return errv
	}
	if typ == fs.TDir {
		dp.Nlink++ // the child's ".." counts as another link to the parent
		t.FS.IUpdate(dp)
	}
	t.FS.IUnlock(dp)
	t.FS.IPut(ip)
	t.FS.IPut(dp)
	return 0
}

func (t *Table) sysLink(p *proc.Proc, args [6]int64) int64 {
	oldPath, err := argStr(p, args, 0, maxPathLen)
	if err != kerrno.EOK {
		return errv
	}
	newPath, err := argStr(p, args, 1, maxPathLen)
	if err != kerrno.EOK {
		return errv
	}

	t.FS.BeginOp()
	defer t.FS.EndOp()

	ip, _, perr := t.FS.Namex(p.Cwd, oldPath, false)
	if perr != kerrno.EOK {
		return errv
	}
	if err := t.FS.ILock(ip); err != kerrno.EOK {
		t.FS.IPut(ip)
		return errv
	}
	if ip.Type == fs.TDir {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return errv
	}
	ip.Nlink++
	t.FS.IUpdate(ip)
	t.FS.IUnlock(ip)

	dp, name, perr := t.FS.Namex(p.Cwd, newPath, true)
	if perr != kerrno.EOK {
		t.FS.IPut(ip)
		return errv
	}
	if err := t.FS.ILock(dp); err != kerrno.EOK {
		t.FS.IPut(dp)
		t.FS.IPut(ip)
		return errv
	}
	if err := t.FS.Dirlink(dp, name, ip.Inum); err != kerrno.EOK {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		t.FS.ILock(ip)
		ip.Nlink--
		t.FS.IUpdate(ip)
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return errv
	}
	t.FS.IUnlock(dp)
	t.FS.IPut(dp)
	t.FS.IPut(ip)
	return 0
}

func (t *Table) sysUnlink(p *proc.Proc, args [6]int64) int64 {
	path, err := argStr(p, args, 0, maxPathLen)
	if err != kerrno.EOK {
		return errv
	}

	t.FS.BeginOp()
	defer t.FS.EndOp()

	dp, name, perr := t.FS.Namex(p.Cwd, path, true)
	if perr != kerrno.EOK {
		return errv
	}
	if err := t.FS.ILock(dp); err != kerrno.EOK {
		t.FS.IPut(dp)
		return errv
	}
	if name == "." || name == ".." {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return errv
	}

	ip, _, lerr := t.FS.Dirlookup(dp, name)
	if lerr != kerrno.EOK {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		return errv
	}
	if err := t.FS.ILock(ip); err != kerrno.EOK {
		t.FS.IUnlock(dp)
		t.FS.IPut(dp)
		t.FS.IPut(ip)
		return errv
	}
	if ip.Type == fs.TDir && !t.FS.IsDirEmpty(ip) {
		t.FS.IUnlock(ip)
		t.FS.IUnlock(dp)
		t.FS.IPut(ip)
		t.FS.IPut(dp)
		return errv
	}

	if err := t.FS.Dirunlink(dp, name); err != kerrno.EOK {
		t.FS.IUnlock(ip)
		t.FS.IUnlock(dp)
		t.FS.IPut(ip)
		t.FS.IPut(dp)
		return errv
	}
	if ip.Type == fs.TDir {
		dp.Nlink--
		t.FS.IUpdate(dp)
	}
	t.FS.IUnlock(dp)
	t.FS.IPut(dp)

	ip.Nlink--
	t.FS.IUpdate(ip)
	t.FS.IUnlock(ip)
	t.FS.IPut(ip)
	return 0
}

func (t *Table) sysChdir(p *proc.Proc, args [6]int64) int64 {
	path, err := argStr(p, args, 0, maxPathLen)
	if err != kerrno.EOK {
		return errv
	}
	t.FS.BeginOp()
	defer t.FS.EndOp()

	ip, _, perr := t.FS.Namex(p.Cwd, path, false)
	if perr != kerrno.EOK {
		return errv
	}
	if err := t.FS.ILock(ip); err != kerrno.EOK {
		t.FS.IPut(ip)
		return errv
	}
	if ip.Type != fs.TDir {
		t.FS.IUnlock(ip)
		t.FS.IPut(ip)
		return errv
	}
	t.FS.IUnlock(ip)

	old := p.Cwd
	p.Locked(func() { p.Cwd = ip })
	if old != nil {
		t.FS.IPut(old)
	}
	return 0
}
