package fs

import (
	"github.com/oichkatzelesfrettschen/sv39k/internal/bcache"
	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/wal"
)

// RootInum is the inode number of the filesystem's root directory.
const RootInum = 1

// FS wires the buffer cache, write-ahead log, and superblock together
// into one mounted filesystem instance (spec.md 3, "StartFS-style
// bring-up").
type FS struct {
	dev    int
	cache  *bcache.Cache
	log    *wal.Log
	sb     Superblock
	icache *icache
}

// Stat summarizes an inode for callers outside the package (the
// syscall layer's fstat), avoiding a dependency on the Inode type's
// unexported lock field.
type Stat struct {
	Dev   int
	Inum  int
	Type  int16
	Nlink int16
	Size  uint32
}

// Open mounts an already-formatted image on dev: it reads and
// validates the superblock, opens the log over its reserved region,
// and replays any pending transaction.
func Open(dev disk.Device, ncacheBufs, ninodeHandles int) (*FS, kerrno.Err_t) {
	cache := bcache.New(dev, ncacheBufs)
	sbBuf, err := cache.Bread(0, 1)
	if err != kerrno.EOK {
		return nil, err
	}
	var sb Superblock
	sb.Decode(sbBuf.Data)
	cache.Brelse(sbBuf)
	if sb.Magic != SuperblockMagic {
		return nil, kerrno.EBADARG
	}

	// The log region is NLog blocks: one header block plus NLog-1
	// payload slots.
	log := wal.Open(cache, 0, int(sb.LogStart), int(sb.NLog)-1)
	if err := log.Recover(); err != kerrno.EOK {
		return nil, err
	}

	return &FS{dev: 0, cache: cache, log: log, sb: sb, icache: newICache(ninodeHandles)}, kerrno.EOK
}

// Mkfs formats a fresh image on dev — superblock, zeroed log and
// bitmap regions, and a root directory containing "." and ".." — then
// mounts it, mirroring the teacher's standalone mkfs tool folded into
// the library so cmd/mkfs can call straight through.
func Mkfs(dev disk.Device, totalBlocks, nlog, ninodes int) (*FS, kerrno.Err_t) {
	sb := Layout(totalBlocks, nlog, ninodes)
	cache := bcache.New(dev, 64)

	sbBuf, err := cache.Bread(0, 1)
	if err != kerrno.EOK {
		return nil, err
	}
	sb.Encode(sbBuf.Data)
	werr := cache.Bwrite(sbBuf)
	cache.Brelse(sbBuf)
	if werr != kerrno.EOK {
		return nil, werr
	}

	for b := int(sb.LogStart); b < int(sb.DataStart); b++ {
		zb, zerr := cache.Bread(0, b)
		if zerr != kerrno.EOK {
			return nil, zerr
		}
		for i := range zb.Data {
			zb.Data[i] = 0
		}
		werr := cache.Bwrite(zb)
		cache.Brelse(zb)
		if werr != kerrno.EOK {
			return nil, werr
		}
	}

	log := wal.Open(cache, 0, int(sb.LogStart), int(sb.NLog)-1)
	fsys := &FS{dev: 0, cache: cache, log: log, sb: sb, icache: newICache(64)}

	fsys.BeginOp()
	root, aerr := fsys.IAlloc(TDir)
	if aerr != kerrno.EOK {
		fsys.EndOp()
		return nil, aerr
	}
	if root.Inum != RootInum {
		panic("fs: root inode did not land on RootInum")
	}
	if err := fsys.ILock(root); err != kerrno.EOK {
		fsys.EndOp()
		return nil, err
	}
	root.Nlink = 1
	if err := fsys.IUpdate(root); err != kerrno.EOK {
		fsys.IUnlock(root)
		fsys.EndOp()
		return nil, err
	}
	if err := fsys.dirlink(root, ".", root.Inum); err != kerrno.EOK {
		fsys.IUnlock(root)
		fsys.EndOp()
		return nil, err
	}
	if err := fsys.dirlink(root, "..", root.Inum); err != kerrno.EOK {
		fsys.IUnlock(root)
		fsys.EndOp()
		return nil, err
	}
	fsys.IUnlock(root)
	fsys.IPut(root)
	fsys.EndOp()

	return fsys, kerrno.EOK
}

// BeginOp/EndOp delegate to the log, bounding every filesystem
// mutation inside a transaction (spec.md 4.5).
func (fs *FS) BeginOp()                 { fs.log.BeginOp() }
func (fs *FS) EndOp() kerrno.Err_t      { return fs.log.EndOp() }
func (fs *FS) Log() *wal.Log            { return fs.log }
func (fs *FS) Superblock() Superblock   { return fs.sb }

// Root returns a referenced, unlocked handle to the root directory.
func (fs *FS) Root() *Inode { return fs.IGet(RootInum) }

// StatOf snapshots ip's metadata. ip must be locked.
func (fs *FS) StatOf(ip *Inode) Stat {
	return Stat{Dev: ip.Dev, Inum: ip.Inum, Type: ip.Type, Nlink: ip.Nlink, Size: ip.Size}
}

// Truncate frees every block owned by ip and resets its size to 0.
// ip must be locked and the call must run inside a transaction.
func (fs *FS) Truncate(ip *Inode) kerrno.Err_t { return fs.itrunc(ip) }

// Readi copies up to len(dst) bytes starting at off from ip into dst.
// ip must be locked. Returns the number of bytes actually read.
func (fs *FS) Readi(ip *Inode, dst []byte, off int) (int, kerrno.Err_t) {
	if off < 0 || uint32(off) > ip.Size {
		return 0, kerrno.EBADARG
	}
	n := len(dst)
	if uint32(off+n) > ip.Size {
		n = int(ip.Size) - off
	}
	total := 0
	for total < n {
		blockno, err := fs.bmap(ip, (off+total)/BSIZE)
		if err != kerrno.EOK {
			return total, err
		}
		buf, err := fs.cache.Bread(fs.dev, blockno)
		if err != kerrno.EOK {
			return total, err
		}
		boff := (off + total) % BSIZE
		m := BSIZE - boff
		if m > n-total {
			m = n - total
		}
		copy(dst[total:total+m], buf.Data[boff:boff+m])
		fs.cache.Brelse(buf)
		total += m
	}
	return total, kerrno.EOK
}

// Writei copies src into ip starting at off, growing the file and
// allocating blocks as needed, up to MAXFILE. ip must be locked and
// the call must run inside a transaction.
func (fs *FS) Writei(ip *Inode, src []byte, off int) (int, kerrno.Err_t) {
	if off < 0 || off+len(src) > MAXFILE*BSIZE {
		return 0, kerrno.EBADARG
	}
	total := 0
	for total < len(src) {
		blockno, err := fs.bmap(ip, (off+total)/BSIZE)
		if err != kerrno.EOK {
			return total, err
		}
		buf, err := fs.cache.Bread(fs.dev, blockno)
		if err != kerrno.EOK {
			return total, err
		}
		boff := (off + total) % BSIZE
		m := BSIZE - boff
		if m > len(src)-total {
			m = len(src) - total
		}
		copy(buf.Data[boff:boff+m], src[total:total+m])
		fs.logWrite(buf)
		fs.cache.Brelse(buf)
		total += m
	}
	if uint32(off+total) > ip.Size {
		ip.Size = uint32(off + total)
	}
	if err := fs.IUpdate(ip); err != kerrno.EOK {
		return total, err
	}
	return total, kerrno.EOK
}
