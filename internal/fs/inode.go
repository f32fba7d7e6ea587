package fs

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/oichkatzelesfrettschen/sv39k/internal/bcache"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/spinlock"
	"github.com/oichkatzelesfrettschen/sv39k/internal/wal"
)

// dinode is the on-disk inode layout (spec.md section 6): type,
// major, minor, nlink (each i16), size (u32), and NADDRS u32 block
// addresses.
type dinode struct {
	Type   int16
	Major  int16
	Minor  int16
	Nlink  int16
	Size   uint32
	Addrs  [NADDRS]uint32
}

func decodeDinode(b []byte) dinode {
	var d dinode
	d.Type = int16(binary.LittleEndian.Uint16(b[0:2]))
	d.Major = int16(binary.LittleEndian.Uint16(b[2:4]))
	d.Minor = int16(binary.LittleEndian.Uint16(b[4:6]))
	d.Nlink = int16(binary.LittleEndian.Uint16(b[6:8]))
	d.Size = binary.LittleEndian.Uint32(b[8:12])
	for i := 0; i < NADDRS; i++ {
		d.Addrs[i] = binary.LittleEndian.Uint32(b[12+4*i : 16+4*i])
	}
	return d
}

func encodeDinode(b []byte, d dinode) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(d.Type))
	binary.LittleEndian.PutUint16(b[2:4], uint16(d.Major))
	binary.LittleEndian.PutUint16(b[4:6], uint16(d.Minor))
	binary.LittleEndian.PutUint16(b[6:8], uint16(d.Nlink))
	binary.LittleEndian.PutUint32(b[8:12], d.Size)
	for i := 0; i < NADDRS; i++ {
		binary.LittleEndian.PutUint32(b[12+4*i:16+4*i], d.Addrs[i])
	}
}

// Inode is the in-memory cached handle for an on-disk inode (spec.md
// 3). Ref keeps the handle resident; Valid means the fields below
// mirror disk.
type Inode struct {
	sleep *spinlock.Sleeplock
	Dev   int
	Inum  int
	ref   int32
	Valid bool

	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NADDRS]uint32
}

// icache is the fixed-size inode handle table (spec.md 3: "at most
// one handle per (device, inum) with ref>0").
type icache struct {
	mu      sync.Mutex
	entries []*Inode
}

func newICache(n int) *icache {
	c := &icache{entries: make([]*Inode, n)}
	for i := range c.entries {
		c.entries[i] = &Inode{sleep: spinlock.NewSleeplock("inode")}
	}
	return c
}

// iget returns a referenced handle for (dev, inum), reusing an
// existing entry or recycling a zero-ref slot. It never reads disk.
func (c *icache) iget(dev, inum int) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()

	var free *Inode
	for _, ip := range c.entries {
		if atomic.LoadInt32(&ip.ref) > 0 && ip.Dev == dev && ip.Inum == inum {
			atomic.AddInt32(&ip.ref, 1)
			return ip
		}
		if free == nil && atomic.LoadInt32(&ip.ref) == 0 {
			free = ip
		}
	}
	if free == nil {
		panic("fs: inode cache exhausted")
	}
	free.Dev = dev
	free.Inum = inum
	free.Valid = false
	atomic.StoreInt32(&free.ref, 1)
	return free
}

func (c *icache) dup(ip *Inode) *Inode {
	atomic.AddInt32(&ip.ref, 1)
	return ip
}

// IGet returns a referenced, unlocked handle for inum.
func (fs *FS) IGet(inum int) *Inode { return fs.icache.iget(fs.dev, inum) }

// IDup increments ip's reference count and returns it, used when a
// second owner (e.g. a dup'd fd) needs its own reference.
func (fs *FS) IDup(ip *Inode) *Inode { return fs.icache.dup(ip) }

// ILock acquires ip's sleeplock and lazily reads the on-disk inode if
// not already valid. It panics if the on-disk type is free — the
// inode was recycled out from under an active reference.
func (fs *FS) ILock(ip *Inode) kerrno.Err_t {
	ip.sleep.Acquire(int64(ip.Inum))
	if !ip.Valid {
		blockno := fs.sb.IBlock(ip.Inum)
		buf, err := fs.cache.Bread(fs.dev, blockno)
		if err != kerrno.EOK {
			ip.sleep.Release()
			return err
		}
		off := (ip.Inum % IPB) * dinodeSize
		d := decodeDinode(buf.Data[off : off+dinodeSize])
		fs.cache.Brelse(buf)
		if d.Type == TFree {
			ip.sleep.Release()
			panic("fs: ilock of freed inode")
		}
		ip.Type, ip.Major, ip.Minor, ip.Nlink, ip.Size, ip.Addrs = d.Type, d.Major, d.Minor, d.Nlink, d.Size, d.Addrs
		ip.Valid = true
	}
	return kerrno.EOK
}

// IUnlock releases ip's sleeplock.
func (fs *FS) IUnlock(ip *Inode) { ip.sleep.Release() }

// IUpdate writes ip's in-memory fields back to its on-disk record.
// Must be called within a transaction.
func (fs *FS) IUpdate(ip *Inode) kerrno.Err_t {
	blockno := fs.sb.IBlock(ip.Inum)
	buf, err := fs.cache.Bread(fs.dev, blockno)
	if err != kerrno.EOK {
		return err
	}
	off := (ip.Inum % IPB) * dinodeSize
	encodeDinode(buf.Data[off:off+dinodeSize], dinode{ip.Type, ip.Major, ip.Minor, ip.Nlink, ip.Size, ip.Addrs})
	fs.logWrite(buf)
	fs.cache.Brelse(buf)
	return kerrno.EOK
}

// IPut drops a reference to ip. When the last reference drops and
// Nlink is 0, the inode is truncated and freed within a transaction —
// every call chain that may invoke IPut must already be inside one
// (spec.md 4.6).
func (fs *FS) IPut(ip *Inode) kerrno.Err_t {
	if atomic.LoadInt32(&ip.ref) == 1 && ip.Valid && ip.Nlink == 0 {
		if err := fs.ILock(ip); err != kerrno.EOK {
			return err
		}
		if err := fs.itrunc(ip); err != kerrno.EOK {
			fs.IUnlock(ip)
			return err
		}
		ip.Type = TFree
		if err := fs.IUpdate(ip); err != kerrno.EOK {
			fs.IUnlock(ip)
			return err
		}
		ip.Valid = false
		fs.IUnlock(ip)
	}
	atomic.AddInt32(&ip.ref, -1)
	return kerrno.EOK
}

// IAlloc scans the inode region for a free (type==TFree) entry, marks
// it with typ, and returns a referenced, unlocked handle. Must run
// within a transaction since it writes the on-disk type immediately
// to claim the slot.
func (fs *FS) IAlloc(typ int16) (*Inode, kerrno.Err_t) {
	for inum := 1; inum < int(fs.sb.NInodes); inum++ {
		blockno := fs.sb.IBlock(inum)
		buf, err := fs.cache.Bread(fs.dev, blockno)
		if err != kerrno.EOK {
			return nil, err
		}
		off := (inum % IPB) * dinodeSize
		d := decodeDinode(buf.Data[off : off+dinodeSize])
		if d.Type == TFree {
			d = dinode{Type: typ}
			encodeDinode(buf.Data[off:off+dinodeSize], d)
			fs.logWrite(buf)
			fs.cache.Brelse(buf)
			return fs.IGet(inum), kerrno.EOK
		}
		fs.cache.Brelse(buf)
	}
	return nil, kerrno.EOUTOFINODES
}

// logWrite routes a dirty buffer through the active transaction.
func (fs *FS) logWrite(buf *bcache.Buf) {
	_ = fs.log.LogWrite(buf, buf.Block)
}
