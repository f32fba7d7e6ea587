// Package wal implements the kernel's write-ahead log (spec.md 4.5): a
// bounded redo log over a reserved disk region that groups concurrent
// transactions and commits them atomically, with the header write as
// the single linearization point for crash recovery.
//
// Grounded on the teacher's log-adjacent plumbing in fs.Bdev_block_t
// (Bpin/Bunpin are named directly after the teacher's bpin/bunpin
// contract: "used by the log to keep dirty buffers in the cache until
// commit") and biscuit's split of fs into independent packages (super,
// blk) — the log here is the same kind of small, single-purpose
// package layered directly on bcache.
package wal

import (
	"sync"

	"github.com/oichkatzelesfrettschen/sv39k/internal/bcache"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

// MaxOpBlocks bounds the number of distinct blocks (inode, bitmap,
// indirect, and data blocks) a single transaction may touch.
const MaxOpBlocks = 16

// Log manages the on-disk redo log for one filesystem. LogSize is the
// number of payload blocks following the header block; Start is the
// first block of the header.
type Log struct {
	mu          sync.Mutex
	cond        *sync.Cond
	cache       *bcache.Cache
	dev         int
	start       int
	logSize     int
	outstanding int
	committing  bool
	n           int
	dest        []int // dest[i] = destination block for payload slot i
}

// Open binds a Log to its reserved region [start, start+1+logSize) on
// dev. It does not touch the disk; Recover reads the header and
// replays any committed transaction left over from a previous run.
func Open(cache *bcache.Cache, dev, start, logSize int) *Log {
	l := &Log{cache: cache, dev: dev, start: start, logSize: logSize, dest: make([]int, logSize)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// header layout: n (u32) followed by logSize block numbers (u32 each),
// matching spec.md section 6's "Log header: n (u32), block[LOGSIZE]
// (u32)".
func (l *Log) readHeader() kerrno.Err_t {
	buf, err := l.cache.Bread(l.dev, l.start)
	if err != kerrno.EOK {
		return err
	}
	defer l.cache.Brelse(buf)
	n := int(le32(buf.Data[0:4]))
	if n > l.logSize {
		panic("wal: corrupt log header")
	}
	l.n = n
	for i := 0; i < l.logSize; i++ {
		l.dest[i] = int(le32(buf.Data[4+4*i : 8+4*i]))
	}
	return kerrno.EOK
}

func (l *Log) writeHeader() kerrno.Err_t {
	buf, err := l.cache.Bread(l.dev, l.start)
	if err != kerrno.EOK {
		return err
	}
	putLE32(buf.Data[0:4], uint32(l.n))
	for i := 0; i < l.logSize; i++ {
		putLE32(buf.Data[4+4*i:8+4*i], uint32(l.dest[i]))
	}
	werr := l.cache.Bwrite(buf)
	l.cache.Brelse(buf)
	return werr
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Recover replays a committed-but-not-installed transaction at boot,
// per spec.md 4.5: "if n>0, re-run install ..., then zero n and write
// the header." Idempotent: running it twice is identical to once.
func (l *Log) Recover() kerrno.Err_t {
	if err := l.readHeader(); err != kerrno.EOK {
		return err
	}
	if l.n > 0 {
		if err := l.install(false); err != kerrno.EOK {
			return err
		}
		l.n = 0
		if err := l.writeHeader(); err != kerrno.EOK {
			return err
		}
	}
	return kerrno.EOK
}

// BeginOp enters a new transaction, blocking while the log is
// committing or admitting this transaction could overflow LogSize,
// per spec.md 4.5.
func (l *Log) BeginOp() {
	l.mu.Lock()
	for l.committing || l.n+(l.outstanding+1)*MaxOpBlocks > l.logSize {
		l.cond.Wait()
	}
	l.outstanding++
	l.mu.Unlock()
}

// LogWrite records that buf must be installed as part of the current
// transaction: its block number is absorbed into the header (added
// once, never duplicated — spec.md I5), and the buffer is pinned in
// the cache until commit.
func (l *Log) LogWrite(buf *bcache.Buf, blockno int) kerrno.Err_t {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < l.n; i++ {
		if l.dest[i] == blockno {
			return kerrno.EOK // absorption
		}
	}
	if l.n >= l.logSize {
		panic("wal: log overflow — caller exceeded MaxOpBlocks")
	}
	l.dest[l.n] = blockno
	l.n++
	l.cache.Bpin(buf)
	return kerrno.EOK
}

// EndOp leaves the current transaction. The last outstanding
// transaction to leave performs the commit; earlier ones just wake
// any waiters so BeginOp can re-check the admission condition.
func (l *Log) EndOp() kerrno.Err_t {
	l.mu.Lock()
	l.outstanding--
	doCommit := false
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		l.cond.Broadcast()
	}
	l.mu.Unlock()

	if !doCommit {
		return kerrno.EOK
	}
	err := l.commit()
	l.mu.Lock()
	l.committing = false
	l.cond.Broadcast()
	l.mu.Unlock()
	return err
}

// commit copies every logged block's current cache contents into its
// log slot, writes the header (the commit point), installs each
// block to its real location, unpins it, then zeroes and rewrites the
// header. Any crash before the header bwrite leaves no trace after
// recovery; any crash after it is survived by re-running install.
func (l *Log) commit() kerrno.Err_t {
	l.mu.Lock()
	n := l.n
	dest := append([]int(nil), l.dest[:n]...)
	l.mu.Unlock()

	if n == 0 {
		return kerrno.EOK
	}

	for i, blockno := range dest {
		src, err := l.cache.Bread(l.dev, blockno)
		if err != kerrno.EOK {
			return err
		}
		slot, err := l.cache.Bread(l.dev, l.start+1+i)
		if err != kerrno.EOK {
			l.cache.Brelse(src)
			return err
		}
		copy(slot.Data, src.Data)
		werr := l.cache.Bwrite(slot)
		l.cache.Brelse(slot)
		l.cache.Brelse(src)
		if werr != kerrno.EOK {
			return werr
		}
	}

	if err := l.writeHeader(); err != kerrno.EOK { // commit point
		return err
	}

	if err := l.install(true); err != kerrno.EOK {
		return err
	}

	l.mu.Lock()
	l.n = 0
	l.mu.Unlock()
	return l.writeHeader()
}

// install copies each of the first l.n logged slots to its real
// destination block. When unpin is set (normal commit, not recovery)
// each destination buffer's pin taken by LogWrite is released.
func (l *Log) install(unpin bool) kerrno.Err_t {
	l.mu.Lock()
	n := l.n
	dest := append([]int(nil), l.dest[:n]...)
	l.mu.Unlock()

	for i, blockno := range dest {
		slot, err := l.cache.Bread(l.dev, l.start+1+i)
		if err != kerrno.EOK {
			return err
		}
		dst, err := l.cache.Bread(l.dev, blockno)
		if err != kerrno.EOK {
			l.cache.Brelse(slot)
			return err
		}
		copy(dst.Data, slot.Data)
		werr := l.cache.Bwrite(dst)
		if unpin {
			l.cache.Bunpin(dst)
		}
		l.cache.Brelse(dst)
		l.cache.Brelse(slot)
		if werr != kerrno.EOK {
			return werr
		}
	}
	return kerrno.EOK
}

// Outstanding reports the number of transactions currently open, for
// diagnostics and tests of the bounded-log invariant in spec.md
// section 8.
func (l *Log) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

// Pending reports how many blocks are currently logged.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}
