// Package bcache implements the kernel's buffer cache (spec.md 4.4): a
// fixed pool of block buffers indexed by a striped hash table with
// per-bucket locks and a single eviction lock, LRU'd by last-release
// tick.
//
// Grounded on the teacher's fs.Bdev_block_t (Ref/pin counts, Done/Cb
// release callback, Write/Read issuing a Bdev_req_t) generalized from
// a single block representation into the full hashed, evicting cache
// table spec.md 4.4 describes (the retrieved teacher file only carries
// the block type, not the table; the table below is built fresh in
// the same idiom: small exported `_t`-suffixed structs, a sync.Mutex
// per bucket, explicit Ref/pin counters).
package bcache

import (
	"sync"
	"sync/atomic"

	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/spinlock"
)

// NumBuckets is the number of hash buckets backing the cache's bucket
// table (spec.md 4.4: NBUFMAP_BUCKET).
const NumBuckets = 13

// Buf is one cached disk block.
type Buf struct {
	sleep    *spinlock.Sleeplock
	Dev      int
	Block    int
	Valid    bool
	ref      int32
	pin      int32
	lastUse  uint64
	Data     []byte
	evicting bool
}

type bucket struct {
	mu    sync.Mutex
	chain []*Buf
}

// Cache is the fixed-size, bucket-hashed buffer pool.
type Cache struct {
	dev     disk.Device
	buckets [NumBuckets]*bucket
	evict   sync.Mutex
	tick    uint64
	nbuf    int
	inUse   int32
}

// New creates a cache in front of dev. nbuf bounds the number of
// distinct blocks resident at once (spec.md 4.4: "fixed pool of NBUF
// buffers").
func New(dev disk.Device, nbuf int) *Cache {
	c := &Cache{dev: dev, nbuf: nbuf}
	for i := range c.buckets {
		c.buckets[i] = &bucket{}
	}
	return c
}

func key(dev, blockno int) int {
	return ((dev << 27) ^ blockno) % NumBuckets
}

func absKey(k int) int {
	if k < 0 {
		return -k
	}
	return k
}

// Bread returns the locked, valid buffer for (dev, blockno), reading
// it from disk on a cache miss, per the three-step protocol in
// spec.md 4.4: bucket-lock hit, eviction-lock double-check, then
// cross-bucket scan for the globally least-recently-used buffer.
func (c *Cache) Bread(dev, blockno int) (*Buf, kerrno.Err_t) {
	bi := absKey(key(dev, blockno))
	b := c.buckets[bi]

	b.mu.Lock()
	if buf := findLocked(b, dev, blockno); buf != nil {
		atomic.AddInt32(&buf.ref, 1)
		b.mu.Unlock()
		return c.finishBread(buf)
	}
	b.mu.Unlock()

	// Miss: serialize eviction attempts with the global eviction lock,
	// then re-scan the target bucket to absorb a concurrent insert.
	c.evict.Lock()
	b.mu.Lock()
	if buf := findLocked(b, dev, blockno); buf != nil {
		atomic.AddInt32(&buf.ref, 1)
		b.mu.Unlock()
		c.evict.Unlock()
		return c.finishBread(buf)
	}
	b.mu.Unlock()

	buf, err := c.evictOne(bi, dev, blockno)
	c.evict.Unlock()
	if err != kerrno.EOK {
		return nil, err
	}
	return c.finishBread(buf)
}

func findLocked(b *bucket, dev, blockno int) *Buf {
	for _, buf := range b.chain {
		if buf.Dev == dev && buf.Block == blockno {
			return buf
		}
	}
	return nil
}

// evictOne scans every bucket for the buffer with ref==0 and the
// smallest lastUse, moves it into the target bucket, and resets its
// identity. Per spec.md 4.4 it holds at most the current bucket's
// lock and one other — the current winning bucket — in ascending
// index order, which rules out a lock cycle.
func (c *Cache) evictOne(targetBucket, dev, blockno int) (*Buf, kerrno.Err_t) {
	var winner *Buf
	winnerBucket := -1
	var heldBucket = -1

	for i := 0; i < NumBuckets; i++ {
		c.buckets[i].mu.Lock()
		for _, buf := range c.buckets[i].chain {
			if atomic.LoadInt32(&buf.ref) == 0 && (winner == nil || buf.lastUse < winner.lastUse) {
				if heldBucket != -1 && heldBucket != i {
					c.buckets[heldBucket].mu.Unlock()
				}
				winner = buf
				winnerBucket = i
				heldBucket = i
			}
		}
		if i != heldBucket {
			c.buckets[i].mu.Unlock()
		}
	}

	if winner == nil {
		if c.poolSize() < c.nbuf {
			nb := &Buf{sleep: spinlock.NewSleeplock("buf"), Data: make([]byte, disk.BlockSize)}
			nb.Dev, nb.Block, nb.ref = dev, blockno, 1
			atomic.AddInt32(&c.inUse, 1)
			tb := c.buckets[targetBucket]
			tb.mu.Lock()
			tb.chain = append(tb.chain, nb)
			tb.mu.Unlock()
			return nb, kerrno.EOK
		}
		panic("bcache: no buffer available for eviction")
	}

	// Remove winner from its old bucket (already locked), then insert
	// into target (lock target too, if distinct, in ascending order
	// relative to what's held — winnerBucket is already held).
	old := c.buckets[winnerBucket]
	removeLocked(old, winner)
	if winnerBucket == targetBucket {
		winner.Dev, winner.Block, winner.Valid, winner.ref = dev, blockno, false, 1
		old.chain = append(old.chain, winner)
		old.mu.Unlock()
		return winner, kerrno.EOK
	}
	old.mu.Unlock()

	tb := c.buckets[targetBucket]
	tb.mu.Lock()
	winner.Dev, winner.Block, winner.Valid, winner.ref = dev, blockno, false, 1
	tb.chain = append(tb.chain, winner)
	tb.mu.Unlock()
	return winner, kerrno.EOK
}

func removeLocked(b *bucket, target *Buf) {
	for i, buf := range b.chain {
		if buf == target {
			b.chain = append(b.chain[:i], b.chain[i+1:]...)
			return
		}
	}
}

func (c *Cache) poolSize() int {
	n := 0
	for i := range c.buckets {
		c.buckets[i].mu.Lock()
		n += len(c.buckets[i].chain)
		c.buckets[i].mu.Unlock()
	}
	return n
}

// bufHolder is a single sentinel "holder" id: each Buf owns its own
// Sleeplock instance, so exclusivity never depends on distinguishing
// callers by identity, only on the per-buffer lock state.
const bufHolder = 1

func (c *Cache) finishBread(buf *Buf) (*Buf, kerrno.Err_t) {
	buf.sleep.Acquire(bufHolder)
	if !buf.Valid {
		if err := c.dev.ReadBlock(buf.Block, buf.Data); err != kerrno.EOK {
			buf.sleep.Release()
			return nil, err
		}
		buf.Valid = true
	}
	return buf, kerrno.EOK
}

// Bwrite issues a synchronous write of buf while the caller holds its
// sleeplock.
func (c *Cache) Bwrite(buf *Buf) kerrno.Err_t {
	if !buf.sleep.HeldBy(bufHolder) {
		panic("bcache: bwrite without sleeplock held")
	}
	return c.dev.WriteBlock(buf.Block, buf.Data)
}

// Brelse releases the sleeplock, then drops the buffer's reference
// count; the buffer's LRU timestamp updates only once ref reaches 0.
func (c *Cache) Brelse(buf *Buf) {
	buf.sleep.Release()
	bi := absKey(key(buf.Dev, buf.Block))
	b := c.buckets[bi]
	b.mu.Lock()
	n := atomic.AddInt32(&buf.ref, -1)
	if n == 0 {
		c.tick++
		buf.lastUse = c.tick
	} else if n < 0 {
		b.mu.Unlock()
		panic("bcache: release without holding reference")
	}
	b.mu.Unlock()
}

// Bpin/Bunpin adjust only the reference count (not the sleeplock),
// used by the write-ahead log to keep dirty buffers resident until
// commit (spec.md 4.5).
func (c *Cache) Bpin(buf *Buf)   { atomic.AddInt32(&buf.ref, 1) }
func (c *Cache) Bunpin(buf *Buf) { atomic.AddInt32(&buf.ref, -1) }

// Acquire locks buf's sleeplock (used when a caller already holds a
// reference, e.g. via Bpin, and needs exclusive access).
func (buf *Buf) Acquire() { buf.sleep.Acquire(bufHolder) }

// Release unlocks buf's sleeplock.
func (buf *Buf) Release() { buf.sleep.Release() }
