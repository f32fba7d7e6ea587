package bcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

func TestBreadCachesSameBuffer(t *testing.T) {
	dev := disk.NewMem(64)
	c := New(dev, 8)

	b1, err := c.Bread(0, 5)
	require.Equal(t, kerrno.EOK, err)
	b1.Data[0] = 0x42
	c.Brelse(b1)

	b2, err := c.Bread(0, 5)
	require.Equal(t, kerrno.EOK, err)
	require.Same(t, b1, b2) // same (dev, block) must return the identical buffer
	require.Equal(t, byte(0x42), b2.Data[0])
	c.Brelse(b2)
}

func TestBwriteRequiresSleeplockHeld(t *testing.T) {
	dev := disk.NewMem(4)
	c := New(dev, 4)
	buf, err := c.Bread(0, 0)
	require.Equal(t, kerrno.EOK, err)
	c.Brelse(buf)
	require.Panics(t, func() { c.Bwrite(buf) })
}

func TestBrelseOverReleasePanics(t *testing.T) {
	dev := disk.NewMem(4)
	c := New(dev, 4)
	buf, err := c.Bread(0, 0)
	require.Equal(t, kerrno.EOK, err)
	c.Brelse(buf)
	require.Panics(t, func() { c.Brelse(buf) })
}

func TestEvictionReplacesLeastRecentlyUsed(t *testing.T) {
	dev := disk.NewMem(64)
	c := New(dev, 2) // pool of exactly 2 buffers

	// Hold both buffers locked so evictOne finds no ref==0 candidate
	// and must grow the pool to its 2-buffer limit instead of reusing
	// one of them.
	b0, err := c.Bread(0, 0)
	require.Equal(t, kerrno.EOK, err)
	b1, err := c.Bread(0, 1)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, 2, c.poolSize())

	// Release block 0 first (older lastUse) then block 1 (newer), so
	// block 0 is the LRU victim once a third distinct block is read.
	c.Brelse(b0)
	c.Brelse(b1)

	b2, err := c.Bread(0, 2)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, 2, b2.Block)
	c.Brelse(b2)
	require.Equal(t, 2, c.poolSize())

	// Block 1 was the more recently used of the two, so it must have
	// survived eviction and still hit in the cache.
	b1again, err := c.Bread(0, 1)
	require.Equal(t, kerrno.EOK, err)
	require.Same(t, b1, b1again)
	c.Brelse(b1again)
}

func TestPinKeepsBufferResidentAcrossEviction(t *testing.T) {
	dev := disk.NewMem(64)
	c := New(dev, 1)

	buf, err := c.Bread(0, 0)
	require.Equal(t, kerrno.EOK, err)
	c.Bpin(buf)
	c.Brelse(buf) // drops the Bread reference, pin keeps ref at 1

	require.Panics(t, func() {
		// Pool has only 1 slot and it's pinned: evicting for a new
		// block finds no victim and must panic rather than silently
		// reuse the pinned buffer.
		c.Bread(0, 1)
	})
	c.Bunpin(buf)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	dev := disk.NewMem(4)
	c := New(dev, 4)

	buf, err := c.Bread(0, 1)
	require.Equal(t, kerrno.EOK, err)
	copy(buf.Data, []byte("persisted"))
	require.Equal(t, kerrno.EOK, c.Bwrite(buf))
	c.Brelse(buf)

	// Force a fresh read from the underlying device by using a new
	// cache instance over the same backing store.
	c2 := New(dev, 4)
	buf2, err := c2.Bread(0, 1)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, "persisted", string(buf2.Data[:len("persisted")]))
	c2.Brelse(buf2)
}
