package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzelesfrettschen/sv39k/internal/bcache"
	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

// logSize must leave room for the worst case of concurrently
// outstanding transactions this file exercises (up to two) each
// admitting up to MaxOpBlocks, or BeginOp blocks forever waiting for
// headroom that can never appear.
const testLogSize = 40

func newTestLog(t *testing.T, dev disk.Device) (*bcache.Cache, *Log) {
	t.Helper()
	cache := bcache.New(dev, 64)
	l := Open(cache, 0, 0, testLogSize)
	require.Equal(t, kerrno.EOK, l.Recover())
	return cache, l
}

func TestCommitInstallsLoggedBlock(t *testing.T) {
	dev := disk.NewMem(64)
	cache, l := newTestLog(t, dev)

	l.BeginOp()
	buf, err := cache.Bread(0, 45)
	require.Equal(t, kerrno.EOK, err)
	buf.Data[0] = 0xAB
	require.Equal(t, kerrno.EOK, l.LogWrite(buf, 45))
	cache.Brelse(buf)
	require.Equal(t, kerrno.EOK, l.EndOp())

	require.Equal(t, 0, l.Pending())

	// Reread through a fresh cache to confirm the write actually
	// landed on the backing device, not just in memory.
	fresh := bcache.New(dev, 64)
	out, err := fresh.Bread(0, 45)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, byte(0xAB), out.Data[0])
	fresh.Brelse(out)
}

func TestLogWriteAbsorbsRepeatedBlock(t *testing.T) {
	dev := disk.NewMem(64)
	cache, l := newTestLog(t, dev)

	l.BeginOp()
	buf, err := cache.Bread(0, 42)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, kerrno.EOK, l.LogWrite(buf, 42))
	require.Equal(t, kerrno.EOK, l.LogWrite(buf, 42))
	require.Equal(t, 1, l.Pending())
	cache.Brelse(buf)
	require.Equal(t, kerrno.EOK, l.EndOp())
}

func TestEarlyEndOpDoesNotCommitUntilLastOutstanding(t *testing.T) {
	dev := disk.NewMem(64)
	cache, l := newTestLog(t, dev)

	l.BeginOp()
	l.BeginOp()
	require.Equal(t, 2, l.Outstanding())

	buf, err := cache.Bread(0, 43)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, kerrno.EOK, l.LogWrite(buf, 43))
	cache.Brelse(buf)

	require.Equal(t, kerrno.EOK, l.EndOp())
	require.Equal(t, 1, l.Outstanding())
	require.Equal(t, 1, l.Pending()) // first EndOp of two does not commit

	require.Equal(t, kerrno.EOK, l.EndOp())
	require.Equal(t, 0, l.Outstanding())
	require.Equal(t, 0, l.Pending()) // last EndOp commits and clears the log
}

func TestLogWriteOverflowPanics(t *testing.T) {
	const dataBase = testLogSize + 10
	dev := disk.NewMem(dataBase + testLogSize + 1)
	cache, l := newTestLog(t, dev)

	l.BeginOp()
	for i := 0; i < testLogSize; i++ {
		buf, err := cache.Bread(0, dataBase+i)
		require.Equal(t, kerrno.EOK, err)
		require.Equal(t, kerrno.EOK, l.LogWrite(buf, dataBase+i))
		cache.Brelse(buf)
	}
	require.Equal(t, testLogSize, l.Pending())

	buf, err := cache.Bread(0, dataBase+testLogSize)
	require.Equal(t, kerrno.EOK, err)
	defer cache.Brelse(buf)
	require.Panics(t, func() { l.LogWrite(buf, dataBase+testLogSize) })
}

func TestRecoverIsNoOpOnCleanHeader(t *testing.T) {
	dev := disk.NewMem(64)
	_, l := newTestLog(t, dev)
	require.Equal(t, kerrno.EOK, l.Recover())
	require.Equal(t, 0, l.Pending())
}

func TestRecoverPanicsOnCorruptHeader(t *testing.T) {
	dev := disk.NewMem(64)
	cache := bcache.New(dev, 64)

	// Forge a header claiming more entries than the log region holds.
	buf, err := cache.Bread(0, 0)
	require.Equal(t, kerrno.EOK, err)
	putLE32(buf.Data[0:4], uint32(testLogSize+1))
	require.Equal(t, kerrno.EOK, cache.Bwrite(buf))
	cache.Brelse(buf)

	l := Open(cache, 0, 0, testLogSize)
	require.Panics(t, func() { l.Recover() })
}
