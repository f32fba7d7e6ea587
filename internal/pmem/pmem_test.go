package pmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

func TestAllocFillsPage(t *testing.T) {
	a := New(4, 1)
	f, err := a.Alloc(0)
	require.Equal(t, kerrno.EOK, err)
	b := a.Bytes(f)
	for _, v := range b {
		require.Equal(t, byte(fillByte), v)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := New(2, 1)
	_, err := a.Alloc(0)
	require.Equal(t, kerrno.EOK, err)
	_, err = a.Alloc(0)
	require.Equal(t, kerrno.EOK, err)
	_, err = a.Alloc(0)
	require.Equal(t, kerrno.EOOM, err)
}

func TestCrossCPUSteal(t *testing.T) {
	a := New(8, 2)
	require.Equal(t, 8, a.FreeCount())

	// Drain CPU 0's local share first via the local pop path, forcing
	// subsequent allocs to steal from CPU 1.
	for i := 0; i < 4; i++ {
		_, err := a.Alloc(0)
		require.Equal(t, kerrno.EOK, err)
	}
	f, err := a.Alloc(0)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, 3, a.FreeCount()) // stole CPU 1's 4 pages, then popped 1 locally

	a.Free(0, f)
	require.Equal(t, 4, a.FreeCount())
}

func TestFreeOutOfRangePanics(t *testing.T) {
	a := New(1, 1)
	require.Panics(t, func() { a.Free(0, Frame(100)) })
}
