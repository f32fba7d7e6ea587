package uart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

func TestPutByteGetByteFIFOOrder(t *testing.T) {
	r := NewRing()
	for _, b := range []byte("abc") {
		require.Equal(t, kerrno.EOK, r.PutByte(b))
	}
	for _, want := range []byte("abc") {
		got, err := r.GetByte()
		require.Equal(t, kerrno.EOK, err)
		require.Equal(t, want, got)
	}
}

func TestGetByteBlocksUntilPut(t *testing.T) {
	r := NewRing()
	done := make(chan byte, 1)
	go func() {
		b, err := r.GetByte()
		require.Equal(t, kerrno.EOK, err)
		done <- b
	}()

	select {
	case <-done:
		t.Fatal("GetByte returned before any byte was put")
	case <-time.After(20 * time.Millisecond):
	}

	require.Equal(t, kerrno.EOK, r.PutByte('x'))
	select {
	case b := <-done:
		require.Equal(t, byte('x'), b)
	case <-time.After(time.Second):
		t.Fatal("GetByte never woke up after PutByte")
	}
}

func TestPutByteBlocksWhenFull(t *testing.T) {
	r := NewRing()
	for i := 0; i < ringSize; i++ {
		require.Equal(t, kerrno.EOK, r.PutByte(byte(i)))
	}

	done := make(chan struct{})
	go func() {
		require.Equal(t, kerrno.EOK, r.PutByte(0xFF))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("PutByte succeeded on a full ring")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := r.GetByte()
	require.Equal(t, kerrno.EOK, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PutByte never woke up after room freed")
	}
}

func TestInterruptReportsPendingBytes(t *testing.T) {
	r := NewRing()
	require.False(t, r.Interrupt())
	require.Equal(t, kerrno.EOK, r.PutByte('y'))
	require.True(t, r.Interrupt())
	_, err := r.GetByte()
	require.Equal(t, kerrno.EOK, err)
	require.False(t, r.Interrupt())
}
