package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

func TestPipeWriteReadRoundTrip(t *testing.T) {
	p := NewPipe()
	n, err := p.Write([]byte("payload"))
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, len("payload"), n)

	got := make([]byte, 32)
	n, err = p.Read(got)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, "payload", string(got[:n]))
}

func TestPipeReadBlocksUntilWriteOrClose(t *testing.T) {
	p := NewPipe()
	done := make(chan int, 1)
	go func() {
		buf := make([]byte, 8)
		n, err := p.Read(buf)
		require.Equal(t, kerrno.EOK, err)
		done <- n
	}()

	select {
	case <-done:
		t.Fatal("Read returned before write end produced data or closed")
	case <-time.After(20 * time.Millisecond):
	}

	p.CloseEnd(true) // close write end with nothing written -> EOF
	select {
	case n := <-done:
		require.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("Read never woke up after write end closed")
	}
}

func TestPipeWriteReturnsErrorAfterReadEndClosed(t *testing.T) {
	p := NewPipe()
	p.CloseEnd(false) // close read end
	n, err := p.Write([]byte("x"))
	require.Equal(t, 0, n)
	require.Equal(t, kerrno.EDEVICEIO, err)
}

func TestPipeWriteBlocksWhenFull(t *testing.T) {
	p := NewPipe()
	full := make([]byte, pipeSize)
	n, err := p.Write(full)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, pipeSize, n)

	done := make(chan struct{})
	go func() {
		_, werr := p.Write([]byte("more"))
		require.Equal(t, kerrno.EOK, werr)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Write succeeded on a full pipe")
	case <-time.After(20 * time.Millisecond):
	}

	drained := make([]byte, 4)
	_, rerr := p.Read(drained)
	require.Equal(t, kerrno.EOK, rerr)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write never woke up after room freed")
	}
}
