package fs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

// nlog must exceed wal.MaxOpBlocks (16) or a single BeginOp inside
// Mkfs/tests would block forever waiting for log headroom.
const (
	testTotalBlocks = 256
	testNLog        = 20
	testNInodes     = 64
)

func mkfsTest(t *testing.T) *FS {
	t.Helper()
	dev := disk.NewMem(testTotalBlocks)
	fsys, err := Mkfs(dev, testTotalBlocks, testNLog, testNInodes)
	require.Equal(t, kerrno.EOK, err)
	return fsys
}

func TestMkfsRootDirectory(t *testing.T) {
	fsys := mkfsTest(t)
	root := fsys.Root()
	require.Equal(t, kerrno.EOK, fsys.ILock(root))
	st := fsys.StatOf(root)
	require.Equal(t, int16(TDir), st.Type)
	require.Equal(t, int16(1), st.Nlink)

	dot, _, err := fsys.Dirlookup(root, ".")
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, RootInum, dot.Inum)
	fsys.IPut(dot)

	dotdot, _, err := fsys.Dirlookup(root, "..")
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, RootInum, dotdot.Inum)
	fsys.IPut(dotdot)

	fsys.IUnlock(root)
	fsys.IPut(root)
}

func TestWriteReadRoundTrip(t *testing.T) {
	fsys := mkfsTest(t)

	fsys.BeginOp()
	ip, err := fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, kerrno.EOK, fsys.ILock(ip))
	ip.Nlink = 1
	require.Equal(t, kerrno.EOK, fsys.IUpdate(ip))

	n, werr := fsys.Writei(ip, []byte("hello, filesystem"), 0)
	require.Equal(t, kerrno.EOK, werr)
	require.Equal(t, len("hello, filesystem"), n)

	root := fsys.Root()
	require.Equal(t, kerrno.EOK, fsys.ILock(root))
	require.Equal(t, kerrno.EOK, fsys.Dirlink(root, "greeting", ip.Inum))
	fsys.IUnlock(root)
	fsys.IPut(root)

	fsys.IUnlock(ip)
	fsys.IPut(ip)
	require.Equal(t, kerrno.EOK, fsys.EndOp())

	// Resolve the new entry and read its contents back from a clean
	// lookup, independent of the handle used to write it.
	root2 := fsys.Root()
	require.Equal(t, kerrno.EOK, fsys.ILock(root2))
	found, _, err := fsys.Dirlookup(root2, "greeting")
	require.Equal(t, kerrno.EOK, err)
	fsys.IUnlock(root2)
	fsys.IPut(root2)

	require.Equal(t, kerrno.EOK, fsys.ILock(found))
	buf := make([]byte, 32)
	n, rerr := fsys.Readi(found, buf, 0)
	require.Equal(t, kerrno.EOK, rerr)
	require.Equal(t, "hello, filesystem", string(buf[:n]))
	fsys.IUnlock(found)
	fsys.IPut(found)
}

func TestDirlinkDuplicateNameFails(t *testing.T) {
	fsys := mkfsTest(t)

	fsys.BeginOp()
	a, err := fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, kerrno.EOK, fsys.ILock(a))
	a.Nlink = 1
	require.Equal(t, kerrno.EOK, fsys.IUpdate(a))
	fsys.IUnlock(a)

	b, err := fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, kerrno.EOK, fsys.ILock(b))
	b.Nlink = 1
	require.Equal(t, kerrno.EOK, fsys.IUpdate(b))
	fsys.IUnlock(b)

	root := fsys.Root()
	require.Equal(t, kerrno.EOK, fsys.ILock(root))
	require.Equal(t, kerrno.EOK, fsys.Dirlink(root, "dup", a.Inum))
	require.Equal(t, kerrno.EEXIST, fsys.Dirlink(root, "dup", b.Inum))
	fsys.IUnlock(root)
	fsys.IPut(root)

	fsys.IPut(a)
	fsys.IPut(b)
	require.Equal(t, kerrno.EOK, fsys.EndOp())
}

func TestUnlinkFreesInodeForReuse(t *testing.T) {
	fsys := mkfsTest(t)

	fsys.BeginOp()
	ip, err := fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOK, err)
	freedInum := ip.Inum
	require.Equal(t, kerrno.EOK, fsys.ILock(ip))
	ip.Nlink = 1
	require.Equal(t, kerrno.EOK, fsys.IUpdate(ip))
	fsys.IUnlock(ip)

	root := fsys.Root()
	require.Equal(t, kerrno.EOK, fsys.ILock(root))
	require.Equal(t, kerrno.EOK, fsys.Dirlink(root, "throwaway", ip.Inum))
	fsys.IUnlock(root)

	// Drop the link, then drop the reference: nlink hits 0 with ref 1,
	// so IPut truncates and frees the on-disk inode.
	require.Equal(t, kerrno.EOK, fsys.ILock(root))
	require.Equal(t, kerrno.EOK, fsys.Dirunlink(root, "throwaway"))
	fsys.IUnlock(root)
	fsys.IPut(root)

	require.Equal(t, kerrno.EOK, fsys.ILock(ip))
	ip.Nlink = 0
	require.Equal(t, kerrno.EOK, fsys.IUpdate(ip))
	fsys.IUnlock(ip)
	require.Equal(t, kerrno.EOK, fsys.IPut(ip))
	require.Equal(t, kerrno.EOK, fsys.EndOp())

	fsys.BeginOp()
	reused, err := fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, freedInum, reused.Inum)
	fsys.IPut(reused)
	require.Equal(t, kerrno.EOK, fsys.EndOp())
}

func TestNamexResolvesNestedPath(t *testing.T) {
	fsys := mkfsTest(t)

	fsys.BeginOp()
	sub, err := fsys.IAlloc(TDir)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, kerrno.EOK, fsys.ILock(sub))
	sub.Nlink = 1
	require.Equal(t, kerrno.EOK, fsys.IUpdate(sub))
	require.Equal(t, kerrno.EOK, fsys.Dirlink(sub, ".", sub.Inum))
	require.Equal(t, kerrno.EOK, fsys.Dirlink(sub, "..", RootInum))
	fsys.IUnlock(sub)

	root := fsys.Root()
	require.Equal(t, kerrno.EOK, fsys.ILock(root))
	require.Equal(t, kerrno.EOK, fsys.Dirlink(root, "sub", sub.Inum))
	fsys.IUnlock(root)
	fsys.IPut(root)

	file, err := fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, kerrno.EOK, fsys.ILock(file))
	file.Nlink = 1
	require.Equal(t, kerrno.EOK, fsys.IUpdate(file))
	fsys.IUnlock(file)

	require.Equal(t, kerrno.EOK, fsys.ILock(sub))
	require.Equal(t, kerrno.EOK, fsys.Dirlink(sub, "leaf", file.Inum))
	fsys.IUnlock(sub)

	fsys.IPut(sub)
	fsys.IPut(file)
	require.Equal(t, kerrno.EOK, fsys.EndOp())

	resolved, _, err := fsys.Namex(nil, "/sub/leaf", false)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, file.Inum, resolved.Inum)
	fsys.IPut(resolved)

	parent, name, err := fsys.Namex(nil, "/sub/leaf", true)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, "leaf", name)
	require.Equal(t, sub.Inum, parent.Inum)
	fsys.IPut(parent)
}

func TestWriteReadAcrossIndirectBlock(t *testing.T) {
	fsys := mkfsTest(t)

	fsys.BeginOp()
	ip, err := fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, kerrno.EOK, fsys.ILock(ip))
	ip.Nlink = 1
	require.Equal(t, kerrno.EOK, fsys.IUpdate(ip))

	// This offset lands in the single-indirect range, past all
	// NDIRECT direct block pointers.
	off := NDIRECT * BSIZE
	payload := []byte("past the direct blocks")
	n, werr := fsys.Writei(ip, payload, off)
	require.Equal(t, kerrno.EOK, werr)
	require.Equal(t, len(payload), n)
	fsys.IUnlock(ip)
	require.Equal(t, kerrno.EOK, fsys.EndOp())

	require.Equal(t, kerrno.EOK, fsys.ILock(ip))
	got := make([]byte, len(payload))
	n, rerr := fsys.Readi(ip, got, off)
	require.Equal(t, kerrno.EOK, rerr)
	require.Equal(t, payload, got[:n])
	fsys.IUnlock(ip)
	fsys.IPut(ip)
}

func TestIAllocExhaustionReturnsError(t *testing.T) {
	dev := disk.NewMem(64)
	fsys, err := Mkfs(dev, 64, testNLog, 3)
	require.Equal(t, kerrno.EOK, err)

	fsys.BeginOp()
	// Root already claimed inum 1; inum 2 is the only slot left.
	ip, err := fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOK, err)
	require.Equal(t, 2, ip.Inum)
	fsys.IPut(ip)

	_, err = fsys.IAlloc(TFile)
	require.Equal(t, kerrno.EOUTOFINODES, err)
	require.Equal(t, kerrno.EOK, fsys.EndOp())
}

func TestOpenMountsFormattedImage(t *testing.T) {
	dev := disk.NewMem(testTotalBlocks)
	_, err := Mkfs(dev, testTotalBlocks, testNLog, testNInodes)
	require.Equal(t, kerrno.EOK, err)

	fsys, err := Open(dev, 64, 64)
	require.Equal(t, kerrno.EOK, err)
	root := fsys.Root()
	require.Equal(t, kerrno.EOK, fsys.ILock(root))
	require.Equal(t, int16(TDir), fsys.StatOf(root).Type)
	fsys.IUnlock(root)
	fsys.IPut(root)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dev := disk.NewMem(testTotalBlocks)
	_, err := Open(dev, 64, 64)
	require.Equal(t, kerrno.EBADARG, err)
}
