package fs

import (
	"encoding/binary"

	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

// Balloc scans the bitmap region for a clear bit, sets it, and
// returns the corresponding data block number zeroed and ready for
// use. Must run within a transaction.
func (fs *FS) Balloc() (int, kerrno.Err_t) {
	for b := 0; b < int(fs.sb.NBlocks); b += BSIZE * 8 {
		blockno := fs.sb.BBlock(b)
		buf, err := fs.cache.Bread(fs.dev, blockno)
		if err != kerrno.EOK {
			return 0, err
		}
		for bi := 0; bi < BSIZE*8 && b+bi < int(fs.sb.NBlocks); bi++ {
			byteIdx, bitMask := bi/8, byte(1<<(uint(bi)%8))
			if buf.Data[byteIdx]&bitMask == 0 {
				buf.Data[byteIdx] |= bitMask
				fs.logWrite(buf)
				fs.cache.Brelse(buf)
				return fs.zeroBlock(int(fs.sb.DataStart) + b + bi)
			}
		}
		fs.cache.Brelse(buf)
	}
	return 0, kerrno.EOUTOFBLOCKS
}

func (fs *FS) zeroBlock(blockno int) (int, kerrno.Err_t) {
	buf, err := fs.cache.Bread(fs.dev, blockno)
	if err != kerrno.EOK {
		return 0, err
	}
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	fs.logWrite(buf)
	fs.cache.Brelse(buf)
	return blockno, kerrno.EOK
}

// Bfree clears block's bit in the bitmap. block is an absolute disk
// block number, as returned by Balloc. Must run within a transaction.
func (fs *FS) Bfree(block int) kerrno.Err_t {
	rel := block - int(fs.sb.DataStart)
	blockno := fs.sb.BBlock(rel)
	buf, err := fs.cache.Bread(fs.dev, blockno)
	if err != kerrno.EOK {
		return err
	}
	bi := rel % (BSIZE * 8)
	byteIdx, bitMask := bi/8, byte(1<<(uint(bi)%8))
	if buf.Data[byteIdx]&bitMask == 0 {
		fs.cache.Brelse(buf)
		panic("fs: freeing already-free block")
	}
	buf.Data[byteIdx] &^= bitMask
	fs.logWrite(buf)
	fs.cache.Brelse(buf)
	return kerrno.EOK
}

// bmap returns the data block number backing logical block n of ip,
// allocating direct, single-indirect, or double-indirect blocks as
// needed (spec.md 4.6: "direct + single- + double-indirect mapping").
func (fs *FS) bmap(ip *Inode, n int) (int, kerrno.Err_t) {
	if n < NDIRECT {
		if ip.Addrs[n] == 0 {
			blockno, err := fs.Balloc()
			if err != kerrno.EOK {
				return 0, err
			}
			ip.Addrs[n] = uint32(blockno)
		}
		return int(ip.Addrs[n]), kerrno.EOK
	}
	n -= NDIRECT

	if n < NINDIRECT {
		return fs.bmapIndirect(&ip.Addrs[NDIRECT], n)
	}
	n -= NINDIRECT

	if n < NINDIRECT*NINDIRECT {
		return fs.bmapDoubleIndirect(&ip.Addrs[NDIRECT+1], n)
	}
	return 0, kerrno.EBADARG
}

func (fs *FS) bmapIndirect(slot *uint32, n int) (int, kerrno.Err_t) {
	if *slot == 0 {
		blockno, err := fs.Balloc()
		if err != kerrno.EOK {
			return 0, err
		}
		*slot = uint32(blockno)
	}
	buf, err := fs.cache.Bread(fs.dev, int(*slot))
	if err != kerrno.EOK {
		return 0, err
	}
	off := n * 4
	dst := binary.LittleEndian.Uint32(buf.Data[off : off+4])
	if dst == 0 {
		blockno, aerr := fs.Balloc()
		if aerr != kerrno.EOK {
			fs.cache.Brelse(buf)
			return 0, aerr
		}
		dst = uint32(blockno)
		binary.LittleEndian.PutUint32(buf.Data[off:off+4], dst)
		fs.logWrite(buf)
	}
	fs.cache.Brelse(buf)
	return int(dst), kerrno.EOK
}

func (fs *FS) bmapDoubleIndirect(slot *uint32, n int) (int, kerrno.Err_t) {
	if *slot == 0 {
		blockno, err := fs.Balloc()
		if err != kerrno.EOK {
			return 0, err
		}
		*slot = uint32(blockno)
	}
	outer := n / NINDIRECT
	inner := n % NINDIRECT

	buf, err := fs.cache.Bread(fs.dev, int(*slot))
	if err != kerrno.EOK {
		return 0, err
	}
	off := outer * 4
	mid := binary.LittleEndian.Uint32(buf.Data[off : off+4])
	if mid == 0 {
		blockno, aerr := fs.Balloc()
		if aerr != kerrno.EOK {
			fs.cache.Brelse(buf)
			return 0, aerr
		}
		mid = uint32(blockno)
		binary.LittleEndian.PutUint32(buf.Data[off:off+4], mid)
		fs.logWrite(buf)
	}
	fs.cache.Brelse(buf)
	return fs.bmapIndirect(&mid, inner)
}

// itrunc frees every block reachable from ip (direct, indirect,
// double-indirect) and resets its size to 0. Must run within a
// transaction.
func (fs *FS) itrunc(ip *Inode) kerrno.Err_t {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			if err := fs.Bfree(int(ip.Addrs[i])); err != kerrno.EOK {
				return err
			}
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		if err := fs.freeIndirect(ip.Addrs[NDIRECT]); err != kerrno.EOK {
			return err
		}
		ip.Addrs[NDIRECT] = 0
	}
	if ip.Addrs[NDIRECT+1] != 0 {
		if err := fs.freeDoubleIndirect(ip.Addrs[NDIRECT+1]); err != kerrno.EOK {
			return err
		}
		ip.Addrs[NDIRECT+1] = 0
	}
	ip.Size = 0
	return fs.IUpdate(ip)
}

func (fs *FS) freeIndirect(block uint32) kerrno.Err_t {
	buf, err := fs.cache.Bread(fs.dev, int(block))
	if err != kerrno.EOK {
		return err
	}
	for i := 0; i < NINDIRECT; i++ {
		off := i * 4
		d := binary.LittleEndian.Uint32(buf.Data[off : off+4])
		if d != 0 {
			if err := fs.Bfree(int(d)); err != kerrno.EOK {
				fs.cache.Brelse(buf)
				return err
			}
		}
	}
	fs.cache.Brelse(buf)
	return fs.Bfree(int(block))
}

func (fs *FS) freeDoubleIndirect(block uint32) kerrno.Err_t {
	buf, err := fs.cache.Bread(fs.dev, int(block))
	if err != kerrno.EOK {
		return err
	}
	for i := 0; i < NINDIRECT; i++ {
		off := i * 4
		d := binary.LittleEndian.Uint32(buf.Data[off : off+4])
		if d != 0 {
			if err := fs.freeIndirect(d); err != kerrno.EOK {
				fs.cache.Brelse(buf)
				return err
			}
		}
	}
	fs.cache.Brelse(buf)
	return fs.Bfree(int(block))
}
