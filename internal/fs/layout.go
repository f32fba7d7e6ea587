// Package fs implements the on-disk filesystem: superblock, the
// bitmap-based block allocator, the inode cache, directories, and
// path resolution (spec.md 3 and 4.6).
//
// Grounded on the teacher's fs.Superblock_t (the fieldr/fieldw
// accessor style, generalized from unsafe-cast field access into
// explicit little-endian encode/decode per spec.md section 9) and
// fs.Bdev_block_t/BSIZE for block sizing.
package fs

import "github.com/oichkatzelesfrettschen/sv39k/internal/disk"

// BSIZE is the on-disk block size in bytes.
const BSIZE = disk.BlockSize

// DIRSIZ is the maximum length of a single path component.
const DIRSIZ = 14

// NDIRECT is the number of direct block pointers in an inode.
const NDIRECT = 12

// NINDIRECT is the number of block numbers that fit in one indirect
// block (BSIZE/4, since each block number is a 4-byte little-endian
// integer).
const NINDIRECT = BSIZE / 4

// MAXFILE is the largest file size in blocks: NDIRECT direct blocks,
// plus NINDIRECT via the single indirect block, plus NINDIRECT^2 via
// the double indirect block.
const MAXFILE = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT

// NADDRS is the length of an inode's address array: NDIRECT direct
// slots plus one single- and one double-indirect slot.
const NADDRS = NDIRECT + 2

// dinodeSize is the on-disk size, in bytes, of one packed inode
// record: type, major, minor, nlink (2 bytes each) + size (4 bytes) +
// NADDRS 4-byte block numbers.
const dinodeSize = 2*4 + 4 + NADDRS*4

// IPB is the number of packed on-disk inodes per block.
const IPB = BSIZE / dinodeSize

// direntSize is the on-disk size of one directory entry: a u16 inode
// number followed by a fixed DIRSIZ-byte name.
const direntSize = 2 + DIRSIZ

// NDIRENTS is the number of directory entries packed per block.
const NDIRENTS = BSIZE / direntSize

// Inode types, matching spec.md 3's "type (0 = free, regular,
// directory, device, symlink)".
const (
	TFree   = 0
	TFile   = 1
	TDir    = 2
	TDev    = 3
	TSymlnk = 4
)

// superblockSize is the on-disk size of the superblock: nine
// little-endian 32-bit fields, the eight of spec.md section 6 plus
// DataStart.
const superblockSize = 9 * 4
