package fs

import "encoding/binary"

// SuperblockMagic identifies a valid filesystem image at mount time
// (spec.md section 6: "validated against a known magic at mount
// time").
const SuperblockMagic = 0x53563339 // "SV39"

// Superblock mirrors the on-disk superblock: magic, device size, data
// block and inode counts, and the starting blocks of the log, inode,
// and bitmap regions (spec.md 3 and section 6).
//
// Replacing the teacher's unsafe-cast fieldr/fieldw accessors
// (fs.Superblock_t) with an explicit struct and Encode/Decode pair is
// exactly the transformation spec.md section 9 calls for: "Unchecked
// C casts ... become explicit, endianness-aware decode/encode
// routines."
type Superblock struct {
	Magic      uint32
	Size       uint32 // total blocks on disk
	NBlocks    uint32 // number of data blocks
	NInodes    uint32 // number of inodes
	NLog       uint32 // number of log blocks
	LogStart   uint32
	InodeStart uint32
	BmapStart  uint32
	DataStart  uint32 // first block of the data region (bit 0 of the bitmap)
}

// Decode populates sb from a BSIZE-byte block buffer.
func (sb *Superblock) Decode(b []byte) {
	sb.Magic = binary.LittleEndian.Uint32(b[0:4])
	sb.Size = binary.LittleEndian.Uint32(b[4:8])
	sb.NBlocks = binary.LittleEndian.Uint32(b[8:12])
	sb.NInodes = binary.LittleEndian.Uint32(b[12:16])
	sb.NLog = binary.LittleEndian.Uint32(b[16:20])
	sb.LogStart = binary.LittleEndian.Uint32(b[20:24])
	sb.InodeStart = binary.LittleEndian.Uint32(b[24:28])
	sb.BmapStart = binary.LittleEndian.Uint32(b[28:32])
	sb.DataStart = binary.LittleEndian.Uint32(b[32:36])
}

// Encode serializes sb into the first superblockSize bytes of b.
func (sb *Superblock) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.Size)
	binary.LittleEndian.PutUint32(b[8:12], sb.NBlocks)
	binary.LittleEndian.PutUint32(b[12:16], sb.NInodes)
	binary.LittleEndian.PutUint32(b[16:20], sb.NLog)
	binary.LittleEndian.PutUint32(b[20:24], sb.LogStart)
	binary.LittleEndian.PutUint32(b[24:28], sb.InodeStart)
	binary.LittleEndian.PutUint32(b[28:32], sb.BmapStart)
	binary.LittleEndian.PutUint32(b[32:36], sb.DataStart)
}

// IBlock returns the block number holding inode inum.
func (sb *Superblock) IBlock(inum int) int {
	return int(sb.InodeStart) + inum/IPB
}

// BBlock returns the bitmap block number covering the bit for data
// block bi, a 0-based index into the data region (not an absolute
// disk block number).
func (sb *Superblock) BBlock(bi int) int {
	return int(sb.BmapStart) + bi/(BSIZE*8)
}

// Layout computes a Superblock for a filesystem of the given total
// size (in blocks), log length, and inode count, laying regions out
// in the order block 0 (boot), block 1 (superblock), log, inodes,
// bitmap, data — per spec.md 3's on-disk layout table.
func Layout(totalBlocks, nlog, ninodes int) Superblock {
	inodeBlocks := (ninodes + IPB - 1) / IPB
	logStart := 2
	inodeStart := logStart + nlog
	bitmapBlocks := (totalBlocks + BSIZE*8 - 1) / (BSIZE * 8)
	bmapStart := inodeStart + inodeBlocks
	dataStart := bmapStart + bitmapBlocks
	ndata := totalBlocks - dataStart
	return Superblock{
		Magic:      SuperblockMagic,
		Size:       uint32(totalBlocks),
		NBlocks:    uint32(ndata),
		NInodes:    uint32(ninodes),
		NLog:       uint32(nlog),
		LogStart:   uint32(logStart),
		InodeStart: uint32(inodeStart),
		BmapStart:  uint32(bmapStart),
		DataStart:  uint32(dataStart),
	}
}
