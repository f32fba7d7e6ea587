package proc

import (
	"sync"
	"sync/atomic"

	"github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

// Kind distinguishes what a File descriptor is backed by.
type Kind int

const (
	KindInode Kind = iota
	KindPipe
	KindDevice
)

// Device is the narrow contract a device-backed file needs — the
// same shape as uart.Device, named independently here so proc does
// not import the uart package directly for a single read/write pair.
type Device interface {
	PutByte(b byte) kerrno.Err_t
	GetByte() (byte, kerrno.Err_t)
}

// File is a reference-counted open file descriptor object, shared
// across dup'd descriptors and across fork (spec.md 3: "open file
// descriptors by reference counting"), grounded on the teacher's
// fd.Fd_t.
type File struct {
	mu       sync.Mutex
	ref      int32
	kind     Kind
	readable bool
	writable bool
	offset   int

	fsys *fs.FS
	ip   *fs.Inode

	pipe *Pipe

	dev Device
}

// NewInodeFile wraps an already-IGet'd (but unlocked) inode ip as an
// open file.
func NewInodeFile(fsys *fs.FS, ip *fs.Inode, readable, writable bool) *File {
	return &File{ref: 1, kind: KindInode, fsys: fsys, ip: ip, readable: readable, writable: writable}
}

// NewPipeFile wraps one end of a pipe.
func NewPipeFile(p *Pipe, writable bool) *File {
	return &File{ref: 1, kind: KindPipe, pipe: p, readable: !writable, writable: writable}
}

// NewDeviceFile wraps a device (e.g. the console UART) as an open
// file.
func NewDeviceFile(dev Device, readable, writable bool) *File {
	return &File{ref: 1, kind: KindDevice, dev: dev, readable: readable, writable: writable}
}

func (f *File) dup() *File {
	atomic.AddInt32(&f.ref, 1)
	return f
}

// Dup increments f's reference count and returns f, for installing
// the same open file under a second descriptor (the dup syscall).
func (f *File) Dup() *File { return f.dup() }

// Read reads into dst, advancing the per-descriptor offset for
// inode-backed files.
func (f *File) Read(dst []byte) (int, kerrno.Err_t) {
	if !f.readable {
		return 0, kerrno.EBADARG
	}
	switch f.kind {
	case KindInode:
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := f.fsys.ILock(f.ip); err != kerrno.EOK {
			return 0, err
		}
		n, err := f.fsys.Readi(f.ip, dst, f.offset)
		f.fsys.IUnlock(f.ip)
		f.offset += n
		return n, err
	case KindPipe:
		return f.pipe.Read(dst)
	case KindDevice:
		if len(dst) == 0 {
			return 0, kerrno.EOK
		}
		b, err := f.dev.GetByte()
		if err != kerrno.EOK {
			return 0, err
		}
		dst[0] = b
		return 1, kerrno.EOK
	}
	return 0, kerrno.EBADARG
}

// Write writes src, advancing the per-descriptor offset for
// inode-backed files; inode writes run inside their own transaction.
func (f *File) Write(src []byte) (int, kerrno.Err_t) {
	if !f.writable {
		return 0, kerrno.EBADARG
	}
	switch f.kind {
	case KindInode:
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fsys.BeginOp()
		if err := f.fsys.ILock(f.ip); err != kerrno.EOK {
			f.fsys.EndOp()
			return 0, err
		}
		n, err := f.fsys.Writei(f.ip, src, f.offset)
		f.fsys.IUnlock(f.ip)
		f.fsys.EndOp()
		f.offset += n
		return n, err
	case KindPipe:
		return f.pipe.Write(src)
	case KindDevice:
		for _, b := range src {
			if err := f.dev.PutByte(b); err != kerrno.EOK {
				return 0, err
			}
		}
		return len(src), kerrno.EOK
	}
	return 0, kerrno.EBADARG
}

// Stat returns the inode-backed file's metadata, or EBADARG for
// pipes and devices.
func (f *File) Stat() (fs.Stat, kerrno.Err_t) {
	if f.kind != KindInode {
		return fs.Stat{}, kerrno.EBADARG
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fsys.ILock(f.ip); err != kerrno.EOK {
		return fs.Stat{}, err
	}
	st := f.fsys.StatOf(f.ip)
	f.fsys.IUnlock(f.ip)
	return st, kerrno.EOK
}

// Close drops a reference, releasing the backing resource once the
// last reference goes away.
func (f *File) Close() kerrno.Err_t {
	if atomic.AddInt32(&f.ref, -1) > 0 {
		return kerrno.EOK
	}
	switch f.kind {
	case KindInode:
		f.fsys.BeginOp()
		err := f.fsys.IPut(f.ip)
		f.fsys.EndOp()
		return err
	case KindPipe:
		f.pipe.CloseEnd(f.writable)
	}
	return kerrno.EOK
}
