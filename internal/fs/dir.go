package fs

import (
	"encoding/binary"
	"strings"

	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

// dirent is one on-disk directory entry: a u16 inode number (0 means
// unused) followed by a fixed DIRSIZ-byte, NUL-padded name.
type dirent struct {
	Inum uint16
	Name [DIRSIZ]byte
}

func decodeDirent(b []byte) dirent {
	var d dirent
	d.Inum = binary.LittleEndian.Uint16(b[0:2])
	copy(d.Name[:], b[2:2+DIRSIZ])
	return d
}

func encodeDirent(b []byte, d dirent) {
	binary.LittleEndian.PutUint16(b[0:2], d.Inum)
	copy(b[2:2+DIRSIZ], d.Name[:])
}

func direntName(d dirent) string {
	i := 0
	for i < DIRSIZ && d.Name[i] != 0 {
		i++
	}
	return string(d.Name[:i])
}

// Dirlookup scans directory dp for name, returning a referenced,
// unlocked handle to the named inode and its byte offset within dp.
// dp must be locked and must be a directory.
func (fs *FS) Dirlookup(dp *Inode, name string) (*Inode, int, kerrno.Err_t) {
	if dp.Type != TDir {
		return nil, 0, kerrno.ENOTDIR
	}
	buf := make([]byte, direntSize)
	for off := 0; uint32(off) < dp.Size; off += direntSize {
		n, err := fs.Readi(dp, buf, off)
		if err != kerrno.EOK {
			return nil, 0, err
		}
		if n < direntSize {
			break
		}
		d := decodeDirent(buf)
		if d.Inum != 0 && direntName(d) == name {
			return fs.IGet(int(d.Inum)), off, kerrno.EOK
		}
	}
	return nil, 0, kerrno.ENOTFOUND
}

// Dirlink writes a new entry (name -> inum) into directory dp,
// reusing a free slot if one exists or appending otherwise. dp must
// be locked and the call must run inside a transaction. Returns
// EEXIST if name is already present.
func (fs *FS) Dirlink(dp *Inode, name string, inum int) kerrno.Err_t {
	return fs.dirlink(dp, name, inum)
}

func (fs *FS) dirlink(dp *Inode, name string, inum int) kerrno.Err_t {
	if ip, _, err := fs.Dirlookup(dp, name); err == kerrno.EOK {
		fs.IPut(ip)
		return kerrno.EEXIST
	}
	if len(name) > DIRSIZ {
		return kerrno.ENAMETOOLONG
	}

	buf := make([]byte, direntSize)
	off := 0
	for ; uint32(off) < dp.Size; off += direntSize {
		n, err := fs.Readi(dp, buf, off)
		if err != kerrno.EOK {
			return err
		}
		if n < direntSize {
			break
		}
		if decodeDirent(buf).Inum == 0 {
			break
		}
	}

	var d dirent
	d.Inum = uint16(inum)
	copy(d.Name[:], name)
	encodeDirent(buf, d)
	if _, err := fs.Writei(dp, buf, off); err != kerrno.EOK {
		return err
	}
	return kerrno.EOK
}

// Dirunlink clears the entry named name in dp by zeroing its slot.
// dp must be locked, the call must run inside a transaction, and the
// caller is responsible for decrementing nlink on the target inode.
func (fs *FS) Dirunlink(dp *Inode, name string) kerrno.Err_t {
	buf := make([]byte, direntSize)
	for off := 0; uint32(off) < dp.Size; off += direntSize {
		n, err := fs.Readi(dp, buf, off)
		if err != kerrno.EOK {
			return err
		}
		if n < direntSize {
			break
		}
		d := decodeDirent(buf)
		if d.Inum != 0 && direntName(d) == name {
			zero := make([]byte, direntSize)
			_, werr := fs.Writei(dp, zero, off)
			return werr
		}
	}
	return kerrno.ENOTFOUND
}

// IsDirEmpty reports whether dp (locked, a directory) contains only
// "." and "..".
func (fs *FS) IsDirEmpty(dp *Inode) bool {
	buf := make([]byte, direntSize)
	for off := 2 * direntSize; uint32(off) < dp.Size; off += direntSize {
		n, err := fs.Readi(dp, buf, off)
		if err != kerrno.EOK || n < direntSize {
			return err != kerrno.EOK
		}
		if decodeDirent(buf).Inum != 0 {
			return false
		}
	}
	return true
}

// skipElem splits the first path element off path, returning it and
// the remainder with leading slashes stripped.
func skipElem(path string) (elem, rest string) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", ""
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	return path[:i], strings.TrimLeft(path[i:], "/")
}

// Namex resolves path to an inode, starting from cwd when path is
// relative and cwd is non-nil, or from the filesystem root otherwise.
// When nameiparent is set, it stops one component short and returns
// the parent directory together with the final element's name
// (spec.md 4.6: "locks one inode at a time, never two simultaneously,
// avoiding lock-order cycles during concurrent renames").
func (fs *FS) Namex(cwd *Inode, path string, nameiparent bool) (*Inode, string, kerrno.Err_t) {
	var ip *Inode
	if strings.HasPrefix(path, "/") || cwd == nil {
		ip = fs.Root()
	} else {
		ip = fs.IDup(cwd)
	}

	elem, rest := skipElem(path)
	for elem != "" {
		if err := fs.ILock(ip); err != kerrno.EOK {
			fs.IPut(ip)
			return nil, "", err
		}
		if ip.Type != TDir {
			fs.IUnlock(ip)
			fs.IPut(ip)
			return nil, "", kerrno.ENOTDIR
		}

		if nameiparent && rest == "" {
			fs.IUnlock(ip)
			return ip, elem, kerrno.EOK
		}

		next, _, err := fs.Dirlookup(ip, elem)
		fs.IUnlock(ip)
		if err != kerrno.EOK {
			fs.IPut(ip)
			return nil, "", err
		}
		fs.IPut(ip)
		ip = next
		elem, rest = skipElem(rest)
	}
	if nameiparent {
		fs.IPut(ip)
		return nil, "", kerrno.ENOTFOUND
	}
	return ip, "", kerrno.EOK
}
