// Package syscall implements the system call front-end (spec.md 4.9):
// a single numeric dispatch, positional argument decoders, and the
// handler table itself.
package syscall

import (
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
	"github.com/oichkatzelesfrettschen/sv39k/internal/proc"
)

// argInt decodes args[i] as a plain integer.
func argInt(args [6]int64, i int) int64 { return args[i] }

// argAddr decodes args[i] as a user virtual address, unchecked until
// it is actually dereferenced through the process's page table.
func argAddr(args [6]int64, i int) uintptr { return uintptr(args[i]) }

// argStr decodes args[i] as a user address, then copies in a NUL-
// terminated string of at most max bytes.
func argStr(p *proc.Proc, args [6]int64, i int, max int) (string, kerrno.Err_t) {
	return p.Pagetable.CopyInStr(argAddr(args, i), max)
}

const maxPathLen = 256
