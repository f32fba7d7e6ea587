// Command mkfs builds a fresh on-disk image and replicates a host
// skeleton directory into it, folding the teacher's standalone
// mkfs.go (biscuit/src/mkfs) into a cobra-based CLI over this
// module's fs package.
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	sfs "github.com/oichkatzelesfrettschen/sv39k/internal/fs"
	"github.com/oichkatzelesfrettschen/sv39k/internal/disk"
	"github.com/oichkatzelesfrettschen/sv39k/internal/kerrno"
)

const (
	nlogBlocks   = 1024
	ninodeBlocks = 100 * 50
	ndataBlocks  = 40000
)

func main() {
	var (
		outImage string
		skelDir  string
		nblocks  int
		nlog     int
		ninodes  int
	)

	root := &cobra.Command{
		Use:   "mkfs",
		Short: "build a filesystem image from a host skeleton directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(outImage, skelDir, nblocks, nlog, ninodes)
		},
	}
	root.Flags().StringVar(&outImage, "out", "fs.img", "output image path")
	root.Flags().StringVar(&skelDir, "skel", "", "host directory tree to copy into the image")
	root.Flags().IntVar(&nblocks, "blocks", ndataBlocks, "total device blocks")
	root.Flags().IntVar(&nlog, "log-blocks", nlogBlocks, "log region size in blocks")
	root.Flags().IntVar(&ninodes, "inodes", ninodeBlocks, "inode count")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(outImage, skelDir string, nblocks, nlog, ninodes int) error {
	dev, err := disk.Create(outImage, nblocks)
	if err != nil {
		return fmt.Errorf("mkfs: create image: %w", err)
	}
	defer dev.Close()

	fsys, ferr := sfs.Mkfs(dev, nblocks, nlog, ninodes)
	if ferr != kerrno.EOK {
		return fmt.Errorf("mkfs: format: %w", ferr)
	}

	if skelDir != "" {
		if err := addFiles(fsys, skelDir); err != nil {
			return err
		}
	}
	fmt.Printf("mkfs: wrote %s (%d blocks, %d log, %d inodes)\n", outImage, nblocks, nlog, ninodes)
	return nil
}

// addFiles walks skelDir on the host and replicates it into fsys,
// grounded on the teacher's addfiles/copydata pair. Every entry is
// linked directly under the image's root directory rather than
// recreating the host's nesting, since DIRSIZ bounds a single
// component to 14 bytes; deeper skeletons should be flattened before
// being handed to this tool.
func addFiles(fsys *sfs.FS, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skelDir)
		rel = strings.TrimPrefix(rel, string(filepath.Separator))
		if rel == "" {
			return nil
		}

		root := fsys.Root()
		defer fsys.IPut(root)

		fsys.BeginOp()
		defer fsys.EndOp()

		if err := fsys.ILock(root); err != kerrno.EOK {
			return err
		}
		defer fsys.IUnlock(root)

		if d.IsDir() {
			ip, aerr := fsys.IAlloc(sfs.TDir)
			if aerr != kerrno.EOK {
				return aerr
			}
			fsys.ILock(ip)
			ip.Nlink = 2
			fsys.Dirlink(ip, ".", ip.Inum)
			fsys.Dirlink(ip, "..", root.Inum)
			fsys.IUpdate(ip)
			fsys.IUnlock(ip)
			fsys.Dirlink(root, rel, ip.Inum)
			fsys.IPut(ip)
			return nil
		}

		ip, aerr := fsys.IAlloc(sfs.TFile)
		if aerr != kerrno.EOK {
			return aerr
		}
		fsys.ILock(ip)
		ip.Nlink = 1
		fsys.IUpdate(ip)

		srcFile, oerr := os.Open(path)
		if oerr != nil {
			fsys.IUnlock(ip)
			return oerr
		}
		defer srcFile.Close()

		buf := make([]byte, sfs.BSIZE)
		off := 0
		for {
			n, rerr := srcFile.Read(buf)
			if rerr != nil && rerr != io.EOF {
				fsys.IUnlock(ip)
				return rerr
			}
			if n > 0 {
				if _, werr := fsys.Writei(ip, buf[:n], off); werr != kerrno.EOK {
					fsys.IUnlock(ip)
					return werr
				}
				off += n
			}
			if rerr == io.EOF {
				break
			}
		}
		fsys.IUnlock(ip)
		fsys.Dirlink(root, rel, ip.Inum)
		fsys.IPut(ip)
		return nil
	})
}
