// Package image maps the fixed-size disk image file into memory and hands
// out pointers to individual pages. It is the lowest layer of nufs: no
// other package in this module opens or seeks the backing file directly.
package image

import (
	"os"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// PageSize is the size in bytes of a single addressable page.
const PageSize = 4096

// PageCount is the number of pages in the image, including page 0 (the
// bitmap + inode table page).
const PageCount = 256

// Size is the total size of the backing file in bytes.
const Size = PageCount * PageSize

// Image is a memory-mapped, fixed-size backing store for the filesystem.
// It owns the mapping for the lifetime of the mount.
type Image struct {
	f    *os.File
	data []byte
}

// Open maps the image file at path into memory, creating and zero-filling
// it first if it does not yet exist. The returned Image must be closed with
// Close when the mount ends.
func Open(path string) (*Image, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createZeroed(path); err != nil {
			return nil, xerrors.Errorf("creating image: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, xerrors.Errorf("opening image: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("stat image: %w", err)
	}
	if fi.Size() != Size {
		if err := f.Truncate(Size); err != nil {
			f.Close()
			return nil, xerrors.Errorf("truncating image to %d bytes: %w", Size, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("mmap: %w", err)
	}

	return &Image{f: f, data: data}, nil
}

// createZeroed atomically creates a fresh, all-zero image file at path, the
// same way the teacher writes files into place: build the full contents in
// a temp file next to the destination, then rename it in.
func createZeroed(path string) error {
	tmp, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer tmp.Cleanup()

	zero := make([]byte, 64*1024)
	remaining := Size
	for remaining > 0 {
		n := len(zero)
		if n > remaining {
			n = remaining
		}
		if _, err := tmp.Write(zero[:n]); err != nil {
			return err
		}
		remaining -= n
	}

	return tmp.CloseAtomicallyReplace()
}

// Page returns a slice over page n's bytes, suitable for reading or writing
// in place. The slice aliases the mapping; callers must not retain it past
// Close.
func (img *Image) Page(n int) []byte {
	off := n * PageSize
	return img.data[off : off+PageSize]
}

// Sync flushes in-memory changes to the backing file.
func (img *Image) Sync() error {
	return unix.Msync(img.data, unix.MS_SYNC)
}

// Close unmaps the image and closes the backing file descriptor.
func (img *Image) Close() error {
	var errs []error
	if err := unix.Munmap(img.data); err != nil {
		errs = append(errs, err)
	}
	if err := img.f.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return xerrors.Errorf("closing image: %v", errs)
	}
	return nil
}
