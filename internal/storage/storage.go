// Package storage implements the file I/O engine: path resolution down to
// scatter/gather reads, writes, and truncation over an inode's data
// blocks.
package storage

import (
	"github.com/nufs-fs/nufs/internal/directory"
	"github.com/nufs-fs/nufs/internal/image"
	"github.com/nufs-fs/nufs/internal/inode"
)

// Storage composes the directory and inode layers into path-addressed
// file I/O.
type Storage struct {
	tbl *inode.Table
	dir *directory.Dir
}

// New returns a Storage over tbl, using dir for path resolution.
func New(tbl *inode.Table, dir *directory.Dir) *Storage {
	return &Storage{tbl: tbl, dir: dir}
}

// Resolve is a convenience wrapper resolving path to an inode number from
// the filesystem root.
func (s *Storage) Resolve(path string) (int, error) {
	return s.dir.Resolve(inode.RootInum, path)
}

// Read fills buf with up to len(buf) bytes from path starting at offset,
// clamped to the file's size, and returns the number of bytes copied.
func (s *Storage) Read(path string, buf []byte, offset int64) (int, error) {
	inum, err := s.Resolve(path)
	if err != nil {
		return 0, err
	}
	n, _ := s.tbl.Get(inum)
	return s.readInode(n, buf, offset), nil
}

func (s *Storage) readInode(n *inode.Inode, buf []byte, offset int64) int {
	size := int64(n.Size)
	if offset >= size {
		return 0
	}
	want := len(buf)
	if offset+int64(want) > size {
		want = int(size - offset)
	}
	s.tbl.ReadAt(n, buf[:want], offset)
	return want
}

// Write writes buf to path at offset, first truncating the file to exactly
// offset+len(buf) (so it grows as needed, and any content past the end of
// the write is discarded), and returns the number of bytes written.
func (s *Storage) Write(path string, buf []byte, offset int64) (int, error) {
	if err := s.Truncate(path, offset+int64(len(buf))); err != nil {
		return 0, err
	}
	inum, err := s.Resolve(path)
	if err != nil {
		return 0, err
	}
	n, _ := s.tbl.Get(inum)

	size := int64(n.Size)
	if offset >= size {
		return 0, nil
	}
	want := len(buf)
	if offset+int64(want) > size {
		want = int(size - offset)
	}
	s.tbl.WriteAt(n, buf[:want], offset)
	return want, nil
}

// Truncate resizes path's content to size, allocating or releasing pages
// as needed.
func (s *Storage) Truncate(path string, size int64) error {
	inum, err := s.Resolve(path)
	if err != nil {
		return err
	}
	n, _ := s.tbl.Get(inum)
	if err := s.tbl.Resize(n, size); err != nil {
		return err
	}
	s.tbl.Put(inum, n)
	return nil
}

// Blocks reports the number of blocks size occupies, matching the
// st_blocks convention used by stat.
func Blocks(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + image.PageSize - 1) / image.PageSize
}
