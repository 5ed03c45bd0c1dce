// Package nufs implements a filesystem backed by a single fixed-size disk
// image: the page allocator, inode table, directory subsystem, and path
// resolver live in internal packages; this file composes them into the
// filesystem-facing operations a kernel bridge calls into.
package nufs

import (
	"time"

	"github.com/nufs-fs/nufs/internal/directory"
	"github.com/nufs-fs/nufs/internal/image"
	"github.com/nufs-fs/nufs/internal/inode"
	"github.com/nufs-fs/nufs/internal/pages"
	"github.com/nufs-fs/nufs/internal/storage"
	"golang.org/x/xerrors"
)

// Sentinel errors corresponding to the POSIX errno codes the spec calls
// out. A FUSE bridge maps these to syscall.Errno values.
var (
	ErrNotExist = xerrors.New("nufs: no such file or directory")
	ErrExist    = xerrors.New("nufs: file exists")
	ErrInvalid  = xerrors.New("nufs: invalid argument")
	ErrNoSpace  = xerrors.New("nufs: no space left on device")
	ErrNotDir   = xerrors.New("nufs: not a directory")
)

func translate(err error) error {
	switch err {
	case nil:
		return nil
	case directory.ErrNotFound:
		return ErrNotExist
	case directory.ErrExists:
		return ErrExist
	case directory.ErrNotDir:
		return ErrNotDir
	case directory.ErrNameTooLong:
		return ErrInvalid
	case inode.ErrNoSpace:
		return ErrNoSpace
	case inode.ErrInvalid:
		return ErrInvalid
	default:
		return err
	}
}

// Stat is the subset of inode metadata the spec exposes.
type Stat struct {
	Inum   int
	Mode   uint32
	Size   uint64
	Nlink  uint8
	Blocks uint64
	Atime  time.Time
	Mtime  time.Time
}

// Filesystem is the full operation surface over one mounted image.
type Filesystem struct {
	img *image.Image
	tbl *inode.Table
	dir *directory.Dir
	sto *storage.Storage
}

// Open mounts the image at path, creating it if absent.
func Open(path string) (*Filesystem, error) {
	img, err := image.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening nufs image: %w", err)
	}
	alloc := pages.New(img)
	tbl := inode.New(img, alloc)
	dir := directory.New(tbl)
	sto := storage.New(tbl, dir)
	return &Filesystem{img: img, tbl: tbl, dir: dir, sto: sto}, nil
}

// Close unmounts the backing image.
func (fs *Filesystem) Close() error {
	return fs.img.Close()
}

// Sync flushes the backing image to disk.
func (fs *Filesystem) Sync() error {
	return fs.img.Sync()
}

func toStat(inum int, n *inode.Inode) Stat {
	return Stat{
		Inum:   inum,
		Mode:   n.Mode,
		Size:   n.Size,
		Nlink:  n.Refs,
		Blocks: storage.Blocks(n.Size),
		Atime:  time.Unix(0, n.Acc),
		Mtime:  time.Unix(0, n.Mod),
	}
}

// Stat resolves path and returns its metadata.
func (fs *Filesystem) Stat(path string) (Stat, error) {
	inum, err := fs.sto.Resolve(path)
	if err != nil {
		return Stat{}, translate(err)
	}
	n, _ := fs.tbl.Get(inum)
	return toStat(inum, n), nil
}

// StatInode returns metadata for an already-resolved inode number.
func (fs *Filesystem) StatInode(inum int) (Stat, error) {
	n, ok := fs.tbl.Get(inum)
	if !ok {
		return Stat{}, ErrNotExist
	}
	return toStat(inum, n), nil
}

func splitParentLeaf(path string) (parentPath, leaf string, err error) {
	parts := directory.SplitPath(path)
	if len(parts) == 0 {
		return "", "", ErrInvalid
	}
	leaf = parts[len(parts)-1]
	if leaf == "" {
		return "", "", ErrInvalid
	}
	parentPath = "/" + joinParts(parts[:len(parts)-1])
	return parentPath, leaf, nil
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// Mknod creates a new file (or, via Mkdir, directory) entry named path
// with the given mode.
func (fs *Filesystem) Mknod(path string, mode uint32) (int, error) {
	parentPath, leaf, err := splitParentLeaf(path)
	if err != nil {
		return 0, err
	}
	pInum, err := fs.sto.Resolve(parentPath)
	if err != nil {
		return 0, translate(err)
	}
	pNode, _ := fs.tbl.Get(pInum)

	if _, err := fs.dir.Lookup(pNode, leaf); err == nil {
		return 0, ErrExist
	}

	inum := fs.tbl.Alloc(mode)
	if inum == -1 {
		return 0, ErrNoSpace
	}
	n, _ := fs.tbl.Get(inum)
	if mode&inode.ModeDir != 0 {
		n.Refs = 2
	} else {
		n.Refs = 1
	}
	fs.tbl.Put(inum, n)

	if err := fs.dir.Put(pNode, leaf, inum); err != nil {
		fs.tbl.Free(inum)
		return 0, translate(err)
	}
	fs.tbl.Put(pInum, pNode)
	return inum, nil
}

// Mkdir creates a directory named path.
func (fs *Filesystem) Mkdir(path string, mode uint32) (int, error) {
	return fs.Mknod(path, inode.ModeDir|mode)
}

// Unlink removes the directory entry named path and, once its link count
// reaches zero, frees the underlying inode.
func (fs *Filesystem) Unlink(path string) error {
	parentPath, leaf, err := splitParentLeaf(path)
	if err != nil {
		return err
	}
	pInum, err := fs.sto.Resolve(parentPath)
	if err != nil {
		return translate(err)
	}
	pNode, _ := fs.tbl.Get(pInum)

	inum, err := fs.dir.Lookup(pNode, leaf)
	if err != nil {
		return translate(err)
	}

	if err := fs.dir.Delete(pNode, leaf); err != nil {
		return translate(err)
	}
	fs.tbl.Put(pInum, pNode)

	n, _ := fs.tbl.Get(inum)
	if n.Refs > 0 {
		n.Refs--
	}
	if n.Refs == 0 {
		fs.tbl.Free(inum)
	} else {
		fs.tbl.Put(inum, n)
	}
	return nil
}

// Link inserts a new name, to, that refers to the same inode as from,
// incrementing its link count.
func (fs *Filesystem) Link(from, to string) error {
	inum, err := fs.sto.Resolve(from)
	if err != nil {
		return translate(err)
	}

	parentPath, leaf, err := splitParentLeaf(to)
	if err != nil {
		return err
	}
	pInum, err := fs.sto.Resolve(parentPath)
	if err != nil {
		return translate(err)
	}
	pNode, _ := fs.tbl.Get(pInum)

	if err := fs.dir.Put(pNode, leaf, inum); err != nil {
		return translate(err)
	}
	fs.tbl.Put(pInum, pNode)

	n, _ := fs.tbl.Get(inum)
	n.Refs++
	fs.tbl.Put(inum, n)
	return nil
}

// Symlink creates linkpath as a symbolic link whose content is target.
func (fs *Filesystem) Symlink(target, linkpath string) (int, error) {
	inum, err := fs.Mknod(linkpath, inode.ModeSymlink|0777)
	if err != nil {
		return 0, err
	}
	content := append([]byte(target), 0)
	if _, err := fs.sto.Write(linkpath, content, 0); err != nil {
		return 0, err
	}
	return inum, nil
}

// Readlink returns the target of the symlink at path.
func (fs *Filesystem) Readlink(path string) (string, error) {
	inum, err := fs.sto.Resolve(path)
	if err != nil {
		return "", translate(err)
	}
	n, _ := fs.tbl.Get(inum)
	buf := make([]byte, n.Size)
	fs.tbl.ReadAt(n, buf, 0)
	if len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

// Rename moves the entry at from to to, preserving the underlying inode
// (the original teaching implementation freed it here, which the spec
// calls out as a bug; this implementation does not).
func (fs *Filesystem) Rename(from, to string) error {
	fromParentPath, fromLeaf, err := splitParentLeaf(from)
	if err != nil {
		return err
	}
	fromParent, err := fs.sto.Resolve(fromParentPath)
	if err != nil {
		return translate(err)
	}
	fromParentNode, _ := fs.tbl.Get(fromParent)

	inum, err := fs.dir.Lookup(fromParentNode, fromLeaf)
	if err != nil {
		return translate(err)
	}

	toParentPath, toLeaf, err := splitParentLeaf(to)
	if err != nil {
		return err
	}
	toParent, err := fs.sto.Resolve(toParentPath)
	if err != nil {
		return translate(err)
	}

	if err := fs.dir.Delete(fromParentNode, fromLeaf); err != nil {
		return translate(err)
	}
	fs.tbl.Put(fromParent, fromParentNode)

	// Read the destination parent only now, so that a rename within one
	// directory sees the record the delete above just wrote back.
	toParentNode, _ := fs.tbl.Get(toParent)

	if err := fs.dir.Put(toParentNode, toLeaf, inum); err != nil {
		return translate(err)
	}
	fs.tbl.Put(toParent, toParentNode)
	return nil
}

// Chmod overwrites path's whole mode word with mode, file-type bits
// included; the existing type bits are not kept.
func (fs *Filesystem) Chmod(path string, mode uint32) error {
	inum, err := fs.sto.Resolve(path)
	if err != nil {
		return translate(err)
	}
	n, _ := fs.tbl.Get(inum)
	n.Mode = mode
	fs.tbl.Put(inum, n)
	return nil
}

// Utimens sets path's access and modification times.
func (fs *Filesystem) Utimens(path string, atime, mtime time.Time) error {
	inum, err := fs.sto.Resolve(path)
	if err != nil {
		return translate(err)
	}
	n, _ := fs.tbl.Get(inum)
	n.Acc = atime.UnixNano()
	n.Mod = mtime.UnixNano()
	fs.tbl.Put(inum, n)
	return nil
}

// DirEntry pairs a directory entry's name with its metadata, as Readdir
// returns them.
type DirEntry struct {
	Name string
	Stat Stat
}

// Readdir lists path's entries, starting with "." for the directory
// itself.
func (fs *Filesystem) Readdir(path string) ([]DirEntry, error) {
	inum, err := fs.sto.Resolve(path)
	if err != nil {
		return nil, translate(err)
	}
	n, _ := fs.tbl.Get(inum)
	if n.Mode&inode.ModeDir == 0 {
		return nil, ErrNotDir
	}

	out := []DirEntry{{Name: ".", Stat: toStat(inum, n)}}
	for _, e := range fs.dir.ListEntries(n) {
		child, ok := fs.tbl.Get(e.Inum)
		if !ok {
			continue
		}
		out = append(out, DirEntry{Name: e.Name, Stat: toStat(e.Inum, child)})
	}
	return out, nil
}

// Access performs no permission check: it succeeds for every path that
// resolves and returns ErrNotExist for one that does not.
func (fs *Filesystem) Access(path string) error {
	_, err := fs.sto.Resolve(path)
	return translate(err)
}

// Read reads from path into buf at offset.
func (fs *Filesystem) Read(path string, buf []byte, offset int64) (int, error) {
	n, err := fs.sto.Read(path, buf, offset)
	return n, translate(err)
}

// Write writes buf to path at offset.
func (fs *Filesystem) Write(path string, buf []byte, offset int64) (int, error) {
	n, err := fs.sto.Write(path, buf, offset)
	return n, translate(err)
}

// Truncate resizes path's content to size.
func (fs *Filesystem) Truncate(path string, size int64) error {
	return translate(fs.sto.Truncate(path, size))
}

// ReadAt reads from an already-resolved inode, used by the FUSE adapter
// for handle-based reads where the path has already been looked up.
func (fs *Filesystem) ReadAt(inum int, buf []byte, offset int64) (int, error) {
	n, ok := fs.tbl.Get(inum)
	if !ok {
		return 0, ErrNotExist
	}
	size := int64(n.Size)
	if offset >= size {
		return 0, nil
	}
	want := len(buf)
	if offset+int64(want) > size {
		want = int(size - offset)
	}
	fs.tbl.ReadAt(n, buf[:want], offset)
	return want, nil
}

// WriteAt writes to an already-resolved inode after resizing it to exactly
// offset+len(buf), so any content past the end of the write is discarded.
func (fs *Filesystem) WriteAt(inum int, buf []byte, offset int64) (int, error) {
	n, ok := fs.tbl.Get(inum)
	if !ok {
		return 0, ErrNotExist
	}
	if err := fs.tbl.Resize(n, offset+int64(len(buf))); err != nil {
		return 0, translate(err)
	}
	fs.tbl.WriteAt(n, buf, offset)
	fs.tbl.Put(inum, n)
	return len(buf), nil
}
