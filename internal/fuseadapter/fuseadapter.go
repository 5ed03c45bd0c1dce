// Package fuseadapter translates jacobsa/fuse's fuseops callbacks into
// calls on the core nufs.Filesystem. It holds no filesystem logic of its
// own: every method here is a thin field-translation layer.
package fuseadapter

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/nufs-fs/nufs"
	"github.com/nufs-fs/nufs/internal/inode"
)

// never is used for attribute and entry expiration: the backing image only
// changes through this same process, so the kernel is told to cache for a
// year from startup. Nothing in this package invalidates those entries.
var never = time.Now().Add(365 * 24 * time.Hour)

// nufsFS adapts a *nufs.Filesystem to the fuseutil.FileSystem interface.
type nufsFS struct {
	fuseutil.NotImplementedFileSystem

	mu sync.Mutex
	fs *nufs.Filesystem

	paths map[fuseops.InodeID]string
}

// New constructs a fuseutil.FileSystem backed by fs. The root inode is
// always inode.RootInum.
func New(fs *nufs.Filesystem) fuseutil.FileSystem {
	return &nufsFS{
		fs:    fs,
		paths: map[fuseops.InodeID]string{fuseops.InodeID(inode.RootInum): "/"},
	}
}

func toErrno(err error) error {
	switch err {
	case nil:
		return nil
	case nufs.ErrNotExist:
		return fuse.ENOENT
	case nufs.ErrExist:
		return fuse.EEXIST
	case nufs.ErrInvalid:
		return fuse.EINVAL
	case nufs.ErrNotDir:
		return fuse.EIO
	case nufs.ErrNoSpace:
		return fuse.EIO
	default:
		return fuse.EIO
	}
}

func joinPath(dir string, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// pathFor and remember assume fs.mu is already held by the calling
// operation handler, which locks it for the duration of the whole
// operation (core calls included) rather than just the map access.
func (fs *nufsFS) pathFor(id fuseops.InodeID) (string, bool) {
	p, ok := fs.paths[id]
	return p, ok
}

func (fs *nufsFS) remember(id fuseops.InodeID, path string) {
	fs.paths[id] = path
}

func attributesFor(st nufs.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(st.Mode & 0777)
	switch {
	case st.Mode&inode.ModeDir != 0:
		mode |= os.ModeDir
	case st.Mode&inode.ModeSymlink != 0:
		mode |= os.ModeSymlink
	}
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: uint32(st.Nlink),
		Mode:  mode,
		Atime: st.Atime,
		Mtime: st.Mtime,
		Ctime: st.Mtime,
	}
}

func (fs *nufsFS) entry(st nufs.Stat) fuseops.ChildInodeEntry {
	return fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(st.Inum),
		Attributes:           attributesFor(st),
		AttributesExpiration: never,
		EntryExpiration:      never,
	}
}

func (fs *nufsFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 256
	op.BlocksFree = 0
	op.BlocksAvailable = 0
	op.IoSize = 65536
	return nil
}

func (fs *nufsFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := joinPath(dirPath, op.Name)

	st, err := fs.fs.Stat(childPath)
	if err != nil {
		return toErrno(err)
	}
	fs.remember(fuseops.InodeID(st.Inum), childPath)
	op.Entry = fs.entry(st)
	return nil
}

func (fs *nufsFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	st, err := fs.fs.StatInode(int(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attributesFor(st)
	op.AttributesExpiration = never
	return nil
}

func (fs *nufsFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, ok := fs.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	if op.Size != nil {
		if err := fs.fs.Truncate(path, int64(*op.Size)); err != nil {
			return toErrno(err)
		}
	}
	if op.Mode != nil {
		if err := fs.fs.Chmod(path, uint32(*op.Mode)); err != nil {
			return toErrno(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		st, err := fs.fs.Stat(path)
		if err != nil {
			return toErrno(err)
		}
		atime, mtime := st.Atime, st.Mtime
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := fs.fs.Utimens(path, atime, mtime); err != nil {
			return toErrno(err)
		}
	}

	st, err := fs.fs.Stat(path)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attributesFor(st)
	op.AttributesExpiration = never
	return nil
}

func (fs *nufsFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := joinPath(dirPath, op.Name)

	inum, err := fs.fs.Mkdir(childPath, uint32(op.Mode))
	if err != nil {
		return toErrno(err)
	}
	fs.remember(fuseops.InodeID(inum), childPath)

	st, err := fs.fs.StatInode(inum)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = fs.entry(st)
	return nil
}

func (fs *nufsFS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := joinPath(dirPath, op.Name)

	inum, err := fs.fs.Mknod(childPath, uint32(op.Mode))
	if err != nil {
		return toErrno(err)
	}
	fs.remember(fuseops.InodeID(inum), childPath)

	st, err := fs.fs.StatInode(inum)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = fs.entry(st)
	return nil
}

func (fs *nufsFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := joinPath(dirPath, op.Name)

	inum, err := fs.fs.Mknod(childPath, inode.ModeFile|uint32(op.Mode))
	if err != nil {
		return toErrno(err)
	}
	fs.remember(fuseops.InodeID(inum), childPath)

	st, err := fs.fs.StatInode(inum)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = fs.entry(st)
	return nil
}

func (fs *nufsFS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := joinPath(dirPath, op.Name)

	inum, err := fs.fs.Symlink(op.Target, childPath)
	if err != nil {
		return toErrno(err)
	}
	fs.remember(fuseops.InodeID(inum), childPath)

	st, err := fs.fs.StatInode(inum)
	if err != nil {
		return toErrno(err)
	}
	op.Entry = fs.entry(st)
	return nil
}

func (fs *nufsFS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	targetPath, ok := fs.pathFor(op.Target)
	if !ok {
		return fuse.ENOENT
	}
	dirPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := joinPath(dirPath, op.Name)

	if err := fs.fs.Link(targetPath, childPath); err != nil {
		return toErrno(err)
	}
	fs.remember(op.Target, childPath)

	st, err := fs.fs.StatInode(int(op.Target))
	if err != nil {
		return toErrno(err)
	}
	op.Entry = fs.entry(st)
	return nil
}

func (fs *nufsFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldDir, ok := fs.pathFor(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newDir, ok := fs.pathFor(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	oldPath := joinPath(oldDir, op.OldName)
	newPath := joinPath(newDir, op.NewName)

	if err := fs.fs.Rename(oldPath, newPath); err != nil {
		return toErrno(err)
	}
	return nil
}

func (fs *nufsFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	return toErrno(fs.fs.Unlink(joinPath(dirPath, op.Name)))
}

func (fs *nufsFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirPath, ok := fs.pathFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	return toErrno(fs.fs.Unlink(joinPath(dirPath, op.Name)))
}

func (fs *nufsFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.pathFor(op.Inode); !ok {
		return fuse.ENOENT
	}
	return nil
}

func (fs *nufsFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dirPath, ok := fs.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	entries, err := fs.fs.Readdir(dirPath)
	if err != nil {
		return toErrno(err)
	}

	var fis []fuseutil.Dirent
	for _, e := range entries {
		typ := fuseutil.DT_File
		if e.Stat.Mode&inode.ModeDir != 0 {
			typ = fuseutil.DT_Directory
		}
		fis = append(fis, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(fis) + 1),
			Inode:  fuseops.InodeID(e.Stat.Inum),
			Name:   e.Name,
			Type:   typ,
		})
		if e.Name != "." {
			fs.remember(fuseops.InodeID(e.Stat.Inum), joinPath(dirPath, e.Name))
		}
	}

	if int(op.Offset) > len(fis) {
		return fuse.EIO
	}
	for _, d := range fis[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *nufsFS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *nufsFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.pathFor(op.Inode); !ok {
		return fuse.ENOENT
	}
	return nil
}

func (fs *nufsFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.fs.ReadAt(int(op.Inode), op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil {
		return toErrno(err)
	}
	return nil
}

func (fs *nufsFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, err := fs.fs.WriteAt(int(op.Inode), op.Data, op.Offset)
	return toErrno(err)
}

func (fs *nufsFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.fs.Sync()
}

func (fs *nufsFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *nufsFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *nufsFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, ok := fs.pathFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := fs.fs.Readlink(path)
	if err != nil {
		return toErrno(err)
	}
	op.Target = target
	return nil
}
