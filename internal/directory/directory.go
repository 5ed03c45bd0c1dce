// Package directory implements directories as flat arrays of fixed-size
// entries stored in an inode's data blocks, with lookup, insertion,
// compacting deletion, and path resolution.
package directory

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/nufs-fs/nufs/internal/inode"
	"golang.org/x/xerrors"
)

// nameLen is the fixed width of a directory entry's name field.
const nameLen = 48

// Dirent is one fixed-size directory entry.
type Dirent struct {
	Name [nameLen]byte
	Inum int32
}

var direntSize = binary.Size(Dirent{})

// DirentSize is the on-disk size of one directory entry, exported for
// callers (the integrity checker) that need to validate directory sizes
// without decoding entries.
var DirentSize = direntSize

// ErrNotFound is returned when a name or path does not resolve to an inode.
var ErrNotFound = xerrors.New("nufs: not found")

// ErrNotDir is returned when a path component that should be a directory
// is not one.
var ErrNotDir = xerrors.New("nufs: not a directory")

// ErrNameTooLong is returned when a component exceeds the fixed name width.
var ErrNameTooLong = xerrors.New("nufs: name too long")

// ErrExists is returned when inserting a name that already exists.
var ErrExists = xerrors.New("nufs: already exists")

// Dir provides directory operations over an inode table.
type Dir struct {
	tbl *inode.Table
}

// New returns a Dir backed by tbl.
func New(tbl *inode.Table) *Dir {
	return &Dir{tbl: tbl}
}

func encodeName(name string) ([nameLen]byte, error) {
	var buf [nameLen]byte
	if len(name) >= nameLen {
		return buf, ErrNameTooLong
	}
	copy(buf[:], name)
	return buf, nil
}

func decodeName(buf [nameLen]byte) string {
	n := bytes.IndexByte(buf[:], 0)
	if n == -1 {
		n = len(buf)
	}
	return string(buf[:n])
}

func (d *Dir) entryAt(n *inode.Inode, i int) Dirent {
	raw := make([]byte, direntSize)
	d.tbl.ReadAt(n, raw, int64(i)*int64(direntSize))
	var e Dirent
	binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e)
	return e
}

func (d *Dir) putEntryAt(n *inode.Inode, i int, e Dirent) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &e)
	d.tbl.WriteAt(n, buf.Bytes(), int64(i)*int64(direntSize))
}

func numEntries(n *inode.Inode) int {
	return int(n.Size) / direntSize
}

// Get finds the entry named name inside directory dd, returning its index
// and value, or ok=false if absent.
func (d *Dir) Get(dd *inode.Inode, name string) (idx int, e Dirent, ok bool) {
	count := numEntries(dd)
	for i := 0; i < count; i++ {
		e := d.entryAt(dd, i)
		if decodeName(e.Name) == name {
			return i, e, true
		}
	}
	return 0, Dirent{}, false
}

// Lookup returns the inode number for name within directory dd.
func (d *Dir) Lookup(dd *inode.Inode, name string) (int, error) {
	_, e, ok := d.Get(dd, name)
	if !ok {
		return 0, ErrNotFound
	}
	return int(e.Inum), nil
}

// SplitPath breaks an absolute slash-separated path into its components,
// discarding empty segments produced by the leading slash or any doubled
// separators. The root path yields an empty slice.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Resolve walks path from the root inode, returning the inode number of
// the final component. root is the root directory's inode number.
func (d *Dir) Resolve(root int, path string) (int, error) {
	parts := SplitPath(path)
	inum := root
	for _, name := range parts {
		n, ok := d.tbl.Get(inum)
		if !ok {
			return 0, ErrNotFound
		}
		if n.Mode&inode.ModeDir == 0 {
			return 0, ErrNotDir
		}
		child, err := d.Lookup(n, name)
		if err != nil {
			return 0, err
		}
		inum = child
	}
	return inum, nil
}

// ResolveParent splits path into its parent directory's inode number and
// the final component's name.
func (d *Dir) ResolveParent(root int, path string) (parent int, name string, err error) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return 0, "", xerrors.New("nufs: root has no parent")
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	parent, err = d.Resolve(root, parentPath)
	if err != nil {
		return 0, "", err
	}
	return parent, parts[len(parts)-1], nil
}

// Put appends a new entry mapping name to inum inside directory dd,
// growing dd by one dirent's worth of space. It fails with ErrExists if
// name is already present.
func (d *Dir) Put(dd *inode.Inode, name string, inum int) error {
	if _, _, ok := d.Get(dd, name); ok {
		return ErrExists
	}
	nameBuf, err := encodeName(name)
	if err != nil {
		return err
	}

	count := numEntries(dd)
	if err := d.tbl.Resize(dd, dd.Size+uint64(direntSize)); err != nil {
		return err
	}
	d.putEntryAt(dd, count, Dirent{Name: nameBuf, Inum: int32(inum)})
	return nil
}

// Delete removes the entry named name from dd, compacting the entries
// after it forward by one slot and shrinking dd by one dirent.
func (d *Dir) Delete(dd *inode.Inode, name string) error {
	idx, _, ok := d.Get(dd, name)
	if !ok {
		return ErrNotFound
	}

	count := numEntries(dd)
	for i := idx; i < count-1; i++ {
		next := d.entryAt(dd, i+1)
		d.putEntryAt(dd, i, next)
	}
	d.putEntryAt(dd, count-1, Dirent{})

	return d.tbl.Resize(dd, dd.Size-uint64(direntSize))
}

// List returns the names of all entries in dd, in on-disk order.
func (d *Dir) List(dd *inode.Inode) []string {
	count := numEntries(dd)
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		names = append(names, decodeName(d.entryAt(dd, i).Name))
	}
	return names
}

// ListEntries returns the full (name, inum) pairs in dd, in on-disk order.
func (d *Dir) ListEntries(dd *inode.Inode) []NamedEntry {
	count := numEntries(dd)
	out := make([]NamedEntry, 0, count)
	for i := 0; i < count; i++ {
		e := d.entryAt(dd, i)
		out = append(out, NamedEntry{Name: decodeName(e.Name), Inum: int(e.Inum)})
	}
	return out
}

// NamedEntry pairs a directory entry's decoded name with its inode number.
type NamedEntry struct {
	Name string
	Inum int
}
