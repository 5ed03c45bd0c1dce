// Package inode implements the inode table: a dense array of fixed-size
// inode records packed into the leftover space of page 0, plus the
// direct/single-indirect block-addressing scheme every inode uses to find
// its data pages.
package inode

import (
	"bytes"
	"encoding/binary"

	"github.com/nufs-fs/nufs/internal/image"
	"github.com/nufs-fs/nufs/internal/pages"
	"golang.org/x/xerrors"
)

// RootInum is the inode number of the root directory, always present. It
// matches fuseops.RootInodeID, which the kernel bridge requires the root
// directory's inode number to equal.
const RootInum = 1

// Inode is the fixed on-disk record describing one filesystem object.
type Inode struct {
	Refs uint8
	Mode uint32
	Size uint64
	Ptrs [2]int32
	IPtr int32
	Acc  int64
	Mod  int64
}

var inodeSize = binary.Size(Inode{})

// indirectEntries is how many page numbers fit in a single indirect page.
const indirectEntries = image.PageSize / 4

// MaxBlocks is the maximum number of data blocks addressable by an inode:
// two direct pointers plus one page's worth of indirect pointers.
const MaxBlocks = 2 + indirectEntries

// MaxSize is the largest logical size an inode's content can reach.
const MaxSize = MaxBlocks * image.PageSize

// Count is the number of inode records that fit in page 0 after the
// page-allocation bitmap.
var Count = (image.PageSize - pages.BitmapBytes) / inodeSize

// ErrNoSpace is returned when no free inode or no free page remains.
var ErrNoSpace = xerrors.New("nufs: no space")

// ErrInvalid is returned for out-of-range sizes or inode numbers.
var ErrInvalid = xerrors.New("nufs: invalid argument")

// Table is the inode table for one mounted image.
type Table struct {
	img   *image.Image
	pages *pages.Allocator
}

// New constructs a Table over img, using alloc for page allocation. It
// ensures the root directory inode exists.
func New(img *image.Image, alloc *pages.Allocator) *Table {
	t := &Table{img: img, pages: alloc}
	root := t.unsafeGet(RootInum)
	if root.Mode == 0 {
		root.Refs = 2
		root.Mode = ModeDir | 0755
		root.Size = 0
		root.Ptrs = [2]int32{-1, -1}
		root.IPtr = -1
		t.put(RootInum, root)
	}
	return t
}

// Mode bits, matching the POSIX convention the spec describes: type in the
// high bits, permissions in the low bits. The type bits are this
// implementation's own assignments, not the S_IF* values of <sys/stat.h>.
const (
	ModeDir     = 1 << 31
	ModeSymlink = 1 << 30
	ModeFile    = 1 << 29
)

func (t *Table) recordOffset(inum int) int {
	return pages.BitmapBytes + inum*inodeSize
}

// unsafeGet decodes the inode record for inum without bounds checking.
func (t *Table) unsafeGet(inum int) *Inode {
	off := t.recordOffset(inum)
	page0 := t.img.Page(0)
	var n Inode
	binary.Read(bytes.NewReader(page0[off:off+inodeSize]), binary.LittleEndian, &n)
	return &n
}

func (t *Table) put(inum int, n *Inode) {
	off := t.recordOffset(inum)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, n)
	copy(t.img.Page(0)[off:off+inodeSize], buf.Bytes())
}

// Get returns a decoded copy of inode inum, or (nil, false) if inum is out
// of range. Mutations to the returned value are not visible until passed
// to Put.
func (t *Table) Get(inum int) (*Inode, bool) {
	if inum < 0 || inum >= Count {
		return nil, false
	}
	return t.unsafeGet(inum), true
}

// Put writes back a modified inode record.
func (t *Table) Put(inum int, n *Inode) {
	t.put(inum, n)
}

// Alloc finds a free inode (Refs == 0), initializes it per the lifecycle
// rules in the spec, and returns its number. It returns -1 if the table is
// full.
func (t *Table) Alloc(mode uint32) int {
	for inum := RootInum + 1; inum < Count; inum++ {
		n := t.unsafeGet(inum)
		if n.Refs == 0 {
			n.Refs = 1
			n.Mode = mode
			n.Size = 0
			n.Ptrs = [2]int32{-1, -1}
			n.IPtr = -1
			n.Acc = 0
			n.Mod = 0
			t.put(inum, n)
			return inum
		}
	}
	return -1
}

// Free releases all of inum's data pages back to the allocator and clears
// its record: refs, mode, size and times become zero, and the direct and
// indirect pointers become -1 (unassigned).
func (t *Table) Free(inum int) {
	n := t.unsafeGet(inum)
	t.releaseBlocks(n)
	t.put(inum, &Inode{Ptrs: [2]int32{-1, -1}, IPtr: -1})
}

func (t *Table) releaseBlocks(n *Inode) {
	for _, p := range n.Ptrs {
		if p != -1 {
			t.pages.Free(int(p))
		}
	}
	if n.IPtr != -1 {
		indirect := t.indirectTable(n.IPtr)
		for _, p := range indirect {
			if p != -1 {
				t.pages.Free(int(p))
			}
		}
		t.pages.Free(int(n.IPtr))
	}
}

func (t *Table) indirectTable(ipageNum int32) []int32 {
	buf := t.img.Page(int(ipageNum))
	out := make([]int32, indirectEntries)
	binary.Read(bytes.NewReader(buf), binary.LittleEndian, &out)
	return out
}

func (t *Table) putIndirectEntry(ipageNum int32, idx int, v int32) {
	buf := t.img.Page(int(ipageNum))
	binary.LittleEndian.PutUint32(buf[idx*4:idx*4+4], uint32(v))
}

// blockPage returns the page number backing logical block index in n,
// without allocating. It returns -1 if the block is unassigned or out of
// range.
func (t *Table) blockPage(n *Inode, block int) int32 {
	switch {
	case block < 0 || block >= MaxBlocks:
		return -1
	case block < 2:
		return n.Ptrs[block]
	default:
		if n.IPtr == -1 {
			return -1
		}
		return t.indirectTable(n.IPtr)[block-2]
	}
}

func blocksFor(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + image.PageSize - 1) / image.PageSize)
}

// Resize grows or shrinks n to newSize, dispatching to the appropriate
// direction regardless of which the caller intended — the source's
// grow_inode and shrink_inode are really one operation, and this keeps
// storage_truncate and directory growth from having to pick the right one
// themselves.
func (t *Table) Resize(n *Inode, newSize int64) error {
	if newSize < 0 {
		return ErrInvalid
	}
	if newSize > MaxSize {
		return ErrNoSpace
	}
	have := blocksFor(int64(n.Size))
	needed := blocksFor(newSize)
	switch {
	case needed > have:
		if err := t.grow(n, have, needed); err != nil {
			return err
		}
	case needed < have:
		t.shrink(n, have, needed)
	}
	n.Size = uint64(newSize)
	return nil
}

// grow reserves every page a resize from have to needed blocks will
// require before attaching any of them to n. Attaching pages as they are
// allocated (the source's approach) leaves a failure partway through with
// pages already marked in-use in the bitmap but referenced by no inode —
// see spec.md §9 "Allocation rollback on grow failure". Reserving first
// means a failure rolls back cleanly and n is never mutated on the error
// path.
func (t *Table) grow(n *Inode, have, needed int) error {
	needIndirect := n.IPtr == -1 && needed > 2
	want := needed - have
	if needIndirect {
		want++
	}

	reserved := make([]int32, 0, want)
	for i := 0; i < want; i++ {
		p := t.pages.Alloc()
		if p == -1 {
			for _, r := range reserved {
				t.pages.Free(int(r))
			}
			return ErrNoSpace
		}
		reserved = append(reserved, int32(p))
	}

	if needIndirect {
		ip := reserved[0]
		reserved = reserved[1:]
		zero := make([]byte, image.PageSize)
		copy(t.img.Page(int(ip)), zero)
		n.IPtr = ip
	}
	for _, p := range reserved {
		t.attach(n, have, p)
		have++
	}
	return nil
}

func (t *Table) attach(n *Inode, block int, p int32) {
	if block < 2 {
		n.Ptrs[block] = p
	} else {
		t.putIndirectEntry(n.IPtr, block-2, p)
	}
}

func (t *Table) shrink(n *Inode, have, needed int) {
	for have > needed {
		have--
		p := t.blockPage(n, have)
		if p != -1 {
			t.pages.Free(int(p))
		}
		if have < 2 {
			n.Ptrs[have] = -1
		} else {
			t.putIndirectEntry(n.IPtr, have-2, -1)
		}
	}
	if needed <= 2 && n.IPtr != -1 {
		t.pages.Free(int(n.IPtr))
		n.IPtr = -1
	}
}

// ReadAt copies len(buf) bytes from n's content starting at offset into
// buf, crossing block boundaries as needed. The caller is responsible for
// ensuring offset+len(buf) <= n.Size (or, for directories, that the range
// has already been grown into existence).
func (t *Table) ReadAt(n *Inode, buf []byte, offset int64) {
	t.walk(n, len(buf), offset, func(chunk []byte, dst int, src []byte) {
		copy(chunk, src)
	}, buf)
}

// WriteAt copies len(buf) bytes from buf into n's content starting at
// offset, crossing block boundaries as needed.
func (t *Table) WriteAt(n *Inode, buf []byte, offset int64) {
	t.walk(n, len(buf), offset, func(chunk []byte, dst int, src []byte) {
		copy(src, chunk)
	}, buf)
}

// walk performs the block-by-block scatter/gather shared by ReadAt and
// WriteAt: for each page touched by [offset, offset+size), it computes the
// in-page (start, length) and lets apply copy between that page region and
// the caller's buffer at the right running offset.
func (t *Table) walk(n *Inode, size int, offset int64, apply func(page []byte, bufOff int, buf []byte), buf []byte) {
	if size == 0 {
		return
	}
	startBlock := int(offset / image.PageSize)
	endBlock := int((offset + int64(size) - 1) / image.PageSize)

	bufOff := 0
	for block := startBlock; block <= endBlock; block++ {
		p := t.blockPage(n, block)
		page := t.img.Page(int(p))

		blockStart := int64(block) * image.PageSize
		dataOff := 0
		if block == startBlock {
			dataOff = int(offset - blockStart)
		}
		chunkEnd := image.PageSize
		if block == endBlock {
			chunkEnd = int(offset + int64(size) - blockStart)
		}

		sub := page[dataOff:chunkEnd]
		apply(sub, bufOff, buf[bufOff:bufOff+len(sub)])
		bufOff += len(sub)
	}
}
