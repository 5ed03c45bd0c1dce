// Package fsck implements the integrity checker: it re-derives the page
// bitmap from every live inode (Refs > 0) in the inode table and compares
// it against the on-image bitmap, and validates per-inode invariants. It
// does not walk the directory tree, so a live inode that no directory
// references still counts as reachable.
package fsck

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nufs-fs/nufs/internal/bitmap"
	"github.com/nufs-fs/nufs/internal/directory"
	"github.com/nufs-fs/nufs/internal/image"
	"github.com/nufs-fs/nufs/internal/inode"
	"github.com/nufs-fs/nufs/internal/pages"
	"golang.org/x/sync/errgroup"
)

// Violation describes a single invariant failure found during a check.
type Violation struct {
	Inum int
	Kind string
}

func (v Violation) String() string {
	return fmt.Sprintf("inode %d: %s", v.Inum, v.Kind)
}

// Report summarizes the result of a Check run.
type Report struct {
	Violations []Violation
}

// OK reports whether the image had no violations.
func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// Check opens the image at path and validates it, fanning the per-inode
// reachability scan out across a bounded pool of goroutines. The image is
// opened through image.Open, so it is mapped read-write and created if
// absent, and an uninitialized page 0 gets its bitmap and root inode set
// up before the scan.
func Check(path string) (Report, error) {
	img, err := image.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer img.Close()

	alloc := pages.New(img)
	tbl := inode.New(img, alloc)

	var mu sync.Mutex
	reachable := make([]byte, pages.BitmapBytes)
	bitmap.Set(reachable, 0, 1)

	var report Report
	addViolation := func(v Violation) {
		mu.Lock()
		report.Violations = append(report.Violations, v)
		mu.Unlock()
	}
	markPage := func(p int32) {
		if p == -1 {
			return
		}
		mu.Lock()
		bitmap.Set(reachable, int(p), 1)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(8)
	for inum := inode.RootInum; inum < inode.Count; inum++ {
		inum := inum
		g.Go(func() error {
			n, ok := tbl.Get(inum)
			if !ok || n.Refs == 0 {
				return nil
			}

			pageCount := 0
			for _, p := range n.Ptrs {
				if p != -1 {
					markPage(p)
					pageCount++
				}
			}
			if n.IPtr != -1 {
				markPage(n.IPtr)
				for _, p := range indirectPages(img, n.IPtr) {
					if p != -1 {
						markPage(p)
						pageCount++
					}
				}
			}

			if n.Size > 0 {
				want := blocksFor(n.Size)
				if pageCount != want {
					addViolation(Violation{Inum: inum, Kind: fmt.Sprintf("has %d data pages, want %d for size %d", pageCount, want, n.Size)})
				}
			}

			if n.Mode&inode.ModeDir != 0 && n.Size%uint64(directory.DirentSize) != 0 {
				addViolation(Violation{Inum: inum, Kind: fmt.Sprintf("directory size %d is not a multiple of the dirent size", n.Size)})
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	onDisk := alloc.Bitmap()
	for i := 0; i < image.PageCount; i++ {
		if bitmap.Get(reachable, i) != bitmap.Get(onDisk, i) {
			report.Violations = append(report.Violations, Violation{
				Inum: -1,
				Kind: fmt.Sprintf("page %d reachability (%d) disagrees with bitmap (%d)", i, bitmap.Get(reachable, i), bitmap.Get(onDisk, i)),
			})
		}
	}

	return report, nil
}

func indirectPages(img *image.Image, ipage int32) []int32 {
	buf := img.Page(int(ipage))
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out
}

func blocksFor(size uint64) int {
	return int((size + image.PageSize - 1) / image.PageSize)
}
