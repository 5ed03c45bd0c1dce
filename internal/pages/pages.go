// Package pages implements the page allocator: a bitmap-backed free list
// over the fixed set of pages in the image, with the bitmap itself stored
// in page 0.
package pages

import (
	"github.com/nufs-fs/nufs/internal/bitmap"
	"github.com/nufs-fs/nufs/internal/image"
)

// BitmapBytes is the number of bytes the page-allocation bitmap occupies
// at the start of page 0. This implementation reserves exactly
// ceil(PageCount/8) bytes, so the inode table that follows it stays inside
// page 0 — see DESIGN.md for why this departs from the original teaching
// implementation's reservation of a full PageCount bytes.
const BitmapBytes = (image.PageCount + 7) / 8

// Allocator tracks free and in-use pages via the bitmap in page 0.
type Allocator struct {
	img *image.Image
}

// New constructs an Allocator over img. If the bitmap has never been
// initialized (page 0 itself unmarked), it marks page 0 in use.
func New(img *image.Image) *Allocator {
	a := &Allocator{img: img}
	bm := a.bitmap()
	if bitmap.Get(bm, 0) == 0 {
		bitmap.Set(bm, 0, 1)
	}
	return a
}

func (a *Allocator) bitmap() []byte {
	return a.img.Page(0)[:BitmapBytes]
}

// Alloc finds the first free page at index >= 1, marks it in use, and
// returns its index. It returns -1 if the image is full.
func (a *Allocator) Alloc() int {
	bm := a.bitmap()
	for i := 1; i < image.PageCount; i++ {
		if bitmap.Get(bm, i) == 0 {
			bitmap.Set(bm, i, 1)
			return i
		}
	}
	return -1
}

// Free marks page n as no longer in use. The caller must not free a page
// that is not currently allocated.
func (a *Allocator) Free(n int) {
	bitmap.Set(a.bitmap(), n, 0)
}

// InUse reports whether page n is currently marked allocated.
func (a *Allocator) InUse(n int) bool {
	return bitmap.Get(a.bitmap(), n) == 1
}

// Count returns the number of pages currently marked in use.
func (a *Allocator) Count() int {
	return bitmap.Count(a.bitmap(), image.PageCount)
}

// Bitmap returns the raw on-image bitmap bytes, for use by the integrity
// checker's reachability comparison.
func (a *Allocator) Bitmap() []byte {
	return a.bitmap()
}
