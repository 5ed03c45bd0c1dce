package pages

import (
	"path/filepath"
	"testing"

	"github.com/nufs-fs/nufs/internal/image"
)

func open(t *testing.T) *image.Image {
	t.Helper()
	img, err := image.Open(filepath.Join(t.TempDir(), "disk.img"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

func TestPageZeroAlwaysInUse(t *testing.T) {
	a := New(open(t))
	if !a.InUse(0) {
		t.Fatalf("page 0 should always be marked in use")
	}
}

func TestAllocSkipsInUsePages(t *testing.T) {
	a := New(open(t))
	first := a.Alloc()
	if first != 1 {
		t.Fatalf("first Alloc() = %d, want 1", first)
	}
	second := a.Alloc()
	if second != 2 {
		t.Fatalf("second Alloc() = %d, want 2", second)
	}
	a.Free(first)
	third := a.Alloc()
	if third != first {
		t.Fatalf("Alloc() after Free(%d) = %d, want %d", first, third, first)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := New(open(t))
	for i := 1; i < image.PageCount; i++ {
		if got := a.Alloc(); got != i {
			t.Fatalf("Alloc() = %d, want %d", got, i)
		}
	}
	if got := a.Alloc(); got != -1 {
		t.Fatalf("Alloc() on full image = %d, want -1", got)
	}
}

func TestCount(t *testing.T) {
	a := New(open(t))
	if got, want := a.Count(), 1; got != want {
		t.Fatalf("Count() = %d, want %d", got, want)
	}
	a.Alloc()
	a.Alloc()
	if got, want := a.Count(), 3; got != want {
		t.Fatalf("Count() = %d, want %d", got, want)
	}
}
