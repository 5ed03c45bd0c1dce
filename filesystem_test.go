package nufs

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/nufs-fs/nufs/internal/inode"
)

func open(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := Open(filepath.Join(t.TempDir(), "disk.img"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestMknodThenStat(t *testing.T) {
	fs := open(t)
	inum, err := fs.Mknod("/a.txt", inode.ModeFile|0644)
	if err != nil {
		t.Fatal(err)
	}
	st, err := fs.Stat("/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Inum != inum {
		t.Fatalf("Stat().Inum = %d, want %d", st.Inum, inum)
	}
	if st.Nlink != 1 {
		t.Fatalf("Stat().Nlink = %d, want 1", st.Nlink)
	}
}

func TestMknodDuplicateFails(t *testing.T) {
	fs := open(t)
	if _, err := fs.Mknod("/a.txt", inode.ModeFile|0644); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Mknod("/a.txt", inode.ModeFile|0644); err != ErrExist {
		t.Fatalf("second Mknod() = %v, want ErrExist", err)
	}
}

func TestMknodMissingParentFails(t *testing.T) {
	fs := open(t)
	if _, err := fs.Mknod("/nope/a.txt", inode.ModeFile|0644); err != ErrNotExist {
		t.Fatalf("Mknod() under missing parent = %v, want ErrNotExist", err)
	}
}

func TestMkdirThenCreateNestedFile(t *testing.T) {
	fs := open(t)
	if _, err := fs.Mkdir("/sub", 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Mknod("/sub/leaf.txt", inode.ModeFile|0644); err != nil {
		t.Fatal(err)
	}
	entries, err := fs.Readdir("/sub")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("Readdir(/sub) = %d entries, want 2 (. and leaf.txt)", len(entries))
	}
}

func TestWriteReadTruncateRoundTrip(t *testing.T) {
	fs := open(t)
	if _, err := fs.Mknod("/a.txt", inode.ModeFile|0644); err != nil {
		t.Fatal(err)
	}

	want := []byte("the quick brown fox")
	if _, err := fs.Write("/a.txt", want, 0); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	n, err := fs.Read("/a.txt", got, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("Read() = %q, want %q", got[:n], want)
	}

	if err := fs.Truncate("/a.txt", 3); err != nil {
		t.Fatal(err)
	}
	st, err := fs.Stat("/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 3 {
		t.Fatalf("Stat().Size after truncate = %d, want 3", st.Size)
	}
}

func TestUnlinkRemovesEntryAndFreesInode(t *testing.T) {
	fs := open(t)
	inum, err := fs.Mknod("/a.txt", inode.ModeFile|0644)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink("/a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat("/a.txt"); err != ErrNotExist {
		t.Fatalf("Stat() after unlink = %v, want ErrNotExist", err)
	}
	st, err := fs.StatInode(inum)
	if err != nil {
		t.Fatal(err)
	}
	if st.Nlink != 0 || st.Mode != 0 {
		t.Fatalf("StatInode(%d) after unlink = %+v, want a freed record (Nlink 0, Mode 0)", inum, st)
	}
}

func TestLinkIncrementsRefsAndSharesContent(t *testing.T) {
	fs := open(t)
	inum, err := fs.Mknod("/a.txt", inode.ModeFile|0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write("/a.txt", []byte("shared"), 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Link("/a.txt", "/b.txt"); err != nil {
		t.Fatal(err)
	}

	st, err := fs.Stat("/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Nlink != 2 {
		t.Fatalf("Stat().Nlink after Link() = %d, want 2", st.Nlink)
	}

	bst, err := fs.Stat("/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if bst.Inum != inum {
		t.Fatalf("Stat(/b.txt).Inum = %d, want %d", bst.Inum, inum)
	}

	buf := make([]byte, 6)
	if _, err := fs.Read("/b.txt", buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "shared" {
		t.Fatalf("Read(/b.txt) = %q, want %q", buf, "shared")
	}
}

func TestUnlinkOneOfTwoLinksKeepsInode(t *testing.T) {
	fs := open(t)
	if _, err := fs.Mknod("/a.txt", inode.ModeFile|0644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Link("/a.txt", "/b.txt"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink("/a.txt"); err != nil {
		t.Fatal(err)
	}
	st, err := fs.Stat("/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Nlink != 1 {
		t.Fatalf("Stat(/b.txt).Nlink after unlinking sibling = %d, want 1", st.Nlink)
	}
}

func TestSymlinkAndReadlink(t *testing.T) {
	fs := open(t)
	if _, err := fs.Mknod("/target.txt", inode.ModeFile|0644); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Symlink("/target.txt", "/link"); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Readlink("/link")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/target.txt" {
		t.Fatalf("Readlink() = %q, want %q", got, "/target.txt")
	}
}

func TestRenamePreservesInodeAndContent(t *testing.T) {
	fs := open(t)
	inum, err := fs.Mknod("/old.txt", inode.ModeFile|0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write("/old.txt", []byte("keepme"), 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename("/old.txt", "/new.txt"); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Stat("/old.txt"); err != ErrNotExist {
		t.Fatalf("Stat(/old.txt) after rename = %v, want ErrNotExist", err)
	}
	st, err := fs.Stat("/new.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Inum != inum {
		t.Fatalf("Stat(/new.txt).Inum = %d, want %d (rename must preserve the inode)", st.Inum, inum)
	}

	buf := make([]byte, 6)
	if _, err := fs.Read("/new.txt", buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "keepme" {
		t.Fatalf("Read(/new.txt) = %q, want %q", buf, "keepme")
	}
}

func TestUtimensRoundTrips(t *testing.T) {
	fs := open(t)
	if _, err := fs.Mknod("/a.txt", inode.ModeFile|0644); err != nil {
		t.Fatal(err)
	}
	at := time.Unix(1000, 0)
	mt := time.Unix(2000, 0)
	if err := fs.Utimens("/a.txt", at, mt); err != nil {
		t.Fatal(err)
	}
	st, err := fs.Stat("/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Atime.Equal(at) || !st.Mtime.Equal(mt) {
		t.Fatalf("Stat() times = (%v, %v), want (%v, %v)", st.Atime, st.Mtime, at, mt)
	}
}

func TestReaddirListsDotAndChildren(t *testing.T) {
	fs := open(t)
	if _, err := fs.Mknod("/a.txt", inode.ModeFile|0644); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Mknod("/b.txt", inode.ModeFile|0644); err != nil {
		t.Fatal(err)
	}
	entries, err := fs.Readdir("/")
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	for _, want := range []string{".", "a.txt", "b.txt"} {
		if !names[want] {
			t.Fatalf("Readdir(/) missing %q, got %v", want, names)
		}
	}
}
