// Command nufs mounts a nufs disk image as a FUSE filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/nufs-fs/nufs"
	"github.com/nufs-fs/nufs/internal/fuseadapter"
)

const help = `nufs [-flags] <mountpoint>

Mount a nufs disk image at <mountpoint>.
`

func main() {
	if err := mount(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func mount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("nufs", flag.ExitOnError)
	var (
		imagePath  = fset.String("image", "nufs.img", "path to the disk image backing the filesystem")
		allowOther = fset.Bool("allow-other", false, "allow other users to access the mount")
		readonly   = fset.Bool("readonly", false, "mount read-only")
	)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 1 {
		return fmt.Errorf("syntax: nufs [-flags] <mountpoint>")
	}
	mountpoint := fset.Arg(0)

	filesystem, err := nufs.Open(*imagePath)
	if err != nil {
		return err
	}
	defer filesystem.Close()

	server := fuseutil.NewFileSystemServer(fuseadapter.New(filesystem))

	cfg := &fuse.MountConfig{
		FSName:   "nufs",
		ReadOnly: *readonly,
	}
	if *allowOther {
		cfg.Options = map[string]string{"allow_other": ""}
	}

	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return xerrors.Errorf("fuse.Mount: %w", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		log.Printf("unmounting %s", mountpoint)
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Printf("unmount: %v", err)
		}
	}()

	return mfs.Join(ctx)
}
