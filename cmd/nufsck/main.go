// Command nufsck validates the on-disk invariants of a nufs image.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nufs-fs/nufs/internal/fsck"
)

const help = `nufsck [-flags] <image-path>

Check a nufs disk image for invariant violations.
`

func main() {
	fset := flag.NewFlagSet("nufsck", flag.ExitOnError)
	// -fix is accepted but intentionally unimplemented; see DESIGN.md.
	fix := fset.Bool("fix", false, "attempt to repair violations (not implemented)")
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		fset.PrintDefaults()
	}
	fset.Parse(os.Args[1:])
	if fset.NArg() != 1 {
		fset.Usage()
		os.Exit(2)
	}
	if *fix {
		fmt.Fprintln(os.Stderr, "nufsck: -fix is not implemented")
		os.Exit(2)
	}

	report, err := fsck.Check(fset.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "nufsck: %v\n", err)
		os.Exit(1)
	}

	if report.OK() {
		fmt.Println("nufsck: OK")
		return
	}
	for _, v := range report.Violations {
		fmt.Println(v.String())
	}
	os.Exit(1)
}
