package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/JohannesEbke/a4io"
)

const infoHelp = `a4 info [-flags] <file>...

Print a one-line summary of each stream file: version, size, description,
metadata class and content record counts. Files are indexed concurrently.

Example:
  % a4 info events.a4
`

func info(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("info", flag.ExitOnError)
	fset.Usage = usage(fset, infoHelp)
	fset.Parse(args)
	if fset.NArg() < 1 {
		return xerrors.Errorf("%w: info <file>...", errSyntax)
	}

	results := make([]string, fset.NArg())
	var eg errgroup.Group
	for i, fn := range fset.Args() {
		i, fn := i, fn
		eg.Go(func() error {
			f, err := os.Open(fn)
			if err != nil {
				return err
			}
			defer f.Close()
			r, err := a4io.NewReader(f)
			if err != nil {
				return xerrors.Errorf("%s: %v", fn, err)
			}
			summary, err := r.Info()
			if err != nil {
				return xerrors.Errorf("%s: %v", fn, err)
			}
			results[i] = summary
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	tty := isatty.IsTerminal(os.Stdout.Fd())
	for i, fn := range fset.Args() {
		if fset.NArg() > 1 || tty {
			fmt.Printf("%s: %s\n", fn, results[i])
		} else {
			fmt.Println(results[i])
		}
	}
	return nil
}
