package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	protoV1 "github.com/golang/protobuf/proto"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/JohannesEbke/a4io"
)

const dumpHelp = `a4 dump [-flags] <file>

Print every content record of a stream file as textproto, with the governing
metadata record printed whenever it changes.

Example:
  % a4 dump -n 10 events.a4
`

func dump(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("dump", flag.ExitOnError)
	var (
		limit = fset.Int("n", 0, "stop after this many content records (0 = no limit)")
	)
	fset.Usage = usage(fset, dumpHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("%w: dump <file>", errSyntax)
	}

	f, err := os.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := a4io.NewReader(f)
	if err != nil {
		return err
	}

	tty := isatty.IsTerminal(os.Stdout.Fd())
	var lastMetadata interface{}
	count := 0
	for {
		msg, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if md := r.CurrentMetadata(); md != lastMetadata {
			lastMetadata = md
			if md != nil {
				if tty {
					fmt.Println("── metadata ──")
				} else {
					fmt.Println("# metadata:")
				}
				fmt.Print(protoV1.MarshalTextString(protoV1.MessageV1(md)))
			}
		}
		fmt.Println(protoV1.CompactTextString(protoV1.MessageV1(msg)))
		count++
		if *limit > 0 && count >= *limit {
			return nil
		}
	}
}
