// a4 inspects and rewrites A4 stream files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/xerrors"
)

const globalHelp = `a4 [-flags] <command> [args]

Inspect and rewrite A4 stream files.

Commands:
  info    print a summary of one or more stream files
  dump    print all records of a stream file as textproto
  repack  rewrite a stream file, optionally changing its compression
`

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, globalHelp)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"info":   {info},
		"dump":   {dump},
		"repack": {repack},
	}
	verb := flag.Arg(0)
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		flag.Usage()
		os.Exit(2)
	}
	if err := v.fn(context.Background(), flag.Args()[1:]); err != nil {
		log.Fatalf("%s: %v", verb, err)
	}
}

func usage(fset *flag.FlagSet, helpText string) func() {
	return func() {
		fmt.Fprintln(os.Stderr, helpText)
		fmt.Fprintf(os.Stderr, "Flags for a4 %s:\n", fset.Name())
		fset.PrintDefaults()
	}
}

var errSyntax = xerrors.New("syntax error")
