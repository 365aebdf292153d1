package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/JohannesEbke/a4io"
	"github.com/JohannesEbke/a4io/pb"
)

const repackHelp = `a4 repack [-flags] <file>

Rewrite a stream file into a single sub-stream, optionally changing its
compression. The output is replaced atomically. Content and metadata classes
and the metadata direction are taken from the input's first header.

Example:
  % a4 repack -o packed.a4 -compression gzip events.a4
`

func repack(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("repack", flag.ExitOnError)
	var (
		output      = fset.String("o", "", "output file (required)")
		compression = fset.String("compression", "zlib", "section codec: zlib, gzip or none")
	)
	fset.Usage = usage(fset, repackHelp)
	fset.Parse(args)
	if fset.NArg() != 1 || *output == "" {
		return xerrors.Errorf("%w: repack -o <output> <file>", errSyntax)
	}
	var codec pb.Compression
	switch *compression {
	case "zlib":
		codec = pb.CompressionZlib
	case "gzip":
		codec = pb.CompressionGzip
	case "none":
		codec = pb.CompressionNone
	default:
		return xerrors.Errorf("%w: unknown compression %q", errSyntax, *compression)
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
	hdr := r.CurrentHeader()

	t, err := renameio.TempFile("", *output)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	w, err := a4io.NewWriter(t, a4io.WriterOptions{
		Description:           hdr.Description,
		Content:               r.ContentDescriptor(),
		Metadata:              r.MetadataDescriptor(),
		Compression:           codec,
		MetadataRefersForward: hdr.MetadataRefersForward,
	})
	if err != nil {
		return err
	}

	groups := r.Groups()
	for {
		md, events, err := groups.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if hdr.MetadataRefersForward && md != nil {
			if err := w.Write(md); err != nil {
				return err
			}
		}
		if err := copyEvents(w, events); err != nil {
			return err
		}
		if !hdr.MetadataRefersForward && md != nil {
			if err := w.Write(md); err != nil {
				return err
			}
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func copyEvents(w *a4io.Writer, events *a4io.GroupEvents) error {
	for {
		msg, err := events.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.Write(msg); err != nil {
			return err
		}
	}
}
