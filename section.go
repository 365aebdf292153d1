package a4io

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/JohannesEbke/a4io/pb"
)

// countingWriter tracks the raw byte position of a sub-stream. All output
// reaches the sink through it, whether framed directly or through a section
// compressor, so n is the exact raw offset whenever no compressor holds
// buffered data (i.e. outside compressed sections).
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// newSectionWriter wraps w in the codec announced by a StartCompressedSection
// record. Closing the returned writer flushes the codec trailer; it does not
// close w.
func newSectionWriter(codec pb.Compression, w io.Writer) (io.WriteCloser, error) {
	switch codec {
	case pb.CompressionZlib:
		return zlib.NewWriter(w), nil
	case pb.CompressionGzip:
		return pgzip.NewWriter(w), nil
	}
	return nil, xerrors.Errorf("unsupported compression codec %v", codec)
}

// byteReader lets the decompressors read their input byte-exactly: with an
// io.ByteReader source, flate consumes no more input than the compressed
// stream itself, which keeps the underlying raw position meaningful when the
// section ends.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (br *byteReader) Read(p []byte) (int, error) {
	return br.r.Read(p)
}

func (br *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.buf[:]); err != nil {
		return 0, err
	}
	return br.buf[0], nil
}

// newSectionReader wraps r in the decompressor for codec.
func newSectionReader(codec pb.Compression, r io.Reader) (io.ReadCloser, error) {
	br := &byteReader{r: r}
	switch codec {
	case pb.CompressionZlib:
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, xerrors.Errorf("opening zlib section: %v", err)
		}
		return zr, nil
	case pb.CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, xerrors.Errorf("opening gzip section: %v", err)
		}
		zr.Multistream(false)
		return zr, nil
	}
	return nil, xerrors.Errorf("unsupported compression codec %v", codec)
}

// drainSection consumes the remainder of a section reader so that the codec
// trailer is read off the underlying stream, then closes it.
func drainSection(rc io.ReadCloser) error {
	if _, err := io.Copy(io.Discard, rc); err != nil {
		rc.Close()
		return xerrors.Errorf("draining compressed section: %v", err)
	}
	return rc.Close()
}
