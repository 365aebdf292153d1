package a4io

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/JohannesEbke/a4io/pb"
)

// WriterOptions configure one sub-stream.
type WriterOptions struct {
	// Description is an arbitrary human-readable note stored in the header.
	Description string

	// Content and Metadata name the message types whose class IDs become the
	// sub-stream's content and metadata classes. Both are optional; their
	// schemas (with transitive imports) are embedded into the header.
	Content  protoreflect.MessageDescriptor
	Metadata protoreflect.MessageDescriptor

	// Compression selects the section codec. CompressionNone writes all
	// records uncompressed.
	Compression pb.Compression

	// MetadataRefersForward declares whether a metadata record describes the
	// content that follows it (true) or the content since the previous
	// metadata record (false).
	MetadataRefersForward bool
}

// controlRecord is implemented by the message types in package pb.
type controlRecord interface {
	Marshal() ([]byte, error)
}

// A Writer produces one sub-stream. Writers may be pointed at the same sink
// one after another; the resulting concatenation is itself a valid stream.
type Writer struct {
	raw  *countingWriter
	out  io.Writer // raw, or the active section compressor
	sect io.WriteCloser

	compression           pb.Compression
	metadataRefersForward bool
	contentClassID        uint32
	metadataClassID       uint32

	contentCount    uint64
	metadataOffsets []uint64

	announcedFiles   map[string]bool
	announcedClasses map[uint32]bool

	closed bool
}

// NewWriter opens a sub-stream on w: it writes the start magic and the
// header, and opens the first compressed section if compression is enabled.
func NewWriter(w io.Writer, opts WriterOptions) (*Writer, error) {
	wr := &Writer{
		compression:           opts.Compression,
		metadataRefersForward: opts.MetadataRefersForward,
		announcedFiles:        make(map[string]bool),
		announcedClasses:      make(map[uint32]bool),
	}
	wr.raw = &countingWriter{w: w}
	wr.out = wr.raw

	var fdps []*descriptorpb.FileDescriptorProto
	seen := make(map[string]bool)
	if opts.Content != nil {
		id, ok := classIDOf(opts.Content)
		if !ok {
			return nil, xerrors.Errorf("content type %s has no %s field: %w", opts.Content.FullName(), classIDFieldName, ErrUsage)
		}
		wr.contentClassID = id
		fdps = descriptorClosure(opts.Content.ParentFile(), seen, fdps)
	}
	if opts.Metadata != nil {
		id, ok := classIDOf(opts.Metadata)
		if !ok {
			return nil, xerrors.Errorf("metadata type %s has no %s field: %w", opts.Metadata.FullName(), classIDFieldName, ErrUsage)
		}
		wr.metadataClassID = id
		fdps = descriptorClosure(opts.Metadata.ParentFile(), seen, fdps)
	}
	for _, fdp := range fdps {
		wr.markAnnounced(fdp)
	}

	if _, err := wr.raw.Write([]byte(StartMagic)); err != nil {
		return nil, xerrors.Errorf("writing start magic: %v", err)
	}
	hdr := &pb.StreamHeader{
		A4Version:             1,
		Description:           opts.Description,
		MetadataRefersForward: opts.MetadataRefersForward,
		ContentClassID:        wr.contentClassID,
		MetadataClassID:       wr.metadataClassID,
		FileDescriptors:       fdps,
	}
	if err := wr.writeControl(pb.ClassStreamHeader, hdr); err != nil {
		return nil, err
	}
	if wr.compression != pb.CompressionNone {
		if err := wr.startSection(); err != nil {
			return nil, err
		}
	}
	return wr, nil
}

func (w *Writer) markAnnounced(fdp *descriptorpb.FileDescriptorProto) {
	w.announcedFiles[fdp.GetName()] = true
	for _, id := range classIDsIn(fdp) {
		w.announcedClasses[id] = true
	}
}

func (w *Writer) writeControl(classID uint32, m controlRecord) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	if _, err := writeFrame(w.out, classID, payload, false); err != nil {
		return xerrors.Errorf("writing control record %d: %v", classID, err)
	}
	return nil
}

func (w *Writer) startSection() error {
	if w.sect != nil {
		return xerrors.New("compressed section already open")
	}
	if err := w.writeControl(pb.ClassStartCompressedSection, &pb.StartCompressedSection{Compression: w.compression}); err != nil {
		return err
	}
	sect, err := newSectionWriter(w.compression, w.raw)
	if err != nil {
		return err
	}
	w.sect = sect
	w.out = sect
	return nil
}

// stopSection ends the active compressed section. The end marker is the last
// record inside the compressed run; closing the compressor afterwards flushes
// its trailer, at which point raw.n is the exact raw offset again.
func (w *Writer) stopSection() error {
	if w.sect == nil {
		return xerrors.New("no compressed section open")
	}
	if err := w.writeControl(pb.ClassEndCompressedSection, &pb.EndCompressedSection{}); err != nil {
		return err
	}
	if err := w.sect.Close(); err != nil {
		return xerrors.Errorf("closing compressed section: %v", err)
	}
	w.sect = nil
	w.out = w.raw
	return nil
}

// announce emits the schema closure of fd as Proto records, dependencies
// first, skipping files already announced in this stream.
func (w *Writer) announce(fd protoreflect.FileDescriptor) error {
	seen := make(map[string]bool)
	for _, fdp := range descriptorClosure(fd, seen, nil) {
		if w.announcedFiles[fdp.GetName()] {
			continue
		}
		w.markAnnounced(fdp)
		if err := w.writeControl(pb.ClassProto, &pb.Proto{FileDescriptor: fdp}); err != nil {
			return err
		}
	}
	return nil
}

// Write appends one message record. The message's class is derived from its
// CLASS_ID field; unannounced user schemas are announced in-band first.
// Metadata records close the active compressed section, record their raw
// offset for the footer index, and reopen a fresh section afterwards.
func (w *Writer) Write(msg proto.Message) error {
	if w.closed {
		return xerrors.Errorf("write on closed stream: %w", ErrUsage)
	}
	m := msg.ProtoReflect()
	classID, ok := classIDOf(m.Descriptor())
	if !ok {
		return xerrors.Errorf("%s has no %s field: %w", m.Descriptor().FullName(), classIDFieldName, ErrUsage)
	}
	payload, err := proto.Marshal(msg)
	if err != nil {
		return xerrors.Errorf("marshaling %s: %v", m.Descriptor().FullName(), err)
	}
	if err := checkRecord(classID, len(payload)); err != nil {
		return err
	}

	if classID >= pb.FirstCustomMessageClass && !w.announcedClasses[classID] {
		if err := w.announce(m.Descriptor().ParentFile()); err != nil {
			return err
		}
	}

	isMetadata := w.metadataClassID != 0 && classID == w.metadataClassID
	if isMetadata {
		if w.sect != nil {
			if err := w.stopSection(); err != nil {
				return err
			}
		}
		w.metadataOffsets = append(w.metadataOffsets, uint64(w.raw.n))
	}
	short := w.contentClassID != 0 && classID == w.contentClassID
	if short {
		w.contentCount++
	}
	if _, err := writeFrame(w.out, classID, payload, short); err != nil {
		return xerrors.Errorf("writing record %d: %v", classID, err)
	}
	if isMetadata && w.compression != pb.CompressionNone {
		return w.startSection()
	}
	return nil
}

// WriteMetadata writes a metadata record, verifying that the stream declares
// a metadata class and that msg is of it.
func (w *Writer) WriteMetadata(msg proto.Message) error {
	if w.metadataClassID == 0 {
		return xerrors.Errorf("stream has no metadata class: %w", ErrUsage)
	}
	classID, ok := classIDOf(msg.ProtoReflect().Descriptor())
	if !ok || classID != w.metadataClassID {
		return xerrors.Errorf("%s is not the metadata class of this stream: %w", msg.ProtoReflect().Descriptor().FullName(), ErrUsage)
	}
	return w.Write(msg)
}

// Close ends the sub-stream: it stops any open compressed section and writes
// the footer, the 4-byte footer size and the end magic. The underlying sink
// is not closed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if w.sect != nil {
		if err := w.stopSection(); err != nil {
			return err
		}
	}
	footer := &pb.StreamFooter{
		MetadataOffsets:       w.metadataOffsets,
		MetadataRefersForward: w.metadataRefersForward,
	}
	if w.contentClassID != 0 {
		count := w.contentCount
		footer.ContentCount = &count
	}
	// The footer states the total sub-stream length including itself, the
	// 4-byte trailer and the end magic. The varint width of the size field
	// feeds back into that total, so iterate until it is stable.
	base := uint64(w.raw.n)
	footer.Size = base
	for {
		total := base + 8 + uint64(footer.MarshaledSize()) + 4 + uint64(len(EndMagic))
		if total == footer.Size {
			break
		}
		footer.Size = total
	}
	payload, err := footer.Marshal()
	if err != nil {
		return err
	}
	if _, err := writeFrame(w.raw, pb.ClassStreamFooter, payload, false); err != nil {
		return xerrors.Errorf("writing footer: %v", err)
	}
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], uint32(len(payload)))
	if _, err := w.raw.Write(trailer[:]); err != nil {
		return xerrors.Errorf("writing footer size: %v", err)
	}
	if _, err := w.raw.Write([]byte(EndMagic)); err != nil {
		return xerrors.Errorf("writing end magic: %v", err)
	}
	w.closed = true
	return nil
}
