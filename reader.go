package a4io

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"strings"

	"golang.org/x/xerrors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/JohannesEbke/a4io/pb"
)

// A Reader iterates over the records of an A4 stream. Next yields content
// records in write order; control records, schema announcements and metadata
// records are consumed transparently. The metadata record governing the
// current content record is available from CurrentMetadata.
//
// The stream may be a concatenation of several sub-streams; Reader follows
// the transitions, switching class IDs, schemas and metadata direction per
// sub-stream.
type Reader struct {
	rs   io.ReadSeeker
	in   io.Reader // rs, or the active section decompressor
	sect io.ReadCloser

	pool *Pool

	// current sub-stream context
	hdr                   *pb.StreamHeader
	contentClassID        uint32
	metadataClassID       uint32
	metadataRefersForward bool
	currentMetadata       proto.Message
	metadataChange        bool
	eof                   bool

	// index over everything seen so far; complete after ReadAllMetaInfo
	headers  map[int64]*pb.StreamHeader
	footers  map[int64]*pb.StreamFooter
	metadata map[int64]proto.Message
	size     uint64
	indexed  bool
	indexErr error
}

// NewReader opens a stream positioned at a start magic and reads the first
// sub-stream header.
func NewReader(rs io.ReadSeeker) (*Reader, error) {
	r := &Reader{
		rs:             rs,
		in:             rs,
		pool:           NewPool(),
		metadataChange: true,
		headers:        make(map[int64]*pb.StreamHeader),
		footers:        make(map[int64]*pb.StreamFooter),
		metadata:       make(map[int64]proto.Message),
	}
	var magic [8]byte
	if _, err := io.ReadFull(rs, magic[:]); err != nil {
		return nil, xerrors.Errorf("reading start magic: %w", ErrBadMagic)
	}
	if string(magic[:]) != StartMagic {
		return nil, xerrors.Errorf("got %q: %w", magic[:], ErrBadMagic)
	}
	pos, err := r.rawTell()
	if err != nil {
		return nil, err
	}
	classID, payload, err := r.readRecord()
	if err != nil {
		return nil, xerrors.Errorf("reading stream header: %v", err)
	}
	if classID != pb.ClassStreamHeader {
		return nil, xerrors.Errorf("first record has class %d, not a stream header: %w", classID, ErrBadMagic)
	}
	hdr := new(pb.StreamHeader)
	if err := hdr.Unmarshal(payload); err != nil {
		return nil, err
	}
	if err := r.processHeaderAt(pos-int64(len(StartMagic)), hdr); err != nil {
		return nil, err
	}
	r.installHeader(hdr)
	return r, nil
}

func (r *Reader) rawTell() (int64, error) {
	pos, err := r.rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, xerrors.Errorf("querying stream position: %v", err)
	}
	return pos, nil
}

// processHeaderAt validates a header, feeds its schemas to the pool and
// records it in the index under the sub-stream start offset.
func (r *Reader) processHeaderAt(start int64, hdr *pb.StreamHeader) error {
	if hdr.A4Version != 1 {
		return xerrors.Errorf("a4_version %d: %w", hdr.A4Version, ErrVersionMismatch)
	}
	for _, fdp := range hdr.FileDescriptors {
		if err := r.pool.AddFileDescriptor(fdp); err != nil {
			return err
		}
	}
	r.headers[start] = hdr
	return nil
}

// installHeader makes hdr the current sub-stream context.
func (r *Reader) installHeader(hdr *pb.StreamHeader) {
	r.hdr = hdr
	r.contentClassID = hdr.ContentClassID
	r.metadataClassID = hdr.MetadataClassID
	r.metadataRefersForward = hdr.MetadataRefersForward
}

// readRecord reads the next frame from the current input, feeding Proto
// announcements to the schema pool invisibly.
func (r *Reader) readRecord() (uint32, []byte, error) {
	for {
		classID, payload, err := readFrame(r.in, r.contentClassID)
		if err != nil {
			return 0, nil, err
		}
		if classID == pb.ClassProto {
			var p pb.Proto
			if err := p.Unmarshal(payload); err != nil {
				return 0, nil, err
			}
			if err := r.pool.AddFileDescriptor(p.FileDescriptor); err != nil {
				return 0, nil, err
			}
			continue
		}
		return classID, payload, nil
	}
}

// Next returns the next content record, or io.EOF at the end of the stream.
func (r *Reader) Next() (proto.Message, error) {
	if r.eof {
		return nil, io.EOF
	}
	for {
		classID, payload, err := r.readRecord()
		if err == io.EOF {
			log.Printf("a4io: file seems to be not closed")
			r.eof = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		switch classID {
		case pb.ClassStreamHeader:
			hdr := new(pb.StreamHeader)
			if err := hdr.Unmarshal(payload); err != nil {
				return nil, err
			}
			pos, err := r.rawTell()
			if err != nil {
				return nil, err
			}
			start := pos - int64(len(payload)) - 8 - int64(len(StartMagic))
			if err := r.processHeaderAt(start, hdr); err != nil {
				return nil, err
			}
			r.installHeader(hdr)

		case pb.ClassStreamFooter:
			footer := new(pb.StreamFooter)
			if err := footer.Unmarshal(payload); err != nil {
				return nil, err
			}
			pos, err := r.rawTell()
			if err != nil {
				return nil, err
			}
			footerStart := pos - int64(len(payload)) - 8
			if _, seen := r.footers[footerStart]; !seen {
				r.size += footer.Size
			}
			r.footers[footerStart] = footer
			var trailer [4]byte
			if _, err := io.ReadFull(r.rs, trailer[:]); err != nil {
				log.Printf("a4io: file seems to be not closed")
				r.eof = true
				return nil, io.EOF
			}
			var magic [8]byte
			if _, err := io.ReadFull(r.rs, magic[:]); err != nil || string(magic[:]) != EndMagic {
				log.Printf("a4io: file seems to be not closed")
				r.eof = true
				return nil, io.EOF
			}
			r.currentMetadata = nil
			r.metadataChange = true
			// Another sub-stream may follow.
			n, err := io.ReadFull(r.rs, magic[:])
			if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
				r.eof = true
				return nil, io.EOF
			}
			if err != nil || string(magic[:]) != StartMagic {
				return nil, xerrors.Errorf("expected start magic after sub-stream end: %w", ErrBadMagic)
			}

		case pb.ClassStartCompressedSection:
			start := new(pb.StartCompressedSection)
			if err := start.Unmarshal(payload); err != nil {
				return nil, err
			}
			if r.sect != nil {
				return nil, xerrors.New("nested compressed section")
			}
			sect, err := newSectionReader(start.Compression, r.rs)
			if err != nil {
				return nil, err
			}
			r.sect = sect
			r.in = sect

		case pb.ClassEndCompressedSection:
			if r.sect == nil {
				return nil, xerrors.New("compressed section end without start")
			}
			if err := drainSection(r.sect); err != nil {
				return nil, err
			}
			r.sect = nil
			r.in = r.rs

		default:
			msg, err := r.pool.Decode(classID, payload)
			if err != nil {
				return nil, err
			}
			if r.metadataClassID != 0 && classID == r.metadataClassID {
				pos, err := r.rawTell()
				if err != nil {
					return nil, err
				}
				r.metadata[pos-int64(len(payload))-8] = msg
				r.metadataChange = true
				if r.metadataRefersForward {
					r.currentMetadata = msg
				} else {
					md, err := r.MetadataAt(pos)
					if err != nil {
						return nil, err
					}
					r.currentMetadata = md
				}
				continue
			}
			if r.currentMetadata == nil {
				pos, err := r.rawTell()
				if err != nil {
					return nil, err
				}
				md, err := r.MetadataAt(pos)
				if err != nil {
					return nil, err
				}
				r.currentMetadata = md
			}
			return msg, nil
		}
	}
}

// CurrentMetadata returns the metadata record governing the most recently
// returned content record, or nil if it has none in the sub-stream's
// direction.
func (r *Reader) CurrentMetadata() proto.Message {
	return r.currentMetadata
}

// CurrentHeader returns the header of the sub-stream being read.
func (r *Reader) CurrentHeader() *pb.StreamHeader {
	return r.hdr
}

// ContentDescriptor returns the descriptor of the current sub-stream's
// content class, or nil if none is declared.
func (r *Reader) ContentDescriptor() protoreflect.MessageDescriptor {
	return r.pool.Descriptor(r.contentClassID)
}

// MetadataDescriptor returns the descriptor of the current sub-stream's
// metadata class, or nil if none is declared.
func (r *Reader) MetadataDescriptor() protoreflect.MessageDescriptor {
	return r.pool.Descriptor(r.metadataClassID)
}

// ReadAllMetaInfo walks the stream backwards from its tail and builds the
// complete header, footer and metadata index without decompressing content.
// It fails with ErrUnclosedStream when the end magic is missing; the current
// read position is preserved either way.
func (r *Reader) ReadAllMetaInfo() error {
	if r.indexed {
		return nil
	}
	if r.indexErr != nil {
		return r.indexErr
	}
	if err := r.readAllMetaInfo(); err != nil {
		r.indexErr = err
		return err
	}
	r.indexed = true
	return nil
}

func (r *Reader) readAllMetaInfo() error {
	saved, err := r.rawTell()
	if err != nil {
		return err
	}
	defer r.rs.Seek(saved, io.SeekStart)
	end, err := r.rs.Seek(0, io.SeekEnd)
	if err != nil {
		return xerrors.Errorf("seeking to stream end: %v", err)
	}
	var tail int64
	for {
		subEnd := end - tail
		if subEnd < int64(len(StartMagic)+len(EndMagic)) {
			return xerrors.Errorf("sub-stream end at offset %d: %w", subEnd, ErrBadMagic)
		}
		if _, err := r.rs.Seek(subEnd-int64(len(EndMagic)), io.SeekStart); err != nil {
			return err
		}
		var magic [8]byte
		if _, err := io.ReadFull(r.rs, magic[:]); err != nil || string(magic[:]) != EndMagic {
			log.Printf("a4io: file seems to be not closed")
			return xerrors.Errorf("no end magic at offset %d: %w", subEnd-int64(len(EndMagic)), ErrUnclosedStream)
		}
		if _, err := r.rs.Seek(subEnd-int64(len(EndMagic))-4, io.SeekStart); err != nil {
			return err
		}
		var sz [4]byte
		if _, err := io.ReadFull(r.rs, sz[:]); err != nil {
			return xerrors.Errorf("reading footer size: %w", ErrTruncatedFrame)
		}
		footerSize := binary.LittleEndian.Uint32(sz[:])
		footerStart := subEnd - int64(len(EndMagic)) - 4 - int64(footerSize) - 8
		if footerStart < 0 {
			return xerrors.Errorf("footer size %d exceeds stream: %w", footerSize, ErrSizeOutOfRange)
		}
		if _, err := r.rs.Seek(footerStart, io.SeekStart); err != nil {
			return err
		}
		classID, payload, err := readFrame(r.rs, 0)
		if err != nil {
			return err
		}
		if classID != pb.ClassStreamFooter {
			return xerrors.Errorf("record at offset %d has class %d, expected a stream footer", footerStart, classID)
		}
		footer := new(pb.StreamFooter)
		if err := footer.Unmarshal(payload); err != nil {
			return err
		}
		subStart := subEnd - int64(footer.Size)
		if subStart < 0 {
			return xerrors.Errorf("footer states sub-stream size %d at offset %d: %w", footer.Size, footerStart, ErrSizeOutOfRange)
		}
		if _, seen := r.footers[footerStart]; !seen {
			r.size += footer.Size
		}
		r.footers[footerStart] = footer

		// The header comes first so that schemas announced only there are in
		// the pool before the metadata payloads are decoded.
		if _, err := r.rs.Seek(subStart, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.ReadFull(r.rs, magic[:]); err != nil || string(magic[:]) != StartMagic {
			return xerrors.Errorf("no start magic at offset %d: %w", subStart, ErrBadMagic)
		}
		classID, payload, err = readFrame(r.rs, 0)
		if err != nil {
			return err
		}
		if classID != pb.ClassStreamHeader {
			return xerrors.Errorf("record at offset %d has class %d, expected a stream header", subStart, classID)
		}
		hdr := new(pb.StreamHeader)
		if err := hdr.Unmarshal(payload); err != nil {
			return err
		}
		if err := r.processHeaderAt(subStart, hdr); err != nil {
			return err
		}

		offs := append([]uint64(nil), footer.MetadataOffsets...)
		sort.Slice(offs, func(i, j int) bool { return offs[i] > offs[j] })
		for _, mo := range offs {
			off := subStart + int64(mo)
			if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
				return err
			}
			classID, payload, err := readFrame(r.rs, 0)
			if err != nil {
				return err
			}
			msg, err := r.pool.Decode(classID, payload)
			if err != nil {
				return err
			}
			r.metadata[off] = msg
		}

		if subStart == 0 {
			return nil
		}
		tail += int64(footer.Size)
	}
}

// HeaderAt returns the header of the sub-stream containing the given raw
// byte offset, or nil if none is known at that position.
func (r *Reader) HeaderAt(pos int64) *pb.StreamHeader {
	hdr, _, _ := r.headerWindow(pos)
	return hdr
}

func (r *Reader) headerWindow(pos int64) (*pb.StreamHeader, int64, int64) {
	keys := sortedOffsets(r.headers)
	i := sort.Search(len(keys), func(i int) bool { return keys[i] > pos })
	if i == 0 {
		return nil, 0, 0
	}
	end := int64(math.MaxInt64)
	if i < len(keys) {
		end = keys[i]
	}
	return r.headers[keys[i-1]], keys[i-1], end
}

// MetadataAt returns the metadata record governing the given raw byte
// offset, honoring the metadata direction of the enclosing sub-stream, or
// nil if no metadata binds there. Resolving a backward-referring position
// builds the full index on first use; on unclosed streams that index is
// unavailable and the binding resolves to nil.
func (r *Reader) MetadataAt(pos int64) (proto.Message, error) {
	hdr, start, end := r.headerWindow(pos)
	if hdr == nil {
		return nil, nil
	}
	if !hdr.MetadataRefersForward {
		if err := r.ReadAllMetaInfo(); err != nil {
			if xerrors.Is(err, ErrUnclosedStream) {
				return nil, nil
			}
			return nil, err
		}
		// Indexing may have revealed the following sub-stream.
		_, start, end = r.headerWindow(pos)
	}
	keys := sortedOffsets(r.metadata)
	i := sort.Search(len(keys), func(i int) bool { return keys[i] > pos })
	if hdr.MetadataRefersForward {
		if i == 0 || keys[i-1] < start {
			return nil, nil
		}
		return r.metadata[keys[i-1]], nil
	}
	if i == len(keys) || keys[i] >= end {
		return nil, nil
	}
	return r.metadata[keys[i]], nil
}

func sortedOffsets[T any](m map[int64]T) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Info returns a one-line summary of the whole stream: version, total size,
// description, metadata class and content record counts summed over all
// sub-streams. It triggers a full index build.
func (r *Reader) Info() (string, error) {
	if err := r.ReadAllMetaInfo(); err != nil {
		return "", err
	}
	hkeys := sortedOffsets(r.headers)
	fkeys := sortedOffsets(r.footers)
	first := r.headers[hkeys[0]]
	parts := []string{
		fmt.Sprintf("A4 file v%d", first.A4Version),
		fmt.Sprintf("size: %d bytes", r.size),
		fmt.Sprintf("description: %s", first.Description),
		fmt.Sprintf("metadata: %s", r.className(first.MetadataClassID)),
	}
	counts := make(map[string]uint64)
	for i, hk := range hkeys {
		h := r.headers[hk]
		var c uint64
		if i < len(fkeys) {
			if f := r.footers[fkeys[i]]; f.ContentCount != nil {
				c = *f.ContentCount
			}
		}
		counts[r.className(h.ContentClassID)] += c
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		plural := "s"
		if counts[name] == 1 {
			plural = ""
		}
		parts = append(parts, fmt.Sprintf("%d %s%s", counts[name], name, plural))
	}
	return strings.Join(parts, ", "), nil
}

func (r *Reader) className(classID uint32) string {
	if classID == 0 {
		return "None"
	}
	if n := pb.ClassName(classID); n != "" {
		return n
	}
	if n := r.pool.Name(classID); n != "" {
		return n
	}
	return fmt.Sprintf("<unknown class %d>", classID)
}

// Groups returns an iterator over (metadata, content) groups. The caller
// must exhaust each group's content before advancing to the next group.
func (r *Reader) Groups() *Groups {
	return &Groups{r: r}
}

// Groups iterates a stream grouped by metadata record.
type Groups struct {
	r       *Reader
	pending proto.Message
}

// Next returns the next group's metadata record and an iterator over its
// content records, or io.EOF at the end of the stream. Calling Next before
// the previous group's content is exhausted is a usage error.
func (g *Groups) Next() (proto.Message, *GroupEvents, error) {
	r := g.r
	if r.eof {
		return nil, nil, io.EOF
	}
	if !r.metadataChange {
		return nil, nil, xerrors.Errorf("cannot skip content records when iterating by metadata: %w", ErrUsage)
	}
	if g.pending == nil {
		msg, err := r.Next()
		if err != nil {
			return nil, nil, err
		}
		g.pending = msg
	}
	r.metadataChange = false
	ev := &GroupEvents{g: g, first: g.pending}
	g.pending = nil
	return r.currentMetadata, ev, nil
}

// GroupEvents iterates the content records of one metadata group.
type GroupEvents struct {
	g     *Groups
	first proto.Message
	done  bool
}

// Next returns the group's next content record; io.EOF ends the group.
func (e *GroupEvents) Next() (proto.Message, error) {
	if e.done {
		return nil, io.EOF
	}
	if e.first != nil {
		msg := e.first
		e.first = nil
		return msg, nil
	}
	msg, err := e.g.r.Next()
	if err != nil {
		e.done = true
		return nil, err
	}
	if e.g.r.metadataChange {
		e.done = true
		e.g.pending = msg
		return nil, io.EOF
	}
	return msg, nil
}
