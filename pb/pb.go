// Package pb contains the built-in control records of the A4 stream format:
// the stream header and footer, the compressed-section delimiters and the
// in-band schema announcement. Their class IDs are fixed; user messages must
// use class IDs of at least FirstCustomMessageClass.
//
// The control records are encoded with the standard protobuf wire format, but
// their codec is written out by hand against protowire so that the package has
// no generated code: the stream engine must be able to decode them before any
// schema pool exists.
package pb

import (
	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Class IDs of the built-in control records.
const (
	ClassStreamHeader           = 1
	ClassStreamFooter           = 2
	ClassStartCompressedSection = 3
	ClassEndCompressedSection   = 4
	ClassProto                  = 5

	// FirstCustomMessageClass is the lowest class ID available to user
	// schemas. Everything below is reserved for control records.
	FirstCustomMessageClass = 100
)

var classNames = map[uint32]string{
	ClassStreamHeader:           "StreamHeader",
	ClassStreamFooter:           "StreamFooter",
	ClassStartCompressedSection: "StartCompressedSection",
	ClassEndCompressedSection:   "EndCompressedSection",
	ClassProto:                  "Proto",
}

// ClassName returns the name of a built-in control record class, or "" if the
// class ID is not a control record.
func ClassName(classID uint32) string {
	return classNames[classID]
}

// Compression identifies the codec of a compressed section.
type Compression int32

const (
	CompressionNone Compression = 0
	CompressionZlib Compression = 1
	CompressionGzip Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionGzip:
		return "gzip"
	}
	return "unknown"
}

// StreamHeader is the first record of every sub-stream.
type StreamHeader struct {
	A4Version             uint32
	Description           string
	MetadataRefersForward bool
	ContentClassID        uint32
	MetadataClassID       uint32
	FileDescriptors       []*descriptorpb.FileDescriptorProto
}

func (h *StreamHeader) Marshal() ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.A4Version))
	if h.Description != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, h.Description)
	}
	if h.MetadataRefersForward {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if h.ContentClassID != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.ContentClassID))
	}
	if h.MetadataClassID != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.MetadataClassID))
	}
	for _, fdp := range h.FileDescriptors {
		enc, err := proto.Marshal(fdp)
		if err != nil {
			return nil, xerrors.Errorf("marshaling file descriptor %s: %v", fdp.GetName(), err)
		}
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, enc)
	}
	return b, nil
}

func (h *StreamHeader) Unmarshal(b []byte) error {
	*h = StreamHeader{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return xerrors.Errorf("stream header: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("stream header: %v", protowire.ParseError(n))
			}
			h.A4Version = uint32(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return xerrors.Errorf("stream header: %v", protowire.ParseError(n))
			}
			h.Description = v
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("stream header: %v", protowire.ParseError(n))
			}
			h.MetadataRefersForward = v != 0
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("stream header: %v", protowire.ParseError(n))
			}
			h.ContentClassID = uint32(v)
			b = b[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("stream header: %v", protowire.ParseError(n))
			}
			h.MetadataClassID = uint32(v)
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return xerrors.Errorf("stream header: %v", protowire.ParseError(n))
			}
			fdp := new(descriptorpb.FileDescriptorProto)
			if err := proto.Unmarshal(v, fdp); err != nil {
				return xerrors.Errorf("stream header: file descriptor: %v", err)
			}
			h.FileDescriptors = append(h.FileDescriptors, fdp)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return xerrors.Errorf("stream header: %v", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// StreamFooter is the last record of every sub-stream. Size is the total byte
// length of the sub-stream, from the opening magic through the closing magic,
// and MetadataOffsets hold the byte offsets of all metadata records relative
// to the sub-stream start.
type StreamFooter struct {
	Size                  uint64
	MetadataOffsets       []uint64
	MetadataRefersForward bool
	ContentCount          *uint64
}

func (f *StreamFooter) Marshal() ([]byte, error) {
	return f.append(nil), nil
}

// MarshaledSize returns the encoded payload length for the current field
// values. The writer iterates over it when fixing the Size field, whose own
// varint width depends on its value.
func (f *StreamFooter) MarshaledSize() int {
	n := protowire.SizeTag(1) + protowire.SizeVarint(f.Size)
	for _, off := range f.MetadataOffsets {
		n += protowire.SizeTag(2) + protowire.SizeVarint(off)
	}
	if f.MetadataRefersForward {
		n += protowire.SizeTag(3) + protowire.SizeVarint(1)
	}
	if f.ContentCount != nil {
		n += protowire.SizeTag(4) + protowire.SizeVarint(*f.ContentCount)
	}
	return n
}

func (f *StreamFooter) append(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Size)
	for _, off := range f.MetadataOffsets {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, off)
	}
	if f.MetadataRefersForward {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if f.ContentCount != nil {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, *f.ContentCount)
	}
	return b
}

func (f *StreamFooter) Unmarshal(b []byte) error {
	*f = StreamFooter{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return xerrors.Errorf("stream footer: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("stream footer: %v", protowire.ParseError(n))
			}
			f.Size = v
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("stream footer: %v", protowire.ParseError(n))
			}
			f.MetadataOffsets = append(f.MetadataOffsets, v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			// packed encoding, accepted for compatibility
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return xerrors.Errorf("stream footer: %v", protowire.ParseError(n))
			}
			for len(v) > 0 {
				e, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return xerrors.Errorf("stream footer: %v", protowire.ParseError(n))
				}
				f.MetadataOffsets = append(f.MetadataOffsets, e)
				v = v[n:]
			}
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("stream footer: %v", protowire.ParseError(n))
			}
			f.MetadataRefersForward = v != 0
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("stream footer: %v", protowire.ParseError(n))
			}
			f.ContentCount = &v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return xerrors.Errorf("stream footer: %v", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// StartCompressedSection announces that the records which follow are wrapped
// in the named codec until the matching EndCompressedSection.
type StartCompressedSection struct {
	Compression Compression
}

func (s *StartCompressedSection) Marshal() ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Compression))
	return b, nil
}

func (s *StartCompressedSection) Unmarshal(b []byte) error {
	*s = StartCompressedSection{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return xerrors.Errorf("start compressed section: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return xerrors.Errorf("start compressed section: %v", protowire.ParseError(n))
			}
			s.Compression = Compression(v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return xerrors.Errorf("start compressed section: %v", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// EndCompressedSection is the last record inside a compressed section.
type EndCompressedSection struct{}

func (*EndCompressedSection) Marshal() ([]byte, error) { return nil, nil }

func (*EndCompressedSection) Unmarshal(b []byte) error {
	if len(b) != 0 {
		return xerrors.New("end compressed section: unexpected payload")
	}
	return nil
}

// Proto is the in-band schema announcement: it carries one file-descriptor
// proto which makes the class IDs declared in it decodable.
type Proto struct {
	FileDescriptor *descriptorpb.FileDescriptorProto
}

func (p *Proto) Marshal() ([]byte, error) {
	if p.FileDescriptor == nil {
		return nil, xerrors.New("proto announcement without file descriptor")
	}
	enc, err := proto.Marshal(p.FileDescriptor)
	if err != nil {
		return nil, xerrors.Errorf("marshaling file descriptor %s: %v", p.FileDescriptor.GetName(), err)
	}
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, enc)
	return b, nil
}

func (p *Proto) Unmarshal(b []byte) error {
	*p = Proto{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return xerrors.Errorf("proto announcement: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return xerrors.Errorf("proto announcement: %v", protowire.ParseError(n))
			}
			fdp := new(descriptorpb.FileDescriptorProto)
			if err := proto.Unmarshal(v, fdp); err != nil {
				return xerrors.Errorf("proto announcement: file descriptor: %v", err)
			}
			p.FileDescriptor = fdp
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return xerrors.Errorf("proto announcement: %v", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
