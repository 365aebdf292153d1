package a4io

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/orcaman/writerseeker"

	"github.com/JohannesEbke/a4io/internal/a4test"
	"github.com/JohannesEbke/a4io/pb"
)

// scanRecords walks the raw frames of an uncompressed sub-stream and reports
// (shortFrame, classID) per record, stopping after the footer.
func scanRecords(t *testing.T, data []byte, contentClassID uint32) (short []bool, classes []uint32) {
	t.Helper()
	r := bytes.NewReader(data)
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || string(magic[:]) != StartMagic {
		t.Fatalf("no start magic: %q", magic[:])
	}
	for {
		var word [4]byte
		if _, err := io.ReadFull(r, word[:]); err != nil {
			t.Fatal(err)
		}
		size := binary.LittleEndian.Uint32(word[:])
		classID := contentClassID
		isShort := size&highBit == 0
		if !isShort {
			size &^= highBit
			if _, err := io.ReadFull(r, word[:]); err != nil {
				t.Fatal(err)
			}
			classID = binary.LittleEndian.Uint32(word[:])
		}
		if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
			t.Fatal(err)
		}
		short = append(short, isShort)
		classes = append(classes, classID)
		if classID == pb.ClassStreamFooter {
			return short, classes
		}
	}
}

func TestWriterStructure(t *testing.T) {
	ws := &writerseeker.WriterSeeker{}
	w, err := NewWriter(ws, WriterOptions{
		Description:           "structure test",
		Content:               a4test.Event(),
		Metadata:              a4test.MetaData(),
		Compression:           pb.CompressionNone,
		MetadataRefersForward: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(a4test.NewMetaData(1)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := w.Write(a4test.NewEvent(uint32(1000 + i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Write(a4test.NewMetaData(2)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.HasPrefix(data, []byte(StartMagic)) {
		t.Error("stream does not start with the start magic")
	}
	if !bytes.HasSuffix(data, []byte(EndMagic)) {
		t.Error("stream does not end with the end magic")
	}

	// Parse the tail: footer payload size, footer record, size invariant.
	footerSize := binary.LittleEndian.Uint32(data[len(data)-12 : len(data)-8])
	footerStart := len(data) - 12 - int(footerSize) - 8
	classID, payload, err := readFrame(bytes.NewReader(data[footerStart:]), 0)
	if err != nil {
		t.Fatal(err)
	}
	if classID != pb.ClassStreamFooter {
		t.Fatalf("record before trailer has class %d, want stream footer", classID)
	}
	footer := new(pb.StreamFooter)
	if err := footer.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if footer.Size != uint64(len(data)) {
		t.Errorf("footer.Size = %d, want stream length %d", footer.Size, len(data))
	}
	if len(footer.MetadataOffsets) != 2 {
		t.Fatalf("footer has %d metadata offsets, want 2", len(footer.MetadataOffsets))
	}
	if footer.ContentCount == nil || *footer.ContentCount != 10 {
		t.Errorf("footer.ContentCount = %v, want 10", footer.ContentCount)
	}
	if !footer.MetadataRefersForward {
		t.Error("footer does not carry the forward metadata direction")
	}

	// Each recorded offset must point at a long-framed metadata record.
	for _, off := range footer.MetadataOffsets {
		classID, _, err := readFrame(bytes.NewReader(data[off:]), 0)
		if err != nil {
			t.Fatalf("offset %d: %v", off, err)
		}
		if classID != a4test.MetaDataClassID {
			t.Errorf("offset %d has class %d, want %d", off, classID, a4test.MetaDataClassID)
		}
	}
}

func TestFrameDiscrimination(t *testing.T) {
	ws := &writerseeker.WriterSeeker{}
	w, err := NewWriter(ws, WriterOptions{
		Content:               a4test.Event(),
		Metadata:              a4test.MetaData(),
		Compression:           pb.CompressionNone,
		MetadataRefersForward: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(a4test.NewMetaData(1)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := w.Write(a4test.NewEvent(uint32(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}
	short, classes := scanRecords(t, data, a4test.EventClassID)
	var shortCount, longCount int
	for i := range short {
		if short[i] {
			shortCount++
			if classes[i] != a4test.EventClassID {
				t.Errorf("short frame %d has class %d", i, classes[i])
			}
		} else {
			longCount++
			if classes[i] == a4test.EventClassID {
				t.Errorf("content record %d was written long-framed", i)
			}
		}
	}
	if shortCount != 5 {
		t.Errorf("%d short frames, want 5", shortCount)
	}
	// header + metadata + footer
	if longCount != 3 {
		t.Errorf("%d long frames, want 3", longCount)
	}
}

func TestInBandAnnouncement(t *testing.T) {
	// No schemas are declared up front, so the first write must announce the
	// schema closure in-band, exactly once per file.
	ws := &writerseeker.WriterSeeker{}
	w, err := NewWriter(ws, WriterOptions{Compression: pb.CompressionNone})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write(a4test.NewEvent(uint32(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}

	_, classes := scanRecords(t, data, 0)
	var protos int
	for _, c := range classes {
		if c == pb.ClassProto {
			protos++
		}
	}
	if protos != 2 {
		t.Errorf("%d Proto announcements, want 2 (base + event file)", protos)
	}

	// A reader with only the built-in decoders can decode everything.
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	var got []uint32
	for {
		msg, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, a4test.EventNumber(msg))
	}
	if len(got) != 3 {
		t.Fatalf("read %d records, want 3", len(got))
	}
	for i, n := range got {
		if n != uint32(i) {
			t.Errorf("record %d = %d, want %d", i, n, i)
		}
	}
}

func TestWriteMetadataUsage(t *testing.T) {
	ws := &writerseeker.WriterSeeker{}
	w, err := NewWriter(ws, WriterOptions{
		Content:     a4test.Event(),
		Compression: pb.CompressionNone,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMetadata(a4test.NewMetaData(1)); !errors.Is(err, ErrUsage) {
		t.Errorf("WriteMetadata without metadata class: err = %v, want %v", err, ErrUsage)
	}
}
