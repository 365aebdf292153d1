package a4io_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/orcaman/writerseeker"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/JohannesEbke/a4io"
	"github.com/JohannesEbke/a4io/internal/a4test"
	"github.com/JohannesEbke/a4io/pb"
)

const eventsPerGroup = 500

// writeTestStream reproduces the canonical test fixture: two groups of 500
// events with event numbers 1000+i and 2000+i, grouped by metadata records
// with values 1 and 2. With forward metadata the group's metadata record
// precedes its events, otherwise it follows them.
func writeTestStream(t *testing.T, forward bool, codec pb.Compression) []byte {
	t.Helper()
	ws := &writerseeker.WriterSeeker{}
	w, err := a4io.NewWriter(ws, a4io.WriterOptions{
		Description:           "TestEvent",
		Content:               a4test.Event(),
		Metadata:              a4test.MetaData(),
		Compression:           codec,
		MetadataRefersForward: forward,
	})
	if err != nil {
		t.Fatal(err)
	}
	writeGroup := func(group uint32) {
		if forward {
			if err := w.WriteMetadata(a4test.NewMetaData(group)); err != nil {
				t.Fatal(err)
			}
		}
		for i := 0; i < eventsPerGroup; i++ {
			if err := w.Write(a4test.NewEvent(group*1000 + uint32(i))); err != nil {
				t.Fatal(err)
			}
		}
		if !forward {
			if err := w.WriteMetadata(a4test.NewMetaData(group)); err != nil {
				t.Fatal(err)
			}
		}
	}
	writeGroup(1)
	writeGroup(2)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// checkRead iterates data forward and asserts the metadata binding law: each
// event's governing metadata value equals event_number/1000.
func checkRead(t *testing.T, data []byte, wantEvents int, seekFirst bool) {
	t.Helper()
	r, err := a4io.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if seekFirst {
		if _, err := r.Info(); err != nil {
			t.Fatal(err)
		}
	}
	count := 0
	for {
		msg, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		count++
		md := r.CurrentMetadata()
		if md == nil {
			t.Fatalf("event %d has no metadata binding", a4test.EventNumber(msg))
		}
		if got, want := a4test.MetaDataValue(md), a4test.EventNumber(msg)/1000; got != want {
			t.Fatalf("event %d bound to metadata %d, want %d", a4test.EventNumber(msg), got, want)
		}
	}
	if count != wantEvents {
		t.Fatalf("read %d events, want %d", count, wantEvents)
	}
}

// checkGroups iterates data via the metadata group iterator and asserts the
// same binding law per group.
func checkGroups(t *testing.T, data []byte, wantGroups, wantEvents int) {
	t.Helper()
	r, err := a4io.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	groups := r.Groups()
	groupCount, eventCount := 0, 0
	for {
		md, events, err := groups.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		groupCount++
		for {
			msg, err := events.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			eventCount++
			if got, want := a4test.MetaDataValue(md), a4test.EventNumber(msg)/1000; got != want {
				t.Fatalf("event %d in group with metadata %d, want %d", a4test.EventNumber(msg), got, want)
			}
		}
	}
	if groupCount != wantGroups {
		t.Fatalf("saw %d groups, want %d", groupCount, wantGroups)
	}
	if eventCount != wantEvents {
		t.Fatalf("saw %d events, want %d", eventCount, wantEvents)
	}
}

func TestRoundTripForward(t *testing.T) {
	for _, codec := range []pb.Compression{pb.CompressionZlib, pb.CompressionGzip, pb.CompressionNone} {
		t.Run(codec.String(), func(t *testing.T) {
			data := writeTestStream(t, true, codec)
			checkRead(t, data, 2*eventsPerGroup, false)
		})
	}
}

func TestRoundTripBackward(t *testing.T) {
	for _, codec := range []pb.Compression{pb.CompressionZlib, pb.CompressionGzip, pb.CompressionNone} {
		t.Run(codec.String(), func(t *testing.T) {
			data := writeTestStream(t, false, codec)
			checkRead(t, data, 2*eventsPerGroup, false)
		})
	}
}

func TestRecordEquality(t *testing.T) {
	data := writeTestStream(t, true, pb.CompressionZlib)
	r, err := a4io.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	msg, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a4test.NewEvent(1000), msg, protocmp.Transform()); diff != "" {
		t.Errorf("first event differs (-want +got):\n%s", diff)
	}
}

func TestConcatenationForwardForward(t *testing.T) {
	one := writeTestStream(t, true, pb.CompressionZlib)
	data := append(append([]byte(nil), one...), one...)
	checkRead(t, data, 4*eventsPerGroup, false)
}

func TestConcatenationForwardBackward(t *testing.T) {
	fw := writeTestStream(t, true, pb.CompressionZlib)
	bw := writeTestStream(t, false, pb.CompressionZlib)
	data := append(append([]byte(nil), fw...), bw...)
	checkRead(t, data, 4*eventsPerGroup, false)
}

func TestConcatenationBackwardForward(t *testing.T) {
	fw := writeTestStream(t, true, pb.CompressionZlib)
	bw := writeTestStream(t, false, pb.CompressionZlib)
	data := append(append([]byte(nil), bw...), fw...)
	checkRead(t, data, 4*eventsPerGroup, false)
}

func TestSeekThenIterate(t *testing.T) {
	data := writeTestStream(t, false, pb.CompressionZlib)
	checkRead(t, data, 2*eventsPerGroup, true)
}

func TestGroupedIteration(t *testing.T) {
	t.Run("forward", func(t *testing.T) {
		checkGroups(t, writeTestStream(t, true, pb.CompressionZlib), 2, 2*eventsPerGroup)
	})
	t.Run("backward", func(t *testing.T) {
		checkGroups(t, writeTestStream(t, false, pb.CompressionZlib), 2, 2*eventsPerGroup)
	})
}

func TestGroupedIterationSkipIsUsageError(t *testing.T) {
	data := writeTestStream(t, true, pb.CompressionZlib)
	r, err := a4io.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	groups := r.Groups()
	if _, _, err := groups.Next(); err != nil {
		t.Fatal(err)
	}
	// The first group's events were not exhausted.
	if _, _, err := groups.Next(); !errors.Is(err, a4io.ErrUsage) {
		t.Fatalf("err = %v, want %v", err, a4io.ErrUsage)
	}
}

func TestInfo(t *testing.T) {
	one := writeTestStream(t, true, pb.CompressionZlib)
	data := append(append([]byte(nil), one...), one...)
	r, err := a4io.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	summary, err := r.Info()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"A4 file v1",
		fmt.Sprintf("size: %d bytes", len(data)),
		"description: TestEvent",
		"metadata: TestMetaData",
		fmt.Sprintf("%d TestEvents", 4*eventsPerGroup),
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary %q does not contain %q", summary, want)
		}
	}
	if r.HeaderAt(0) == nil {
		t.Error("no header indexed at offset 0")
	}
	if r.HeaderAt(int64(len(one))) == nil {
		t.Error("no header indexed at the second sub-stream")
	}
}

func TestUnclosedStream(t *testing.T) {
	data := writeTestStream(t, true, pb.CompressionNone)
	truncated := data[:len(data)-len("KTHXBYE4")]

	r, err := a4io.NewReader(bytes.NewReader(truncated))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Info(); !errors.Is(err, a4io.ErrUnclosedStream) {
		t.Fatalf("Info on truncated file: err = %v, want %v", err, a4io.ErrUnclosedStream)
	}

	// Forward iteration still yields every event before the truncation.
	r, err = a4io.NewReader(bytes.NewReader(truncated))
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		count++
	}
	if count != 2*eventsPerGroup {
		t.Fatalf("read %d events from truncated file, want %d", count, 2*eventsPerGroup)
	}
}

func TestBadMagic(t *testing.T) {
	_, err := a4io.NewReader(bytes.NewReader([]byte("notanA4file.....")))
	if !errors.Is(err, a4io.ErrBadMagic) {
		t.Fatalf("err = %v, want %v", err, a4io.ErrBadMagic)
	}
}

func TestEventsWithoutMetadataBindNil(t *testing.T) {
	ws := &writerseeker.WriterSeeker{}
	w, err := a4io.NewWriter(ws, a4io.WriterOptions{
		Content:               a4test.Event(),
		Metadata:              a4test.MetaData(),
		Compression:           pb.CompressionZlib,
		MetadataRefersForward: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Events before the first metadata record have no forward binding.
	for i := 0; i < 3; i++ {
		if err := w.Write(a4test.NewEvent(uint32(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.WriteMetadata(a4test.NewMetaData(7)); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(a4test.NewEvent(7000)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}

	r, err := a4io.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatal(err)
		}
		if md := r.CurrentMetadata(); md != nil {
			t.Fatalf("event %d bound to %v, want no binding", i, md)
		}
	}
	msg, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if a4test.EventNumber(msg) != 7000 {
		t.Fatalf("event = %d, want 7000", a4test.EventNumber(msg))
	}
	if md := r.CurrentMetadata(); md == nil || a4test.MetaDataValue(md) != 7 {
		t.Fatalf("binding = %v, want metadata 7", md)
	}
}
