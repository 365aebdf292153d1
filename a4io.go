// Package a4io reads and writes A4 streams: self-describing, seekable,
// length-prefixed containers for sequences of protobuf messages.
//
// A file consists of one or more concatenated sub-streams. Each sub-stream
// starts with "A4STREAM", a StreamHeader record and ends with a StreamFooter
// record, a 4-byte footer size and "KTHXBYE4". In between, densely packed
// content records (4-byte frames) are interleaved with sparse metadata
// records (8-byte frames) which group them, and contiguous runs of records
// may be wrapped in a compressed section. Message schemas are embedded into
// the stream as file-descriptor protos, so a reader needs no compiled-in
// knowledge of the message types it decodes.
package a4io

// Magic byte sequences framing each sub-stream.
const (
	StartMagic = "A4STREAM"
	EndMagic   = "KTHXBYE4"
)

// highBit distinguishes the two frame shapes: a size word with the high bit
// set is followed by an explicit 4-byte class ID, one with the high bit clear
// belongs to a content record whose class is implied by the stream header.
const highBit = 1 << 31
