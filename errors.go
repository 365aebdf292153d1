package a4io

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic reports that a start magic was absent where one was
	// required.
	ErrBadMagic = errors.New("not an A4 stream (bad magic)")

	// ErrUnclosedStream reports that the end magic is missing at the file
	// tail. Seek-based indexing is unavailable on such files; forward
	// iteration still works up to the truncation point.
	ErrUnclosedStream = errors.New("stream is not closed")

	// ErrVersionMismatch reports an a4_version other than 1.
	ErrVersionMismatch = errors.New("incompatible stream version")

	// ErrTruncatedFrame and ErrTruncatedPayload report short reads inside a
	// record prefix or payload.
	ErrTruncatedFrame   = errors.New("truncated record frame")
	ErrTruncatedPayload = errors.New("truncated record payload")

	// ErrSizeOutOfRange and ErrTypeOutOfRange report invalid frame fields.
	ErrSizeOutOfRange = errors.New("record size out of range")
	ErrTypeOutOfRange = errors.New("record type out of range")

	// ErrUsage reports API misuse, e.g. writing a metadata record into a
	// stream without a declared metadata class, or advancing the metadata
	// group iterator while content records are still pending.
	ErrUsage = errors.New("usage error")
)

// UnknownClassIDError is returned when a record's class ID has no decoder in
// the schema pool, i.e. its schema was never announced.
type UnknownClassIDError struct {
	ClassID uint32
}

func (e *UnknownClassIDError) Error() string {
	return fmt.Sprintf("unknown class id %d", e.ClassID)
}
