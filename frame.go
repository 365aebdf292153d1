package a4io

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// readFrame reads one record prefix plus payload from r. A size word with the
// high bit set is followed by an explicit class ID; otherwise the record is a
// content record and contentClassID applies. A clean io.EOF on the first byte
// of the size word is returned as io.EOF so callers can detect the end of a
// truncated stream at a record boundary.
func readFrame(r io.Reader, contentClassID uint32) (classID uint32, payload []byte, err error) {
	var word [4]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, xerrors.Errorf("reading size word: %w", ErrTruncatedFrame)
	}
	size := binary.LittleEndian.Uint32(word[:])
	if size&highBit != 0 {
		size &^= highBit
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return 0, nil, xerrors.Errorf("reading type word: %w", ErrTruncatedFrame)
		}
		classID = binary.LittleEndian.Uint32(word[:])
		if classID == 0 || classID >= highBit {
			return 0, nil, xerrors.Errorf("type %d: %w", classID, ErrTypeOutOfRange)
		}
	} else {
		if contentClassID == 0 {
			return 0, nil, xerrors.Errorf("short frame without a declared content class: %w", ErrTypeOutOfRange)
		}
		classID = contentClassID
	}
	payload = make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, xerrors.Errorf("reading %d payload bytes: %w", size, ErrTruncatedPayload)
	}
	return classID, payload, nil
}

// writeFrame writes one record. Content records (short == true) get a bare
// size word; everything else gets the size word with the high bit set plus an
// explicit class ID. It returns the number of framed bytes written.
func writeFrame(w io.Writer, classID uint32, payload []byte, short bool) (int, error) {
	if err := checkRecord(classID, len(payload)); err != nil {
		return 0, err
	}
	var prefix [8]byte
	n := 4
	if short {
		binary.LittleEndian.PutUint32(prefix[:4], uint32(len(payload)))
	} else {
		binary.LittleEndian.PutUint32(prefix[:4], uint32(len(payload))|highBit)
		binary.LittleEndian.PutUint32(prefix[4:], classID)
		n = 8
	}
	if _, err := w.Write(prefix[:n]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return n + len(payload), nil
}

func checkRecord(classID uint32, size int) error {
	if size < 0 || size >= highBit {
		return xerrors.Errorf("size %d: %w", size, ErrSizeOutOfRange)
	}
	if classID == 0 || classID >= highBit {
		return xerrors.Errorf("type %d: %w", classID, ErrTypeOutOfRange)
	}
	return nil
}
