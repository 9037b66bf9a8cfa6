package sharedlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind tags the payload carried by an Entry.
type Kind uint8

const (
	KindUnused      Kind = 0
	KindSchedSwitch Kind = 1
	KindProcess     Kind = 2
	KindThread      Kind = 3
)

// EntrySize is the fixed on-disk size of one log entry, in bytes. P1.
const EntrySize = 64

const nameLen = 32

// ProcessPayload names a process first seen by the recorder.
type ProcessPayload struct {
	PID  int32
	Name [nameLen]byte
}

// ThreadPayload names a thread first seen by the recorder, and the
// process it belongs to.
type ThreadPayload struct {
	TID  int32
	PID  int32
	Name [nameLen]byte
}

// SchedSwitchPayload records one context switch between two threads.
type SchedSwitchPayload struct {
	OldTID  int32
	OldPrio int32
	OldName [16]byte
	NewTID  int32
	NewPrio int32
	NewName [16]byte
	NS      uint64
}

// Entry is one fixed-size, tagged-union record of the shared log.
//
// The wire layout is: 1 byte kind, 3 bytes reserved padding, then the
// payload starting at offset 4, the whole entry zero-padded out to
// EntrySize. SchedSwitchPayload is the largest payload at 56 bytes, so
// 4 (tag+pad) + 56 = 60 bytes are meaningful; the remaining 4 bytes are
// trailing padding fixing every entry at exactly 64 bytes regardless of
// kind, per spec.
type Entry struct {
	Kind    Kind
	Process ProcessPayload
	Thread  ThreadPayload
	Switch  SchedSwitchPayload
}

func init() {
	if err := VerifyLayout(); err != nil {
		panic(err)
	}
}

const entryHeaderSize = 4 // kind (1) + reserved padding (3)

// VerifyLayout checks that the entry layout actually fits EntrySize: the
// largest payload plus the 4-byte kind/padding header must not exceed 64
// bytes. Called from init() and again explicitly by the Publisher at
// startup (spec 4.4 "verify at runtime"), since a panic in init would
// abort before any diagnostic could be logged.
func VerifyLayout() error {
	if EntrySize != 64 {
		return fmt.Errorf("sharedlog: EntrySize constant is %d, want 64", EntrySize)
	}
	maxPayload := binary.Size(ProcessPayload{})
	if s := binary.Size(ThreadPayload{}); s > maxPayload {
		maxPayload = s
	}
	if s := binary.Size(SchedSwitchPayload{}); s > maxPayload {
		maxPayload = s
	}
	if entryHeaderSize+maxPayload > EntrySize {
		return fmt.Errorf("sharedlog: entry header+payload is %d bytes, exceeds EntrySize %d", entryHeaderSize+maxPayload, EntrySize)
	}
	return nil
}

// EncodeEntry serializes e into exactly EntrySize little-endian bytes.
func EncodeEntry(e Entry) ([]byte, error) {
	buf := make([]byte, EntrySize)
	buf[0] = byte(e.Kind)
	// buf[1:4] stay zero: reserved padding.

	switch e.Kind {
	case KindProcess:
		if err := encodeInto(buf[4:], e.Process); err != nil {
			return nil, err
		}
	case KindThread:
		if err := encodeInto(buf[4:], e.Thread); err != nil {
			return nil, err
		}
	case KindSchedSwitch:
		if err := encodeInto(buf[4:], e.Switch); err != nil {
			return nil, err
		}
	case KindUnused:
		// no payload
	default:
		return nil, fmt.Errorf("sharedlog: unknown entry kind %d", e.Kind)
	}
	return buf, nil
}

func encodeInto(dst []byte, payload any) error {
	var bw bytes.Buffer
	if err := binary.Write(&bw, binary.LittleEndian, payload); err != nil {
		return fmt.Errorf("sharedlog: encode payload: %w", err)
	}
	if bw.Len() > len(dst) {
		return fmt.Errorf("sharedlog: payload of %d bytes overflows entry", bw.Len())
	}
	copy(dst, bw.Bytes())
	return nil
}

// DecodeEntry parses exactly EntrySize bytes into an Entry. Used by tests
// and by any in-process reader exercising the log.
func DecodeEntry(buf []byte) (Entry, error) {
	var e Entry
	if len(buf) != EntrySize {
		return e, fmt.Errorf("sharedlog: entry buffer is %d bytes, want %d", len(buf), EntrySize)
	}
	e.Kind = Kind(buf[0])
	payload := buf[4:]
	r := bytes.NewReader(payload)
	switch e.Kind {
	case KindProcess:
		if err := binary.Read(r, binary.LittleEndian, &e.Process); err != nil {
			return e, err
		}
	case KindThread:
		if err := binary.Read(r, binary.LittleEndian, &e.Thread); err != nil {
			return e, err
		}
	case KindSchedSwitch:
		if err := binary.Read(r, binary.LittleEndian, &e.Switch); err != nil {
			return e, err
		}
	case KindUnused:
	default:
		return e, fmt.Errorf("sharedlog: unknown entry kind %d", e.Kind)
	}
	return e, nil
}

// putName truncates or NUL-pads s to fit dst.
func putName(dst []byte, s string) {
	n := copy(dst, s)
	for ; n < len(dst); n++ {
		dst[n] = 0
	}
}
