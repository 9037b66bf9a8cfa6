// Package rawevent defines the wire layout of a single context-switch
// sample as produced by the kernel probe (bpf/sched_switch.bpf.c) and
// carried across the kernel->user ring buffer.
//
// The struct below must match struct sched_switch_event in
// bpf/sched_switch_common.h byte-for-byte: fixed-width fields, no
// implicit Go padding beyond what the C struct itself has, decoded with
// explicit little-endian binary.Read rather than a blind unsafe cast so
// that a mismatch surfaces as a decode error instead of silently
// misreading a field.
package rawevent

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CommLen is the kernel's fixed comm (task name) width, TASK_COMM_LEN.
const CommLen = 16

// Event is one sched_switch sample as emitted by the probe.
type Event struct {
	OldTID  int32
	OldPrio int32
	OldComm [CommLen]byte
	NewTID  int32
	NewPrio int32
	NewComm [CommLen]byte
	NS      uint64
	Seq     uint64
}

// Size is the exact byte size of Event on the wire.
const Size = 4 + 4 + CommLen + 4 + 4 + CommLen + 8 + 8

func init() {
	if binary.Size(Event{}) != Size {
		panic(fmt.Sprintf("rawevent: Event encodes to %d bytes, want %d", binary.Size(Event{}), Size))
	}
}

// Decode parses a raw ring-buffer payload into an Event. It rejects any
// payload whose length does not equal Size, matching the Ring Consumer's
// payload-size validation.
func Decode(raw []byte) (Event, error) {
	var e Event
	if len(raw) != Size {
		return e, fmt.Errorf("rawevent: payload size %d, want %d", len(raw), Size)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e); err != nil {
		return e, fmt.Errorf("rawevent: decode: %w", err)
	}
	return e, nil
}

// CommString trims the trailing NUL padding of a fixed-width comm field.
func CommString(comm [CommLen]byte) string {
	n := bytes.IndexByte(comm[:], 0)
	if n < 0 {
		n = CommLen
	}
	return string(comm[:n])
}
