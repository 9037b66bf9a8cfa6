package sharedlog

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the byte size of the shared log header at offset 0 of
// the region. Field layout, per spec §6:
//
//	offset 0  size 8  size               (u64)
//	offset 8  size 8  num_entries        (u64)
//	offset 16 size 4  entry_start_offset (u32)
//	offset 20 size 4  entry_size         (u32)
//	offset 24 size 1  done               (bool)
//	offset 25 ..      reserved
const HeaderSize = 64

const (
	offSize             = 0
	offNumEntries       = 8
	offEntryStartOffset = 16
	offEntrySize        = 20
	offDone             = 24
)

// header is a thin accessor over the first HeaderSize bytes of the mapped
// region. size, num_entries and done are the three fields a concurrent
// reader process actually synchronizes on (spec §5), so they are read and
// written through sync/atomic over the mapped bytes: an atomic store is
// both the release fence and the publication itself, and an atomic load
// is the matching acquire. entry_start_offset and entry_size are written
// once before size is published and never change afterward, so plain
// byte-order accessors are enough for them. Nothing here is protected by
// a mutex — the only other accessors of this memory are other processes,
// some of which may have crashed.
type header struct {
	region []byte
}

func (h header) sizePtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&h.region[offSize]))
}

func (h header) numEntriesPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&h.region[offNumEntries]))
}

func (h header) donePtr() *uint32 {
	// done occupies 1 byte per spec, but the next 3 bytes are reserved
	// and never written by anyone else, so a 4-byte-aligned atomic over
	// them is safe and gives us a real atomic primitive to fence on.
	return (*uint32)(unsafe.Pointer(&h.region[offDone]))
}

func (h header) readSize() uint64   { return atomic.LoadUint64(h.sizePtr()) }
func (h header) writeSize(v uint64) { atomic.StoreUint64(h.sizePtr(), v) }

func (h header) readNumEntries() uint64   { return atomic.LoadUint64(h.numEntriesPtr()) }
func (h header) writeNumEntries(v uint64) { atomic.StoreUint64(h.numEntriesPtr(), v) }

func (h header) readEntryStartOffset() uint32 { return loadU32(h.region[offEntryStartOffset:]) }
func (h header) writeEntryStartOffset(v uint32) {
	storeU32(h.region[offEntryStartOffset:], v)
}
func (h header) readEntrySize() uint32   { return loadU32(h.region[offEntrySize:]) }
func (h header) writeEntrySize(v uint32) { storeU32(h.region[offEntrySize:], v) }

func (h header) readDone() bool { return atomic.LoadUint32(h.donePtr()) != 0 }
func (h header) writeDone(v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(h.donePtr(), n)
}

func loadU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b[:4]) }
func storeU32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b[:4], v)
}
