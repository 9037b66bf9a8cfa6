// Package sharedlog implements the Publisher and its shared-memory-backed
// log: the wait-free, single-producer/many-reader append log that is the
// sole durable output of the recorder (spec §4.4, §5, §9).
package sharedlog

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultRegionSize is the default backing file size, 64 MiB (spec §4.4).
const DefaultRegionSize = 64 * 1024 * 1024

// DefaultPath is the default filesystem path of the shared log, a
// well-known name under the temp filesystem (spec §6).
const DefaultPath = "/tmp/schedrec_events.log"

// ErrFull is returned by Append when the region has no room left for
// another entry; the caller must treat this as a shutdown trigger.
var ErrFull = fmt.Errorf("sharedlog: region is full")

// Log owns the memory-mapped backing file and the append-only entry
// array inside it. It is not safe for concurrent use: spec §5 mandates
// exactly one producer, and Log trusts that constraint instead of taking
// internal locks, because readers are other processes and a mutex would
// not help them anyway.
type Log struct {
	path     string
	file     *os.File
	region   []byte
	hdr      header
	capacity uint64 // max entries that fit in the region
}

// Create opens a fresh backing file at path with exclusive-create
// semantics, sizes it to regionSize, maps it read/write shared, and runs
// the startup publication protocol (spec §4.4 "Startup protocol"):
// write every header field except size, full barrier, then publish size
// last. A pre-existing file at path is a fatal startup error — a leftover
// file from a crashed prior run must not be silently reused (spec §9
// Open Question (c)).
func Create(path string, regionSize uint64) (*Log, error) {
	if err := VerifyLayout(); err != nil {
		return nil, err
	}
	if regionSize < HeaderSize+EntrySize {
		return nil, fmt.Errorf("sharedlog: region size %d too small to hold header and one entry", regionSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sharedlog: create %s: %w", path, err)
	}
	l, err := createFrom(path, f, regionSize)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return l, nil
}

func createFrom(path string, f *os.File, regionSize uint64) (*Log, error) {
	if err := f.Truncate(int64(regionSize)); err != nil {
		return nil, fmt.Errorf("sharedlog: truncate to %d: %w", regionSize, err)
	}

	region, err := unix.Mmap(int(f.Fd()), 0, int(regionSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("sharedlog: mmap: %w", err)
	}

	hdr := header{region: region}
	// num_entries, entry_start_offset, entry_size, done are all written
	// before size is published; a reader that observes size != 0 is
	// guaranteed these are already valid (P5).
	hdr.writeNumEntries(0)
	hdr.writeEntryStartOffset(HeaderSize)
	hdr.writeEntrySize(EntrySize)
	hdr.writeDone(false)
	hdr.writeSize(regionSize) // release-ordered: the store itself is the publication.

	capacity := (regionSize - HeaderSize) / EntrySize

	slog.Info("sharedlog: region published", "path", path, "entry_start_offset", HeaderSize, "entry_size", EntrySize, "capacity", capacity)

	return &Log{
		path:     path,
		file:     f,
		region:   region,
		hdr:      hdr,
		capacity: capacity,
	}, nil
}

// NumEntries returns the current appended-entry count.
func (l *Log) NumEntries() uint64 { return l.hdr.readNumEntries() }

// Capacity returns the maximum number of entries the region can hold.
func (l *Log) Capacity() uint64 { return l.capacity }

// Append writes e into the next free slot and publishes it (spec §4.4
// "Append protocol"). It returns ErrFull once the region has no room for
// another entry; the caller (Publisher) treats that as the trigger to
// raise the exit flag and stop.
func (l *Log) Append(e Entry) error {
	n := l.hdr.readNumEntries()
	if n >= l.capacity {
		return ErrFull
	}

	buf, err := EncodeEntry(e)
	if err != nil {
		return fmt.Errorf("sharedlog: encode entry %d: %w", n, err)
	}

	start := HeaderSize + n*EntrySize
	copy(l.region[start:start+EntrySize], buf)

	// The atomic store in writeNumEntries is the release fence: slot n's
	// bytes are fully written before num_entries advances past n, and no
	// reader may treat slot n as valid until it observes that store.
	l.hdr.writeNumEntries(n + 1)
	return nil
}

// Shutdown runs the orderly-termination protocol: raise done, fence,
// unmap, close, and unlink the backing file this process created.
func (l *Log) Shutdown() error {
	l.hdr.writeDone(true)

	var firstErr error
	if err := unix.Munmap(l.region); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sharedlog: munmap: %w", err)
	}
	l.region = nil
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sharedlog: close: %w", err)
	}
	if err := os.Remove(l.path); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sharedlog: unlink: %w", err)
	}
	return firstErr
}
