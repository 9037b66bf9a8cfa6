package sharedlog

import (
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/schedrec/internal/identity"
	"github.com/ocx/schedrec/internal/rawevent"
)

func newTestPublisher(t *testing.T, regionEntries int, cacheCapacity int) (*Publisher, *Log) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.log")
	l, err := Create(path, uint64(HeaderSize+regionEntries*EntrySize))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Shutdown() })

	procRoot := t.TempDir()
	resolver := identity.NewWithRoot(procRoot)

	var exit atomic.Bool
	return NewPublisher(l, resolver, cacheCapacity, NopMetrics{}, &exit), l
}

func writeProcFixture(t *testing.T, resolver *identity.Resolver, procRoot string, tid, pid int32) {
	t.Helper()
	dir := filepath.Join(procRoot, strconv.Itoa(int(tid)))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte("Tgid:\t"+strconv.Itoa(int(pid))+"\n"), 0o644))

	pdir := filepath.Join(procRoot, strconv.Itoa(int(pid)))
	require.NoError(t, os.MkdirAll(pdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pdir, "stat"), []byte(strconv.Itoa(int(pid))+" (proc"+strconv.Itoa(int(pid))+") S 1 "+strconv.Itoa(int(pid))+" "+strconv.Itoa(int(pid))+" 0\n"), 0o644))
}

func mkEvent(oldTID, newTID int32, seq uint64) rawevent.Event {
	var e rawevent.Event
	e.OldTID = oldTID
	e.NewTID = newTID
	e.Seq = seq
	copy(e.OldComm[:], "old")
	copy(e.NewComm[:], "new")
	return e
}

// scenario 2: single switch introduces both identities before the switch.
func TestSingleSwitchOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l, err := Create(path, uint64(HeaderSize+16*EntrySize))
	require.NoError(t, err)
	defer l.Shutdown()

	procRoot := t.TempDir()
	resolver := identity.NewWithRoot(procRoot)
	writeProcFixture(t, resolver, procRoot, 100, 1000)
	writeProcFixture(t, resolver, procRoot, 200, 2000)

	var exit atomic.Bool
	p := NewPublisher(l, resolver, DefaultCacheCapacity, NopMetrics{}, &exit)

	require.NoError(t, p.HandleSwitch(mkEvent(100, 200, 0)))

	require.EqualValues(t, 5, l.NumEntries()) // Process, Thread, Process, Thread, SchedSwitch

	var sawThread100, sawThread200, sawProcess1000, sawProcess2000 bool
	var switchIdx = -1
	for i := uint64(0); i < l.NumEntries(); i++ {
		e, err := DecodeEntry(l.region[HeaderSize+i*EntrySize : HeaderSize+(i+1)*EntrySize])
		require.NoError(t, err)
		switch e.Kind {
		case KindThread:
			if e.Thread.TID == 100 {
				sawThread100 = true
			}
			if e.Thread.TID == 200 {
				sawThread200 = true
			}
		case KindProcess:
			if e.Process.PID == 1000 {
				sawProcess1000 = true
			}
			if e.Process.PID == 2000 {
				sawProcess2000 = true
			}
		case KindSchedSwitch:
			switchIdx = int(i)
		}
	}
	require.True(t, sawThread100 && sawThread200 && sawProcess1000 && sawProcess2000)
	require.Equal(t, 4, switchIdx) // switch is the 5th (index 4) entry
}

// scenario 3: repeated switches between the same pair dedup identities.
func TestRepeatedSwitchesDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l, err := Create(path, uint64(HeaderSize+2010*EntrySize))
	require.NoError(t, err)
	defer l.Shutdown()

	procRoot := t.TempDir()
	resolver := identity.NewWithRoot(procRoot)
	writeProcFixture(t, resolver, procRoot, 100, 1000)
	writeProcFixture(t, resolver, procRoot, 200, 2000)

	var exit atomic.Bool
	p := NewPublisher(l, resolver, DefaultCacheCapacity, NopMetrics{}, &exit)

	for i := 0; i < 1000; i++ {
		var ev rawevent.Event
		if i%2 == 0 {
			ev = mkEvent(100, 200, uint64(i))
		} else {
			ev = mkEvent(200, 100, uint64(i))
		}
		require.NoError(t, p.HandleSwitch(ev))
	}

	require.EqualValues(t, 1000+4, l.NumEntries())

	var processCount, threadCount, switchCount int
	for i := uint64(0); i < l.NumEntries(); i++ {
		e, err := DecodeEntry(l.region[HeaderSize+i*EntrySize : HeaderSize+(i+1)*EntrySize])
		require.NoError(t, err)
		switch e.Kind {
		case KindProcess:
			processCount++
		case KindThread:
			threadCount++
		case KindSchedSwitch:
			switchCount++
		}
	}
	require.Equal(t, 2, processCount) // P4
	require.Equal(t, 2, threadCount)  // P4
	require.Equal(t, 1000, switchCount)
}

// scenario 4: region fill triggers shutdown and caps num_entries.
func TestRegionFillTriggersShutdown(t *testing.T) {
	p, l := newTestPublisher(t, 10, DefaultCacheCapacity)

	for i := 0; i < 100; i++ {
		require.NoError(t, p.HandleSwitch(mkEvent(int32(100+i), int32(200+i), uint64(i))))
	}

	require.LessOrEqual(t, l.NumEntries(), uint64(10))
	require.Equal(t, StateShuttingDown, p.State())
}

// scenario 5: kernel drop gap detection.
func TestKernelDropDetection(t *testing.T) {
	var drops uint64
	rec := &recordingMetrics{onDrop: func(n uint64) { drops += n }}

	path := filepath.Join(t.TempDir(), "events.log")
	l, err := Create(path, uint64(HeaderSize+64*EntrySize))
	require.NoError(t, err)
	defer l.Shutdown()

	var exit atomic.Bool
	p := NewPublisher(l, identity.NewWithRoot(t.TempDir()), DefaultCacheCapacity, rec, &exit)

	for _, seq := range []uint64{0, 1, 2, 5, 6} {
		require.NoError(t, p.HandleSwitch(mkEvent(1, 2, seq)))
	}
	require.EqualValues(t, 2, drops) // seq jumped from 2 to 5: two missing
}

// scenario 6: died process yields pid=-1 and no Process entry for it.
func TestDiedProcessYieldsUnknownPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l, err := Create(path, uint64(HeaderSize+16*EntrySize))
	require.NoError(t, err)
	defer l.Shutdown()

	procRoot := t.TempDir()
	resolver := identity.NewWithRoot(procRoot)
	writeProcFixture(t, resolver, procRoot, 100, 1000) // old thread resolves fine
	// new_tid 999 has no /proc entry at all: OwningProcess fails.

	var exit atomic.Bool
	p := NewPublisher(l, resolver, DefaultCacheCapacity, NopMetrics{}, &exit)

	require.NoError(t, p.HandleSwitch(mkEvent(100, 999, 0)))

	var sawThread999 bool
	for i := uint64(0); i < l.NumEntries(); i++ {
		e, err := DecodeEntry(l.region[HeaderSize+i*EntrySize : HeaderSize+(i+1)*EntrySize])
		require.NoError(t, err)
		if e.Kind == KindThread && e.Thread.TID == 999 {
			sawThread999 = true
			require.Equal(t, identity.UnknownPID, e.Thread.PID)
		}
		if e.Kind == KindProcess {
			require.NotEqual(t, identity.UnknownPID, e.Process.PID)
		}
	}
	require.True(t, sawThread999)
}

type recordingMetrics struct {
	NopMetrics
	onDrop func(uint64)

	processIntroduced int
	threadIntroduced  int
	switchRecorded    int
}

func (r *recordingMetrics) KernelDropsDetected(n uint64) {
	if r.onDrop != nil {
		r.onDrop(n)
	}
}

func (r *recordingMetrics) ProcessIntroduced() { r.processIntroduced++ }
func (r *recordingMetrics) ThreadIntroduced()  { r.threadIntroduced++ }
func (r *recordingMetrics) SwitchRecorded()    { r.switchRecorded++ }

// introducedEntries returns how many entries the metrics say were
// introduced/recorded: it must never exceed what actually landed in the
// log (scenario 4 fill case, see TestRegionFillMetricsMatchLoggedEntries).
func (r *recordingMetrics) introducedEntries() int {
	return r.processIntroduced + r.threadIntroduced + r.switchRecorded
}

// scenario 4 (regression): a fill mid-HandleSwitch must not leave the
// caches or metrics counting identities/switches that never made it into
// the log.
func TestRegionFillMetricsMatchLoggedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l, err := Create(path, uint64(HeaderSize+10*EntrySize))
	require.NoError(t, err)
	defer l.Shutdown()

	rec := &recordingMetrics{}
	var exit atomic.Bool
	p := NewPublisher(l, identity.NewWithRoot(t.TempDir()), DefaultCacheCapacity, rec, &exit)

	for i := 0; i < 100; i++ {
		require.NoError(t, p.HandleSwitch(mkEvent(int32(100+i), int32(200+i), uint64(i))))
	}

	require.Equal(t, StateShuttingDown, p.State())
	require.LessOrEqual(t, l.NumEntries(), uint64(10))

	var processCount, threadCount, switchCount int
	for i := uint64(0); i < l.NumEntries(); i++ {
		e, err := DecodeEntry(l.region[HeaderSize+i*EntrySize : HeaderSize+(i+1)*EntrySize])
		require.NoError(t, err)
		switch e.Kind {
		case KindProcess:
			processCount++
		case KindThread:
			threadCount++
		case KindSchedSwitch:
			switchCount++
		}
	}

	require.Equal(t, processCount, rec.processIntroduced)
	require.Equal(t, threadCount, rec.threadIntroduced)
	require.Equal(t, switchCount, rec.switchRecorded)
	require.EqualValues(t, rec.introducedEntries(), l.NumEntries())

	// No cache entry should exist for an identity whose introduction
	// entry never actually landed in the log.
	for i := 0; i < 100; i++ {
		tid := int32(100 + i)
		if _, known := p.threads.lookup(tid); known {
			found := false
			for j := uint64(0); j < l.NumEntries(); j++ {
				e, err := DecodeEntry(l.region[HeaderSize+j*EntrySize : HeaderSize+(j+1)*EntrySize])
				require.NoError(t, err)
				if e.Kind == KindThread && e.Thread.TID == tid {
					found = true
					break
				}
			}
			require.True(t, found, "thread %d marked known but has no logged entry", tid)
		}
	}
}
