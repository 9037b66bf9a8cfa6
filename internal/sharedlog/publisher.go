package sharedlog

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ocx/schedrec/internal/identity"
	"github.com/ocx/schedrec/internal/rawevent"
)

// State is one of the Publisher's three lifecycle states (spec §4.4
// "State machine").
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateShuttingDown
)

// MetricsSink receives counters the Publisher updates as it runs. The
// Prometheus-backed implementation lives in internal/metrics; tests use a
// no-op or recording fake instead of pulling in the registry.
type MetricsSink interface {
	SwitchRecorded()
	ProcessIntroduced()
	ThreadIntroduced()
	IdentityUnresolved()
	CacheOverflowed(cache string)
	RegionFull()
	KernelDropsDetected(n uint64)
}

// NopMetrics discards every counter update.
type NopMetrics struct{}

func (NopMetrics) SwitchRecorded()          {}
func (NopMetrics) ProcessIntroduced()       {}
func (NopMetrics) ThreadIntroduced()        {}
func (NopMetrics) IdentityUnresolved()      {}
func (NopMetrics) CacheOverflowed(_ string) {}
func (NopMetrics) RegionFull()              {}
func (NopMetrics) KernelDropsDetected(_ uint64) {}

// Publisher owns the shared log plus the identity caches and drives the
// enrichment and state-machine rules of spec §4.4. It is the sole writer
// of both the log and the caches (spec §5) and is not safe for concurrent
// calls to HandleSwitch.
type Publisher struct {
	log       *Log
	resolver  *identity.Resolver
	threads   *threadCache
	processes *processCache
	metrics   MetricsSink
	exit      *atomic.Bool

	state atomic.Int32

	haveSeq  bool
	lastSeq  uint64
	received uint64

	// sessionTag distinguishes one recorder run's diagnostic lines from
	// another's when several runs' stderr output is interleaved.
	sessionTag string
}

// NewPublisher wires a Log, an identity Resolver and a shared exit flag
// into a running Publisher. cacheCapacity bounds both the thread and
// process identity caches (spec §3 default 4096).
func NewPublisher(log *Log, resolver *identity.Resolver, cacheCapacity int, metrics MetricsSink, exit *atomic.Bool) *Publisher {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	p := &Publisher{
		log:        log,
		resolver:   resolver,
		threads:    newThreadCache(cacheCapacity),
		processes:  newProcessCache(cacheCapacity),
		metrics:    metrics,
		exit:       exit,
		sessionTag: uuid.NewString()[:8],
	}
	p.state.Store(int32(StateRunning))
	return p
}

// State reports the Publisher's current lifecycle state.
func (p *Publisher) State() State { return State(p.state.Load()) }

// Shutdown transitions to ShuttingDown and runs the Log's shutdown
// protocol (done=true, fence, unmap, close, unlink).
func (p *Publisher) Shutdown() error {
	p.state.Store(int32(StateShuttingDown))
	return p.log.Shutdown()
}

// HandleSwitch enriches and appends one raw scheduling event. It is the
// Ring Consumer's sole entry point into the Publisher (spec §4.3, §4.4).
func (p *Publisher) HandleSwitch(ev rawevent.Event) error {
	if p.exit.Load() {
		return nil
	}

	p.trackSeq(ev.Seq)

	if err := p.ensureThread(ev.OldTID, ev.OldComm); err != nil {
		if err == ErrFull {
			return nil
		}
		return p.fatal(err)
	}
	if err := p.ensureThread(ev.NewTID, ev.NewComm); err != nil {
		if err == ErrFull {
			return nil
		}
		return p.fatal(err)
	}

	sw := Entry{Kind: KindSchedSwitch, Switch: SchedSwitchPayload{
		OldTID:  ev.OldTID,
		OldPrio: ev.OldPrio,
		OldName: ev.OldComm,
		NewTID:  ev.NewTID,
		NewPrio: ev.NewPrio,
		NewName: ev.NewComm,
		NS:      ev.NS,
	}}
	if err := p.append(sw); err != nil {
		if err == ErrFull {
			return nil
		}
		return p.fatal(err)
	}

	p.received++
	p.metrics.SwitchRecorded()
	p.sampleDiagnostic(sw.Switch)
	return nil
}

// trackSeq updates the kernel-drop gap detector (spec P7): the sum of
// switches received plus detected drops must equal max(seq)+1.
func (p *Publisher) trackSeq(seq uint64) {
	if p.haveSeq && seq > p.lastSeq+1 {
		gap := seq - p.lastSeq - 1
		p.metrics.KernelDropsDetected(gap)
	}
	p.haveSeq = true
	p.lastSeq = seq
}

// ensureThread implements spec §4.4 "Enrichment": on a thread-cache miss
// it resolves the owning process (introducing a Process entry on a
// process-cache miss) and appends a Thread entry, using the comm captured
// by the probe rather than a fresh /proc read to avoid a race with
// short-lived threads. Cache overflow silently skips introducing new
// identity entries, mirroring the original recorder's add_thread/
// add_process guards.
func (p *Publisher) ensureThread(tid int32, comm [rawevent.CommLen]byte) error {
	if _, known := p.threads.lookup(tid); known {
		return nil
	}
	if p.threads.full() {
		p.metrics.CacheOverflowed("thread")
		return nil
	}

	pid, resolved := p.resolver.OwningProcess(tid)
	if !resolved {
		pid = identity.UnknownPID
		p.metrics.IdentityUnresolved()
	}

	if resolved && !p.processes.known(pid) {
		if p.processes.full() {
			p.metrics.CacheOverflowed("process")
		} else {
			name, ok := p.resolver.ProcessName(pid)
			if !ok {
				p.metrics.IdentityUnresolved()
			}
			var entry Entry
			entry.Kind = KindProcess
			entry.Process.PID = pid
			putName(entry.Process.Name[:], name)
			if err := p.append(entry); err != nil {
				return err
			}
			p.processes.insert(pid)
			p.metrics.ProcessIntroduced()
		}
	}

	var entry Entry
	entry.Kind = KindThread
	entry.Thread.TID = tid
	entry.Thread.PID = pid
	copy(entry.Thread.Name[:], comm[:])
	if err := p.append(entry); err != nil {
		return err
	}
	p.threads.insert(tid, pid)
	p.metrics.ThreadIntroduced()
	return nil
}

// append is the single choke point through which every entry reaches the
// log, so the region-full and exit-flag checks in spec §4.4's Append
// protocol happen exactly once regardless of entry kind.
func (p *Publisher) append(e Entry) error {
	if p.exit.Load() {
		return nil
	}
	err := p.log.Append(e)
	if err == ErrFull {
		slog.Error("sharedlog: region full, stopping", "num_entries", p.log.NumEntries())
		p.metrics.RegionFull()
		p.exit.Store(true)
		p.state.Store(int32(StateShuttingDown))
		return ErrFull
	}
	return err
}

func (p *Publisher) fatal(err error) error {
	slog.Error("sharedlog: fatal append failure", "error", err)
	p.exit.Store(true)
	p.state.Store(int32(StateShuttingDown))
	return err
}

// sampleDiagnostic writes the one-line human-readable switch summary to
// stderr whenever the post-append entry count is a power of two (spec
// §4.4 "Diagnostic sampling"): a logarithmically-thinning progress trace.
func (p *Publisher) sampleDiagnostic(sw SchedSwitchPayload) {
	n := p.log.NumEntries()
	if n == 0 || n&(n-1) != 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] switch %d: %d/%d (%s) -> %d/%d (%s) at %dns\n",
		p.sessionTag, n,
		sw.OldTID, sw.OldPrio, rawevent.CommString(sw.OldName),
		sw.NewTID, sw.NewPrio, rawevent.CommString(sw.NewName),
		sw.NS,
	)
}
