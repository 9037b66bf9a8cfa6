package schedprobe

import (
	"fmt"

	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// Probe owns the loaded BPF objects, the tracepoint attachment, and the
// ring buffer reader. Closing it closes the reader, detaches the program
// and releases the loaded BPF objects, in that order.
type Probe struct {
	objs   schedrecObjects
	link   link.Link
	Reader *ringbuf.Reader
}

// Attach loads the sched_switch BPF objects and attaches the probe to
// the sched_switch tracepoint, opening a reader over its ring buffer
// (spec §4.2). Callers must call Close when done.
func Attach() (*Probe, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	p := &Probe{}
	if err := loadSchedrecObjects(&p.objs, nil); err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	tp, err := link.Tracepoint("sched", "sched_switch", p.objs.OnSchedSwitch, nil)
	if err != nil {
		p.objs.Close()
		return nil, fmt.Errorf("attaching sched_switch tracepoint: %w", err)
	}
	p.link = tp

	reader, err := ringbuf.NewReader(p.objs.Events)
	if err != nil {
		tp.Close()
		p.objs.Close()
		return nil, fmt.Errorf("opening ring buffer reader: %w", err)
	}
	p.Reader = reader

	return p, nil
}

// Close closes the ring buffer reader, detaches the tracepoint, and
// releases the loaded BPF objects.
func (p *Probe) Close() error {
	var err error
	if p.Reader != nil {
		err = p.Reader.Close()
	}
	if p.link != nil {
		p.link.Close()
	}
	p.objs.Close()
	return err
}
