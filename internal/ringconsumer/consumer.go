// Package ringconsumer implements the Ring Consumer (spec §4.3): the
// user-space loop that drains the kernel->user ring buffer, validates
// each payload, and hands it to the Publisher. Adapted from the
// teacher's internal/ringbuf.Reader, trading its escrow-gate forwarding
// for the scheduling recorder's Publisher and its ad-hoc binary parsing
// for rawevent.Decode.
package ringconsumer

import (
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/ocx/schedrec/internal/rawevent"
)

// DefaultPollTimeout is the bounded wait on each ring poll used when the
// caller doesn't supply one (spec §4.3, §5).
const DefaultPollTimeout = 100 * time.Millisecond

// DefaultIdlePacing is the sleep applied after every non-fatal poll,
// successful or timed out, used when the caller doesn't supply one (spec
// §5 "Suspension points").
const DefaultIdlePacing = 1 * time.Second

// Publisher is the subset of sharedlog.Publisher the consumer depends on.
// Declared here, rather than imported as a concrete type, to keep
// ringconsumer free of a dependency on the sharedlog package's internals.
type Publisher interface {
	HandleSwitch(rawevent.Event) error
}

// RingReader is the subset of *ringbuf.Reader the consumer depends on.
// Declaring it as an interface, rather than taking *ringbuf.Reader
// directly, lets tests exercise the poll loop against a fake instead of
// a live kernel ring buffer.
type RingReader interface {
	SetDeadline(time.Time) error
	Read() (ringbuf.Record, error)
}

// Consumer drains one ring buffer reader and forwards validated events
// to a Publisher. It is not safe for concurrent Run calls; the pipeline
// runs exactly one consumer loop (spec §5).
type Consumer struct {
	reader      RingReader
	publisher   Publisher
	exit        *atomic.Bool
	pollTimeout time.Duration
	idlePacing  time.Duration
}

// New wires a ring buffer reader, a Publisher, and the shared exit flag
// that the signal handler and the Publisher's own fatal paths flip.
// pollTimeout bounds each ring poll and idlePacing is the sleep applied
// after every non-fatal poll (spec §4.3, §5); a zero value for either
// falls back to its Default constant.
func New(reader RingReader, publisher Publisher, exit *atomic.Bool, pollTimeout, idlePacing time.Duration) *Consumer {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	if idlePacing <= 0 {
		idlePacing = DefaultIdlePacing
	}
	return &Consumer{reader: reader, publisher: publisher, exit: exit, pollTimeout: pollTimeout, idlePacing: idlePacing}
}

// Run drives the poll loop until the exit flag is raised or the ring
// reader is closed. It never returns an error for a clean shutdown; a
// non-nil return indicates the loop terminated because of a fatal poll
// failure (spec §4.3 "A negative poll result is fatal to the loop") or
// because the Publisher returned an error for an event.
func (c *Consumer) Run() error {
	for !c.exit.Load() {
		if err := c.pollOnce(); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			slog.Error("ringconsumer: fatal poll error, shutting down", "error", err)
			c.exit.Store(true)
			return err
		}
		time.Sleep(c.idlePacing)
	}
	return nil
}

// pollOnce performs one bounded poll. A deadline-exceeded result is the
// normal "no event within the timeout" case and is not an error to the
// caller.
func (c *Consumer) pollOnce() error {
	if c.exit.Load() {
		return nil
	}

	c.reader.SetDeadline(time.Now().Add(c.pollTimeout))
	record, err := c.reader.Read()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil // timeout: normal, not fatal.
		}
		return err
	}

	if c.exit.Load() {
		return nil
	}

	ev, err := rawevent.Decode(record.RawSample)
	if err != nil {
		// Payload size mismatch: drop this one sample, loop continues
		// (spec §7 "Payload size mismatch at the ring").
		slog.Warn("ringconsumer: dropping malformed payload", "error", err)
		return nil
	}

	return c.publisher.HandleSwitch(ev)
}
