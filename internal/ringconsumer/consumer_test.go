package ringconsumer

import (
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/require"

	"github.com/ocx/schedrec/internal/rawevent"
)

// fakeReader replays a fixed sequence of (record, error) pairs, one per
// Read call, then returns os.ErrDeadlineExceeded forever.
type fakeReader struct {
	results []readResult
	idx     int
}

type readResult struct {
	record ringbuf.Record
	err    error
}

func (f *fakeReader) SetDeadline(time.Time) error { return nil }

func (f *fakeReader) Read() (ringbuf.Record, error) {
	if f.idx >= len(f.results) {
		return ringbuf.Record{}, os.ErrDeadlineExceeded
	}
	r := f.results[f.idx]
	f.idx++
	return r.record, r.err
}

func validPayload() []byte {
	return make([]byte, rawevent.Size)
}

type fakePublisher struct {
	handled []rawevent.Event
	err     error
}

func (p *fakePublisher) HandleSwitch(ev rawevent.Event) error {
	p.handled = append(p.handled, ev)
	return p.err
}

func TestPollOnceTimeoutIsNotFatal(t *testing.T) {
	r := &fakeReader{}
	pub := &fakePublisher{}
	var exit atomic.Bool

	c := New(r, pub, &exit, time.Millisecond, time.Millisecond)
	require.NoError(t, c.pollOnce())
	require.False(t, exit.Load())
	require.Empty(t, pub.handled)
}

func TestPollOnceDispatchesValidPayload(t *testing.T) {
	r := &fakeReader{results: []readResult{
		{record: ringbuf.Record{RawSample: validPayload()}},
	}}
	pub := &fakePublisher{}
	var exit atomic.Bool

	c := New(r, pub, &exit, time.Millisecond, time.Millisecond)
	require.NoError(t, c.pollOnce())
	require.Len(t, pub.handled, 1)
}

func TestPollOnceDropsMalformedPayload(t *testing.T) {
	r := &fakeReader{results: []readResult{
		{record: ringbuf.Record{RawSample: make([]byte, rawevent.Size-1)}},
	}}
	pub := &fakePublisher{}
	var exit atomic.Bool

	c := New(r, pub, &exit, time.Millisecond, time.Millisecond)
	require.NoError(t, c.pollOnce())
	require.Empty(t, pub.handled)
	require.False(t, exit.Load())
}

func TestPollOnceFatalErrorPropagates(t *testing.T) {
	boom := errors.New("ring read failed")
	r := &fakeReader{results: []readResult{
		{err: boom},
	}}
	pub := &fakePublisher{}
	var exit atomic.Bool

	c := New(r, pub, &exit, time.Millisecond, time.Millisecond)
	err := c.pollOnce()
	require.ErrorIs(t, err, boom)
}

func TestRunStopsOnFatalError(t *testing.T) {
	boom := errors.New("ring read failed")
	r := &fakeReader{results: []readResult{
		{err: boom},
	}}
	pub := &fakePublisher{}
	var exit atomic.Bool

	c := New(r, pub, &exit, time.Millisecond, time.Millisecond)
	err := c.Run()
	require.ErrorIs(t, err, boom)
	require.True(t, exit.Load())
}

func TestRunStopsWhenExitFlagRaised(t *testing.T) {
	r := &fakeReader{}
	pub := &fakePublisher{}
	var exit atomic.Bool
	exit.Store(true)

	c := New(r, pub, &exit, time.Millisecond, time.Millisecond)
	require.NoError(t, c.Run())
}

func TestRunStopsOnReaderClosed(t *testing.T) {
	r := &fakeReader{results: []readResult{
		{err: ringbuf.ErrClosed},
	}}
	pub := &fakePublisher{}
	var exit atomic.Bool

	c := New(r, pub, &exit, time.Millisecond, time.Millisecond)
	require.NoError(t, c.Run())
}
