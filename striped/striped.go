// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package striped implements a buffered writer that replaces the usual
// mutex with striped compare-and-swap claim/publish reservations, so
// many producers can fill buffers in parallel without mutual exclusion.
package striped

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"

	fanin "github.com/streamscale/go-fanin"
)

const (
	// numStripes partitions producer contention; must be a power of two.
	numStripes = 32

	// bufferSize is the capacity of each stripe's buffer.
	bufferSize = 24576
)

// state is one stripe's buffer plus the two reservation counters.
//
// Invariant: 0 <= published <= claimed <= len(buf). A state value is
// replaced atomically as a whole; the buffer identity changes only on
// rotation, and rotation requires published == claimed (no producer
// mid-copy).
type state struct {
	buf       []byte
	claimed   int
	published int
}

// Writer is a drop-in buffered writer for contended multi-producer
// workloads.
//
// Bytes of a single Write call reach the sink contiguously; ordering
// between distinct Write calls is not preserved — stripes fill and
// rotate independently. That is the trade for CAS-only coordination.
type Writer struct {
	sink fanin.Sink
	err  atomic.Pointer[error]
	opt  Options

	stripes [numStripes]atomic.Pointer[state]

	// serializes sink access between rotating producers
	sinkMu sync.Mutex

	closed atomic.Bool
}

// New creates a Writer over sink with fresh stripe buffers.
func New(sink fanin.Sink, opts ...OptionFunc) (*Writer, error) {
	opt := defaultOptions()

	for _, o := range opts {
		if err := o(&opt); err != nil {
			return nil, err
		}
	}

	w := &Writer{
		sink: sink,
		opt:  opt,
	}

	for i := range w.stripes {
		w.stripes[i].Store(&state{buf: make([]byte, bufferSize)})
	}

	return w, nil
}

// stripeIndex maps the calling goroutine onto a stripe. The mapping is
// stable for the life of the goroutine, which keeps contention low
// without goroutine-local storage.
func stripeIndex() int {
	return int(goid.Get() & (numStripes - 1))
}

// Write copies p into the producer's stripe buffer using the
// claim/publish protocol, rotating the buffer to the sink when it
// cannot accept the bytes.
//
// Writes larger than the stripe buffer (24576 bytes) bypass buffering:
// the stripe is quiesced and flushed, then p goes to the sink directly.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, fanin.ErrClosed
	}

	if err := w.latched(); err != nil {
		return 0, err
	}

	n := len(p)
	if n == 0 {
		return 0, nil
	}

	idx := stripeIndex()

	if n > bufferSize {
		return w.writeDirect(idx, p)
	}

	// claim: reserve [cur.claimed, cur.claimed+n) in the stripe buffer
	var (
		owned *state
		off   int
	)

	for {
		cur := w.stripes[idx].Load()

		if cur.claimed+n <= len(cur.buf) {
			next := &state{buf: cur.buf, claimed: cur.claimed + n, published: cur.published}

			if w.stripes[idx].CompareAndSwap(cur, next) {
				owned, off = next, cur.claimed

				break
			}

			continue
		}

		if err := w.flushStripe(idx); err != nil {
			return 0, err
		}
	}

	copy(owned.buf[off:off+n], p)

	// publish: record that the reservation has been filled
	for {
		cur := w.stripes[idx].Load()
		next := &state{buf: cur.buf, claimed: cur.claimed, published: cur.published + n}

		if w.stripes[idx].CompareAndSwap(cur, next) {
			return n, nil
		}
	}
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	_, err := w.Write([]byte{b})

	return err
}

// writeDirect quiesces the stripe, then hands the oversized payload to
// the sink in one call.
func (w *Writer) writeDirect(idx int, p []byte) (int, error) {
	if err := w.flushStripe(idx); err != nil {
		return 0, err
	}

	w.sinkMu.Lock()
	defer w.sinkMu.Unlock()

	if _, err := w.sink.Write(p); err != nil {
		w.fail("sink write failed", err)

		return 0, err
	}

	return len(p), nil
}

// flushStripe rotates one stripe: waits for in-flight reservations to
// publish, swaps in a fresh buffer, and the winner of that swap writes
// the old buffer's published bytes to the sink.
func (w *Writer) flushStripe(idx int) error {
	var seen []byte

	for {
		cur := w.stripes[idx].Load()

		if seen == nil {
			seen = cur.buf
		} else if &seen[0] != &cur.buf[0] {
			// someone else rotated the buffer already
			return nil
		}

		if cur.claimed == 0 {
			return nil
		}

		if cur.published < cur.claimed {
			// a producer is between claim and publish; the buffer must
			// not rotate under it
			runtime.Gosched()

			continue
		}

		next := &state{buf: make([]byte, bufferSize)}

		if !w.stripes[idx].CompareAndSwap(cur, next) {
			continue
		}

		// we own the old buffer now
		w.sinkMu.Lock()
		defer w.sinkMu.Unlock()

		if _, err := w.sink.Write(cur.buf[:cur.published]); err != nil {
			w.fail("sink write failed", err)

			return err
		}

		if err := w.sink.Flush(); err != nil {
			w.fail("sink flush failed", err)

			return err
		}

		return nil
	}
}

// Flush rotates every stripe, pushing all published bytes to the sink.
func (w *Writer) Flush() error {
	if w.closed.Load() {
		return fanin.ErrClosed
	}

	if err := w.latched(); err != nil {
		return err
	}

	return w.flushAll()
}

func (w *Writer) flushAll() error {
	for i := range w.stripes {
		if err := w.flushStripe(i); err != nil {
			return err
		}
	}

	return nil
}

// Close flushes all stripes and closes the sink. Writes after Close
// fail, and a second Close fails.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return fanin.ErrClosed
	}

	ferr := w.flushAll()

	if err := w.sink.Close(); err != nil {
		w.opt.Logger.Error("sink close failed", zap.Error(err))

		if ferr == nil {
			ferr = err
		}
	}

	return ferr
}

func (w *Writer) latch(err error) {
	w.err.CompareAndSwap(nil, &err)
}

func (w *Writer) latched() error {
	if p := w.err.Load(); p != nil {
		return *p
	}

	return nil
}

func (w *Writer) fail(msg string, err error) {
	w.opt.Logger.Error(msg, zap.Error(err))
	w.latch(err)
}
