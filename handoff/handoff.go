// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package handoff implements an asynchronous hand-off writer: producers
// enqueue immutable byte chunks onto a bounded FIFO, a single worker
// goroutine drains them onto the downstream sink.
package handoff

import (
	"bytes"
	"sync/atomic"

	"go.uber.org/zap"

	fanin "github.com/streamscale/go-fanin"
)

const (
	// queueDepth is the capacity of the hand-off FIFO, in chunks.
	queueDepth = 64

	// maxBatch bounds how many ready chunks the worker drains per
	// iteration.
	maxBatch = 128
)

type tag uint8

const (
	tagData tag = iota
	tagFlush
	tagClose
)

// chunk multiplexes data and control messages on the hand-off queue.
// Control chunks carry no payload.
type chunk struct {
	data []byte
	ack  chan struct{}
	tag  tag
}

// Writer hands written chunks to a background worker over a bounded
// FIFO.
//
// Chunks appear on the sink in enqueue order; when multiple producers
// write concurrently the queue is the serialization point and no
// stronger ordering is promised. Bytes are copied on Write, so the
// caller may reuse its buffer immediately.
//
// Worker errors are logged, latched and surfaced from the next Write,
// Flush or Close call.
type Writer struct {
	sink  fanin.Sink
	err   atomic.Pointer[error]
	queue chan chunk
	done  chan struct{}
	opt   Options

	closed atomic.Bool
}

// New creates a Writer draining into sink and starts its worker.
//
// The sink is owned by the worker from this point on.
func New(sink fanin.Sink, opts ...OptionFunc) (*Writer, error) {
	opt := defaultOptions()

	for _, o := range opts {
		if err := o(&opt); err != nil {
			return nil, err
		}
	}

	w := &Writer{
		sink:  sink,
		opt:   opt,
		queue: make(chan chunk, queueDepth),
		done:  make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Write enqueues a copy of p, blocking while the queue is full.
//
// Zero-length writes return without enqueueing anything.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, fanin.ErrClosed
	}

	if err := w.latched(); err != nil {
		return 0, err
	}

	if len(p) == 0 {
		return 0, nil
	}

	select {
	case w.queue <- chunk{tag: tagData, data: bytes.Clone(p)}:
		return len(p), nil
	case <-w.done:
		if err := w.latched(); err != nil {
			return 0, err
		}

		return 0, fanin.ErrClosed
	}
}

// WriteByte enqueues a single-byte chunk.
func (w *Writer) WriteByte(b byte) error {
	_, err := w.Write([]byte{b})

	return err
}

// Flush inserts a flush marker into the queue and waits for the worker
// to pass it, so previously enqueued chunks have reached the sink and
// the sink has been flushed when Flush returns.
func (w *Writer) Flush() error {
	if w.closed.Load() {
		return fanin.ErrClosed
	}

	if err := w.latched(); err != nil {
		return err
	}

	ack := make(chan struct{})

	select {
	case w.queue <- chunk{tag: tagFlush, ack: ack}:
	case <-w.done:
		return w.exitErr()
	}

	select {
	case <-ack:
		return w.latched()
	case <-w.done:
		return w.exitErr()
	}
}

// Close enqueues the termination marker and blocks until the worker has
// flushed and closed the sink. A second Close fails.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return fanin.ErrClosed
	}

	select {
	case w.queue <- chunk{tag: tagClose}:
	case <-w.done:
	}

	<-w.done

	return w.latched()
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

// exitErr reports why the worker is gone.
func (w *Writer) exitErr() error {
	if err := w.latched(); err != nil {
		return err
	}

	return fanin.ErrClosed
}

func (w *Writer) run() {
	defer close(w.done)

	var agg *bytes.Buffer
	if w.opt.CoalesceThreshold > 0 {
		agg = bytes.NewBuffer(make([]byte, 0, w.opt.CoalesceThreshold))
	}

	batch := make([]chunk, 0, maxBatch)

	for {
		batch = append(batch[:0], <-w.queue)

	drain:
		for len(batch) < maxBatch {
			select {
			case c := <-w.queue:
				batch = append(batch, c)
			default:
				break drain
			}
		}

		for _, c := range batch {
			switch c.tag {
			case tagData:
				if !w.writeChunk(agg, c.data) {
					return
				}
			case tagFlush:
				ok := w.drainAgg(agg) && w.flushSink()

				close(c.ack)

				if !ok {
					return
				}
			case tagClose:
				w.terminate(agg)

				return
			}
		}

		// keep latency low when not aggregating: push the batch all the
		// way downstream
		if agg == nil && !w.flushSink() {
			return
		}
	}
}

func (w *Writer) writeChunk(agg *bytes.Buffer, data []byte) bool {
	if agg != nil {
		agg.Write(data)

		if agg.Len() < w.opt.CoalesceThreshold {
			return true
		}

		return w.drainAgg(agg)
	}

	if _, err := w.sink.Write(data); err != nil {
		w.fail("sink write failed", err)

		return false
	}

	return true
}

func (w *Writer) drainAgg(agg *bytes.Buffer) bool {
	if agg == nil || agg.Len() == 0 {
		return true
	}

	_, err := w.sink.Write(agg.Bytes())

	agg.Reset()

	if err != nil {
		w.fail("sink write failed", err)

		return false
	}

	return true
}

func (w *Writer) flushSink() bool {
	if err := w.sink.Flush(); err != nil {
		w.fail("sink flush failed", err)

		return false
	}

	return true
}

// terminate handles the close marker: residual bytes, flush, close.
func (w *Writer) terminate(agg *bytes.Buffer) {
	if !w.drainAgg(agg) || !w.flushSink() {
		return
	}

	if err := w.sink.Close(); err != nil {
		w.opt.Logger.Error("sink close failed", zap.Error(err))
		w.latch(err)
	}
}

// fail reports a worker error out-of-band and still closes the sink, so
// a failed stream does not hold downstream resources.
func (w *Writer) fail(msg string, err error) {
	w.opt.Logger.Error(msg, zap.Error(err))
	w.latch(err)

	if cerr := w.sink.Close(); cerr != nil {
		w.opt.Logger.Error("sink close failed", zap.Error(cerr))
	}
}
