// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pargzip implements a gzip writer that spreads compression
// across a pool of goroutines while a single writer goroutine drains
// results in submission order.
//
// Each chunk becomes an independent raw-deflate stream ended on a
// SYNC_FLUSH boundary, so the concatenation plus a final empty deflate
// block and the RFC 1952 trailer decodes with any standard gzip reader.
// Parallelism is invisible to decoders.
package pargzip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	fanin "github.com/streamscale/go-fanin"
)

const (
	// orderDepth bounds the FIFO of pending compressed chunks; producers
	// block once this many writes are in flight.
	orderDepth = 512

	// scratchSize is the initial per-compressor scratch buffer size; it
	// grows as needed.
	scratchSize = 1024
)

// gzipHeader is the fixed 10-byte header: magic, DEFLATE, no flags,
// mtime 0, xflags 0, OS 3 (Unix).
var gzipHeader = []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x03}

type tag uint8

const (
	tagData tag = iota
	tagFlush
	tagClose
)

// pending is one entry of the ordering queue: the not-yet-resolved
// compressed form of a single Write, or a control marker. done is nil
// for control markers, which need no compression.
type pending struct {
	done       chan struct{}
	raw        []byte
	compressed []byte
	err        error
	tag        tag
}

// Writer compresses written chunks on a worker pool and emits a valid
// gzip stream on the sink.
//
// The decoded output is exactly the concatenation of the Write payloads
// in call order. Bytes are copied on Write, so the caller may reuse its
// buffer immediately.
//
// Worker and sink errors are logged, latched and surfaced from the next
// Write, Flush or Close call; after a mid-stream failure the sink
// contents are not recoverable.
type Writer struct {
	sink fanin.Sink
	err  atomic.Pointer[error]
	opt  Options

	order chan *pending

	// tasks is never closed: a producer stalled between its order and
	// tasks sends may still submit after Close. Workers are told to exit
	// through shutdown instead, once the writer goroutine is done.
	tasks      chan *pending
	shutdown   chan struct{}
	writerDone chan struct{}
	eg         errgroup.Group

	closed atomic.Bool
}

// NewWriter writes the gzip header to sink and starts the writer
// goroutine plus the compressor pool.
//
// The sink is owned by the writer goroutine from this point on.
func NewWriter(sink fanin.Sink, opts ...OptionFunc) (*Writer, error) {
	opt := defaultOptions()

	for _, o := range opts {
		if err := o(&opt); err != nil {
			return nil, err
		}
	}

	if _, err := sink.Write(gzipHeader); err != nil {
		return nil, fmt.Errorf("writing gzip header: %w", err)
	}

	w := &Writer{
		sink:       sink,
		opt:        opt,
		order:      make(chan *pending, orderDepth),
		tasks:      make(chan *pending, opt.Concurrency),
		shutdown:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	w.eg.Go(w.drain)

	for range opt.Concurrency {
		w.eg.Go(w.compressLoop)
	}

	return w, nil
}

// Write submits a copy of p for compression and reserves its slot in
// the output order.
//
// Zero-length writes return without submitting anything.
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

	pend := &pending{
		tag:  tagData,
		done: make(chan struct{}),
		raw:  bytes.Clone(p),
	}

	// the ordering queue defines output order, so reserve the slot
	// before handing the work to the pool
	select {
	case w.order <- pend:
	case <-w.writerDone:
		return 0, w.exitErr()
	}

	select {
	case w.tasks <- pend:
	case <-w.writerDone:
		return 0, w.exitErr()
	}

	return len(p), nil
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	_, err := w.Write([]byte{b})

	return err
}

// Flush inserts a flush marker into the output order; the writer
// flushes the sink when it reaches the marker.
func (w *Writer) Flush() error {
	if w.closed.Load() {
		return fanin.ErrClosed
	}

	if err := w.latched(); err != nil {
		return err
	}

	select {
	case w.order <- &pending{tag: tagFlush}:
	case <-w.writerDone:
		return w.exitErr()
	}

	return nil
}

// Close terminates the stream: the writer finishes pending chunks,
// emits the final empty deflate block and the 8-byte trailer, flushes
// and closes the sink. A second Close fails.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return fanin.ErrClosed
	}

	select {
	case w.order <- &pending{tag: tagClose}:
	case <-w.writerDone:
	}

	<-w.writerDone

	// the writer has drained everything it will ever drain; release the
	// compressor pool
	close(w.shutdown)

	err := w.eg.Wait()

	if lerr := w.latched(); lerr != nil {
		return lerr
	}

	return err
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

// exitErr reports why the writer goroutine is gone.
func (w *Writer) exitErr() error {
	if err := w.latched(); err != nil {
		return err
	}

	return fanin.ErrClosed
}

// compressLoop is one pool worker. The deflater and its scratch buffer
// are local to the goroutine and reused across chunks.
func (w *Writer) compressLoop() error {
	var (
		scratch bytes.Buffer
		enc     *flate.Writer
	)

	for {
		var pend *pending

		select {
		case pend = <-w.tasks:
		case <-w.shutdown:
			return nil
		}

		if enc == nil {
			scratch.Grow(scratchSize)

			var err error

			if enc, err = flate.NewWriter(&scratch, flate.DefaultCompression); err != nil {
				pend.err = err

				close(pend.done)

				continue
			}
		}

		scratch.Reset()
		enc.Reset(&scratch)

		_, err := enc.Write(pend.raw)
		if err == nil {
			// SYNC_FLUSH: end the chunk on a byte boundary so streams
			// concatenate cleanly
			err = enc.Flush()
		}

		pend.compressed = bytes.Clone(scratch.Bytes())
		pend.err = err

		close(pend.done)
	}
}

// drain is the writer goroutine: it consumes the ordering queue
// strictly in submission order and owns all sink I/O and the gzip
// stream state.
func (w *Writer) drain() (err error) {
	defer close(w.writerDone)

	defer func() {
		if err == nil {
			return
		}

		w.opt.Logger.Error("gzip writer failed", zap.Error(err))
		w.latch(err)

		if cerr := w.sink.Close(); cerr != nil {
			w.opt.Logger.Error("sink close failed", zap.Error(cerr))
		}
	}()

	crc := crc32.NewIEEE()

	var total uint32

	for {
		pend := <-w.order

		if pend.done != nil {
			<-pend.done
		}

		switch pend.tag {
		case tagData:
			if pend.err != nil {
				return fmt.Errorf("compression failed: %w", pend.err)
			}

			if _, werr := w.sink.Write(pend.compressed); werr != nil {
				return werr
			}

			crc.Write(pend.raw)

			total += uint32(len(pend.raw))
		case tagFlush:
			if ferr := w.sink.Flush(); ferr != nil {
				return ferr
			}
		case tagClose:
			return w.finish(crc.Sum32(), total)
		}
	}
}

// finish emits the end of the gzip container: a final empty deflate
// block marking end-of-stream, then the little-endian CRC32 and
// uncompressed length (mod 2^32).
func (w *Writer) finish(crc, total uint32) error {
	var tail bytes.Buffer

	enc, err := flate.NewWriter(&tail, flate.DefaultCompression)
	if err != nil {
		return err
	}

	if err = enc.Close(); err != nil {
		return err
	}

	var trailer [8]byte

	binary.LittleEndian.PutUint32(trailer[:4], crc)
	binary.LittleEndian.PutUint32(trailer[4:], total)

	tail.Write(trailer[:])

	if _, err = w.sink.Write(tail.Bytes()); err != nil {
		return err
	}

	if err = w.sink.Flush(); err != nil {
		return err
	}

	return w.sink.Close()
}
