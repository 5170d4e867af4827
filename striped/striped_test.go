// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package striped_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	fanin "github.com/streamscale/go-fanin"
	"github.com/streamscale/go-fanin/striped"
)

type testSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	flushed  bool
	closed   bool
}

func (s *testSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return 0, s.writeErr
	}

	return s.buf.Write(p)
}

func (s *testSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushed = true

	return nil
}

func (s *testSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

func (s *testSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return bytes.Clone(s.buf.Bytes())
}

func (s *testSink) Flushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushed
}

func (s *testSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func TestSmallItemIsRetained(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	sink := &testSink{}

	w, err := striped.New(sink)
	req.NoError(err)

	req.NoError(w.WriteByte('a'))

	time.Sleep(10 * time.Millisecond)

	req.Empty(sink.Bytes())
	req.False(sink.Flushed())
	req.False(sink.Closed())
}

func TestRotationAtCapacity(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	sink := &testSink{}

	w, err := striped.New(sink)
	req.NoError(err)

	for range 32000 {
		req.NoError(w.WriteByte('a'))
	}

	time.Sleep(10 * time.Millisecond)

	// a single producer sticks to one stripe, which rotates exactly
	// once when full
	data := sink.Bytes()
	req.Len(data, 24576)

	for i, b := range data {
		req.EqualValues('a', b, "byte %d", i)
	}

	req.False(sink.Closed())
}

func TestCloseDrainsResidual(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	sink := &testSink{}

	w, err := striped.New(sink)
	req.NoError(err)

	chunk := []byte("abcdefghij")

	for range 3200 {
		_, err := w.Write(chunk)
		req.NoError(err)
	}

	req.NoError(w.Close())

	data := sink.Bytes()
	req.Len(data, 32000)

	for i := 0; i < len(data); i += len(chunk) {
		req.Equal(chunk, data[i:i+len(chunk)], "chunk at offset %d", i)
	}

	req.True(sink.Flushed())
	req.True(sink.Closed())
}

func TestFlushDrains(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	sink := &testSink{}

	w, err := striped.New(sink)
	req.NoError(err)

	for range 32000 {
		req.NoError(w.WriteByte('a'))
	}

	req.NoError(w.Flush())

	data := sink.Bytes()
	req.Len(data, 32000)

	for i, b := range data {
		req.EqualValues('a', b, "byte %d", i)
	}

	req.True(sink.Flushed())
	req.False(sink.Closed())
}

func TestOversizedWriteBypasses(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	sink := &testSink{}

	w, err := striped.New(sink)
	req.NoError(err)

	big := bytes.Repeat([]byte{'b'}, 30000)

	n, err := w.Write(big)
	req.NoError(err)
	req.Equal(30000, n)

	req.Equal(big, sink.Bytes())

	req.NoError(w.Close())
}

func TestZeroLengthWrite(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	sink := &testSink{}

	w, err := striped.New(sink)
	req.NoError(err)

	n, err := w.Write(nil)
	req.NoError(err)
	req.Zero(n)

	req.NoError(w.Close())
	req.Empty(sink.Bytes())
}

func TestCloseIsNotIdempotent(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := striped.New(&testSink{})
	req.NoError(err)

	req.NoError(w.Close())
	req.ErrorIs(w.Close(), fanin.ErrClosed)
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	w, err := striped.New(&testSink{})
	req.NoError(err)

	req.NoError(w.Close())

	_, err = w.Write([]byte("late"))
	req.ErrorIs(err, fanin.ErrClosed)
	req.ErrorIs(w.Flush(), fanin.ErrClosed)
}

func TestSinkErrorSurfaces(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	sinkErr := errors.New("disk on fire")
	sink := &testSink{writeErr: sinkErr}

	w, err := striped.New(sink)
	req.NoError(err)

	for range 32000 {
		if err := w.WriteByte('a'); err != nil {
			req.ErrorIs(err, sinkErr, "rotation should surface the sink error")

			return
		}
	}

	req.Fail("rotation never hit the failing sink")
}

func TestWriteContiguityUnderContention(t *testing.T) {
	t.Parallel()

	const (
		producers   = 8
		perProducer = 2000
		chunkLen    = 10
	)

	req := require.New(t)

	sink := &testSink{}

	w, err := striped.New(sink)
	req.NoError(err)

	var eg errgroup.Group

	for p := range producers {
		eg.Go(func() error {
			chunk := bytes.Repeat([]byte{byte('A' + p)}, chunkLen)

			for range perProducer {
				if _, err := w.Write(chunk); err != nil {
					return err
				}
			}

			return nil
		})
	}

	req.NoError(eg.Wait())
	req.NoError(w.Close())

	data := sink.Bytes()
	req.Len(data, producers*perProducer*chunkLen)

	// no cross-call ordering is promised, but every single Write's
	// bytes must be contiguous
	counts := map[byte]int{}

	for i := 0; i < len(data); i += chunkLen {
		block := data[i : i+chunkLen]

		for _, b := range block {
			req.Equal(block[0], b, "write at offset %d is torn", i)
		}

		counts[block[0]]++
	}

	for p := range producers {
		req.Equal(perProducer, counts[byte('A'+p)])
	}
}
