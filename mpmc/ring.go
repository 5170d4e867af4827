// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mpmc provides a bounded lock-free multi-producer/multi-consumer
// ring and a blocking queue adapter on top of it.
package mpmc

import (
	"fmt"
	"sync/atomic"

	"github.com/siderolabs/gen/optional"
)

// slot carries one element plus the sequence number that tickets it to
// a specific enqueue/dequeue turn.
type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded non-blocking MPMC FIFO.
//
// Enqueue and dequeue positions hand out turns; each slot's sequence
// number records which turn it is ready for, so producers and consumers
// synchronize per-slot without locks. All operations are safe for
// concurrent use.
type Ring[T any] struct {
	slots []slot[T]
	size  uint64

	_   [56]byte // keep the hot counters on separate cache lines
	enq atomic.Uint64
	_   [56]byte
	deq atomic.Uint64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity should be positive: %d", capacity)
	}

	r := &Ring[T]{
		slots: make([]slot[T], capacity),
		size:  uint64(capacity),
	}

	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}

	return r, nil
}

// TryEnqueue attempts a non-blocking enqueue, reporting whether the
// ring accepted the element.
func (r *Ring[T]) TryEnqueue(v T) bool {
	for {
		pos := r.enq.Load()
		s := &r.slots[pos%r.size]

		switch diff := int64(s.seq.Load()) - int64(pos); {
		case diff == 0:
			if r.enq.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)

				return true
			}
		case diff < 0:
			// the slot still holds an element from the previous lap
			return false
		}
	}
}

// TryDequeue attempts a non-blocking dequeue.
func (r *Ring[T]) TryDequeue() (T, bool) {
	var zero T

	for {
		pos := r.deq.Load()
		s := &r.slots[pos%r.size]

		switch diff := int64(s.seq.Load()) - int64(pos+1); {
		case diff == 0:
			if r.deq.CompareAndSwap(pos, pos+1) {
				v := s.val
				s.val = zero
				s.seq.Store(pos + r.size)

				return v, true
			}
		case diff < 0:
			return zero, false
		}
	}
}

// Peek returns the element at the head of the ring without consuming
// it.
//
// Peek is exact while no consumer is running; under concurrent
// dequeues the returned element may already be gone by the time the
// caller looks at it.
func (r *Ring[T]) Peek() optional.Optional[T] {
	pos := r.deq.Load()
	s := &r.slots[pos%r.size]

	if s.seq.Load() != pos+1 {
		return optional.None[T]()
	}

	return optional.Some(s.val)
}

// Len returns the number of queued elements.
//
// The value is a snapshot and may be stale under concurrent use.
func (r *Ring[T]) Len() int {
	enq, deq := r.enq.Load(), r.deq.Load()
	if enq < deq {
		return 0
	}

	return int(enq - deq)
}

// Capacity returns the fixed capacity of the ring.
func (r *Ring[T]) Capacity() int {
	return int(r.size)
}
