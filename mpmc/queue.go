// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mpmc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/siderolabs/gen/optional"
)

// defaultBackoff is how long Put/Take sleep between attempts on a
// full/empty ring.
const defaultBackoff = 10 * time.Millisecond

// Queue wraps a Ring with blocking put/take semantics by sleep-spinning.
//
// It exposes only what an executor's task queue needs; fairness across
// blocked producers is whatever the underlying ring provides (none
// assumed). The trade is strict wakeup latency for simplicity and zero
// allocation on the hot path.
type Queue[T any] struct {
	ring *Ring[T]
	opt  Options
}

// NewQueue creates a blocking queue over a fresh ring of the given
// capacity.
func NewQueue[T any](capacity int, opts ...OptionFunc) (*Queue[T], error) {
	ring, err := NewRing[T](capacity)
	if err != nil {
		return nil, err
	}

	opt := defaultOptions()

	for _, o := range opts {
		if err := o(&opt); err != nil {
			return nil, err
		}
	}

	return &Queue[T]{
		ring: ring,
		opt:  opt,
	}, nil
}

// Put blocks until the ring accepts the element or the context is
// canceled.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	for {
		if q.ring.TryEnqueue(v) {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		time.Sleep(q.opt.Backoff)
	}
}

// Take blocks until an element becomes available or the context is
// canceled.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	for {
		if v, ok := q.ring.TryDequeue(); ok {
			return v, nil
		}

		if err := ctx.Err(); err != nil {
			var zero T

			return zero, err
		}

		time.Sleep(q.opt.Backoff)
	}
}

// Peek delegates to the ring.
func (q *Queue[T]) Peek() optional.Optional[T] {
	return q.ring.Peek()
}

// Len delegates to the ring.
func (q *Queue[T]) Len() int {
	return q.ring.Len()
}

// Capacity delegates to the ring.
func (q *Queue[T]) Capacity() int {
	return q.ring.Capacity()
}

// PutTimeout is not supported; the queue is intended for the minimal
// executor use case only.
func (q *Queue[T]) PutTimeout(T, time.Duration) error {
	return fmt.Errorf("put with timeout: %w", errors.ErrUnsupported)
}

// TakeTimeout is not supported.
func (q *Queue[T]) TakeTimeout(time.Duration) (T, error) {
	var zero T

	return zero, fmt.Errorf("take with timeout: %w", errors.ErrUnsupported)
}

// DrainTo is not supported.
func (q *Queue[T]) DrainTo([]T) (int, error) {
	return 0, fmt.Errorf("drain: %w", errors.ErrUnsupported)
}

// RemainingCapacity is not supported.
func (q *Queue[T]) RemainingCapacity() (int, error) {
	return 0, fmt.Errorf("remaining capacity: %w", errors.ErrUnsupported)
}

// Options defines settings for Queue.
type Options struct {
	Backoff time.Duration
}

func defaultOptions() Options {
	return Options{
		Backoff: defaultBackoff,
	}
}

// OptionFunc allows setting Queue options.
type OptionFunc func(*Options) error

// WithBackoff sets the sleep interval between attempts while blocked.
func WithBackoff(d time.Duration) OptionFunc {
	return func(opt *Options) error {
		if d <= 0 {
			return fmt.Errorf("backoff should be positive: %s", d)
		}

		opt.Backoff = d

		return nil
	}
}
