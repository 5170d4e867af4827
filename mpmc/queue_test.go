// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mpmc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/streamscale/go-fanin/mpmc"
)

func TestPutThenTake(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	q, err := mpmc.NewQueue[string](100)
	req.NoError(err)

	ctx := t.Context()

	req.NoError(q.Put(ctx, "hello"))

	v, err := q.Take(ctx)
	req.NoError(err)
	req.Equal("hello", v)

	req.False(q.Peek().IsPresent())
}

func TestTakeBlocksUntilPut(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	q, err := mpmc.NewQueue[int](100, mpmc.WithBackoff(time.Millisecond))
	req.NoError(err)

	ctx := t.Context()

	go func() {
		time.Sleep(100 * time.Millisecond)

		q.Put(ctx, 42) //nolint:errcheck
	}()

	start := time.Now()

	v, err := q.Take(ctx)
	req.NoError(err)
	req.Equal(42, v)
	req.GreaterOrEqual(time.Since(start), 50*time.Millisecond)

	req.False(q.Peek().IsPresent())
}

func TestBlockedProducerPacedConsumer(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	q, err := mpmc.NewQueue[int](8)
	req.NoError(err)

	ctx := t.Context()

	// a consumer taking roughly one element per 100ms; with 20 elements
	// against capacity 8 the producer must block for ~12 consume slots
	limiter := rate.NewLimiter(10, 1)

	var eg errgroup.Group

	eg.Go(func() error {
		for range 20 {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}

			if _, err := q.Take(ctx); err != nil {
				return err
			}
		}

		return nil
	})

	start := time.Now()

	for i := range 20 {
		req.NoError(q.Put(ctx, i))
	}

	elapsed := time.Since(start)

	req.NoError(eg.Wait())

	req.GreaterOrEqual(elapsed, 800*time.Millisecond, "producer should have blocked on the full ring")
	req.Less(elapsed, 5*time.Second)

	req.False(q.Peek().IsPresent(), "peek should return nothing after the final take")
}

func TestPutCancellation(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	q, err := mpmc.NewQueue[int](1, mpmc.WithBackoff(time.Millisecond))
	req.NoError(err)

	req.NoError(q.Put(t.Context(), 1))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err = q.Put(ctx, 2)
	req.ErrorIs(err, context.DeadlineExceeded)
}

func TestTakeCancellation(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	q, err := mpmc.NewQueue[int](1, mpmc.WithBackoff(time.Millisecond))
	req.NoError(err)

	ctx, cancel := context.WithCancel(t.Context())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = q.Take(ctx)
	req.ErrorIs(err, context.Canceled)
}

func TestUnsupportedOperations(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	q, err := mpmc.NewQueue[int](8)
	req.NoError(err)

	req.ErrorIs(q.PutTimeout(1, time.Second), errors.ErrUnsupported)

	_, err = q.TakeTimeout(time.Second)
	req.ErrorIs(err, errors.ErrUnsupported)

	_, err = q.DrainTo(nil)
	req.ErrorIs(err, errors.ErrUnsupported)

	_, err = q.RemainingCapacity()
	req.ErrorIs(err, errors.ErrUnsupported)
}

func TestInvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := mpmc.NewQueue[int](8, mpmc.WithBackoff(-time.Second))
	require.Error(t, err)
}
