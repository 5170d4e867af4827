// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package handoff

import (
	"fmt"

	"go.uber.org/zap"
)

// Options defines settings for Writer.
type Options struct {
	Logger *zap.Logger

	// CoalesceThreshold makes the worker accumulate chunks into an
	// aggregation buffer and push downstream only once this many bytes
	// are buffered (or on Flush/Close). Zero disables coalescing.
	CoalesceThreshold int
}

func defaultOptions() Options {
	return Options{
		Logger: zap.NewNop(),
	}
}

// OptionFunc allows setting Writer options.
type OptionFunc func(*Options) error

// WithLogger sets the logger used to report worker errors.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}

// WithCoalescing makes the worker aggregate drained chunks into a
// buffer of the given threshold before writing downstream.
func WithCoalescing(threshold int) OptionFunc {
	return func(opt *Options) error {
		if threshold <= 0 {
			return fmt.Errorf("coalesce threshold should be positive: %d", threshold)
		}

		opt.CoalesceThreshold = threshold

		return nil
	}
}
