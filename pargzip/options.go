// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pargzip

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// Options defines settings for Writer.
type Options struct {
	Logger *zap.Logger

	// Concurrency is the number of compressor goroutines.
	Concurrency int
}

func defaultOptions() Options {
	return Options{
		Logger:      zap.NewNop(),
		Concurrency: max(1, runtime.GOMAXPROCS(0)),
	}
}

// OptionFunc allows setting Writer options.
type OptionFunc func(*Options) error

// WithConcurrency sets the number of compressor goroutines.
func WithConcurrency(n int) OptionFunc {
	return func(opt *Options) error {
		if n <= 0 {
			return fmt.Errorf("concurrency should be positive: %d", n)
		}

		opt.Concurrency = n

		return nil
	}
}

// WithLogger sets the logger used to report writer and compressor
// errors.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}
