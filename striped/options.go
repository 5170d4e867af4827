// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package striped

import "go.uber.org/zap"

// Options defines settings for Writer.
type Options struct {
	Logger *zap.Logger
}

func defaultOptions() Options {
	return Options{
		Logger: zap.NewNop(),
	}
}

// OptionFunc allows setting Writer options.
type OptionFunc func(*Options) error

// WithLogger sets the logger used to report rotation errors.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}
