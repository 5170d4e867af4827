// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package fanin

import "errors"

// ErrClosed is returned on writes to a closed stream, and on closing a
// stream twice.
var ErrClosed = errors.New("stream is closed")
