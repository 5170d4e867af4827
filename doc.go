// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fanin provides the shared contracts for a family of
// high-throughput byte-stream writers that funnel many producers into a
// single downstream sink.
//
// The components live in subpackages and are independent of each other:
//
//   - handoff: an asynchronous hand-off writer draining a bounded chunk
//     queue onto the sink from a single worker goroutine.
//   - striped: a buffered writer that replaces the usual mutex with
//     per-stripe compare-and-swap claim/publish reservations.
//   - pargzip: a gzip writer that compresses chunks on a worker pool
//     while preserving submission order on the wire.
//   - mpmc: a bounded lock-free MPMC ring plus a blocking adapter.
//
// They share only the Sink contract and the ErrClosed sentinel defined
// here.
package fanin
