// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mergeexec implements the non-blocking, lazy-pull sort-merge
// operator (spec components C5-C7): a source stream wrapper around each
// input, a tree-of-losers that picks the next row in sorted order, and the
// merge operator that drives both into output batches. A stalled input
// never parks the calling goroutine; it surfaces as a future the caller
// waits on between calls. It is grounded on sortexec's multi-way merge (the
// pull/refill loop shape) generalized from a single-process heap merge to a
// multi-source one with deferred, batched output copies.
package mergeexec

import (
	"context"

	"github.com/pingcap/tidb-memarbiter/pkg/batch"
)

// Source is one input to a merge: something that produces sorted batches,
// possibly with blocking gaps (spill file I/O, network fetch). It is the
// Go-shaped analogue of velox's BlockingReason-returning source interface.
type Source interface {
	// Poll returns the next ready batch, if any. When nothing is ready yet
	// but more is expected, b is nil, eof is false and ready is non-nil:
	// the caller must wait for ready to close and poll again. When the
	// source is permanently exhausted, eof is true and b is nil.
	Poll(ctx context.Context) (b *batch.Batch, ready <-chan struct{}, eof bool, err error)
}

// pendingRange is one contiguous run of source rows not yet copied into an
// output batch, the deferral SourceStream::copyToOutput performs so that a
// stream which wins several rows in a row is copied once, columnwise,
// instead of once per row.
type pendingRange struct {
	batch    *batch.Batch
	srcStart int
	dstStart int
	length   int
}

// SourceStream wraps one Source with the bookkeeping the tree of losers
// needs: a current row to compare, and a pending output range awaiting a
// batched copy.
type SourceStream struct {
	id     int
	source Source
	keys   []batch.SortKey

	currentBatch *batch.Batch
	currentRow   int

	pending *pendingRange

	atEnd bool
}

// NewSourceStream wraps source for participation in a merge ordered by
// keys.
func NewSourceStream(id int, source Source, keys []batch.SortKey) *SourceStream {
	return &SourceStream{id: id, source: source, keys: keys}
}

// ID returns the stream's index within its merge, stable for its lifetime.
func (s *SourceStream) ID() int {
	return s.id
}

// tryAdvance attempts to refill currentBatch without blocking the calling
// goroutine, mirroring SourceStream::fetchMoreData except that a stalled
// source is surfaced as a blocking future instead of waited on in place:
// when the source isn't ready yet, tryAdvance returns immediately with
// blocked=true and the channel to retry on, rather than parking the caller
// on it the way a direct <-ready would.
func (s *SourceStream) tryAdvance(ctx context.Context) (blocked bool, ready <-chan struct{}, err error) {
	for {
		b, rdy, eof, err := s.source.Poll(ctx)
		if err != nil {
			return false, nil, err
		}
		if eof {
			s.atEnd = true
			s.currentBatch = nil
			return false, nil, nil
		}
		if b != nil && b.NumRows() > 0 {
			s.currentBatch = b
			s.currentRow = 0
			return false, nil, nil
		}
		if rdy == nil {
			// Source has nothing now but isn't EOF and gave us no signal to
			// wait on; treat as a transient empty poll and retry immediately.
			continue
		}
		return true, rdy, nil
	}
}

// EnsureData performs the stream's first fetch if it hasn't happened yet.
// It never blocks: if the stream has no row buffered and the source isn't
// ready, it reports blocked=true and the channel the caller should wait on
// before calling EnsureData again.
func (s *SourceStream) EnsureData(ctx context.Context) (blocked bool, ready <-chan struct{}, err error) {
	if s.atEnd || s.currentBatch != nil {
		return false, nil, nil
	}
	return s.tryAdvance(ctx)
}

// AtEnd reports whether this stream has no more rows.
func (s *SourceStream) AtEnd() bool {
	return s.atEnd
}

// Less reports whether s's current row sorts before other's current row,
// the Go equivalent of SourceStream::operator<.
func (s *SourceStream) Less(other *SourceStream) bool {
	return batch.CompareRows(s.currentBatch, s.currentRow, other.currentBatch, other.currentRow, s.keys) < 0
}

// SetOutputRow records that this stream's current row should land at
// outputRow in the merge's output batch. If the new row extends the
// stream's in-flight pending range contiguously, it is folded in and nil
// is returned. Otherwise the previously accumulated range is returned for
// the caller to flush before the new range starts.
func (s *SourceStream) SetOutputRow(outputRow int) *pendingRange {
	if s.pending != nil &&
		s.pending.batch == s.currentBatch &&
		s.currentRow == s.pending.srcStart+s.pending.length &&
		outputRow == s.pending.dstStart+s.pending.length {
		s.pending.length++
		return nil
	}

	flush := s.pending
	s.pending = &pendingRange{
		batch:    s.currentBatch,
		srcStart: s.currentRow,
		dstStart: outputRow,
		length:   1,
	}
	return flush
}

// FlushPending returns and clears any in-flight pending range, for use at
// output-batch boundaries and when a stream becomes exhausted.
func (s *SourceStream) FlushPending() *pendingRange {
	flush := s.pending
	s.pending = nil
	return flush
}

// Pop advances the stream past its current row, refilling if the current
// batch is exhausted. Like EnsureData, it never blocks: a stalled refill is
// reported as blocked=true plus the channel to wait on. The stream is left
// positioned to resume the refill via ResumePop once that channel fires.
func (s *SourceStream) Pop(ctx context.Context) (blocked bool, ready <-chan struct{}, err error) {
	s.currentRow++
	if s.currentBatch != nil && s.currentRow < s.currentBatch.NumRows() {
		return false, nil, nil
	}
	s.currentBatch = nil
	return s.tryAdvance(ctx)
}

// ResumePop continues a refill that Pop reported as blocked, once the
// caller's future has fired. It is just tryAdvance: Pop already left the
// stream positioned (currentBatch nil, currentRow past the old batch) for
// exactly this retry.
func (s *SourceStream) ResumePop(ctx context.Context) (blocked bool, ready <-chan struct{}, err error) {
	return s.tryAdvance(ctx)
}

// copyPendingRange performs the deferred columnar copy Merge::getOutput
// triggers via SourceStream::copyToOutput.
func copyPendingRange(output *batch.Batch, r *pendingRange) {
	if r == nil || r.length == 0 {
		return
	}
	for col := 0; col < output.NumCols(); col++ {
		dst := output.Columns[col]
		src := r.batch.Columns[col]
		for i := 0; i < r.length; i++ {
			dst.CopyValue(r.dstStart+i, src, r.srcStart+i)
		}
	}
}
