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

package mergeexec

import (
	"context"

	"github.com/pingcap/errors"

	"github.com/pingcap/tidb-memarbiter/pkg/batch"
)

// ErrNotDriverZero is returned by NewLocalMerge when constructed for any
// driver but the pipeline's first, mirroring LocalMerge's precondition
// that only driverId 0 may instantiate the merge (every other driver of
// the same pipeline is a pass-through no-op).
var ErrNotDriverZero = errors.New("mergeexec: local merge must run on driver 0")

// Merge is the operator (C7) driving a tree of losers to completion: pull
// the current winner's row, defer its copy into the output batch, pop the
// stream, advance the tree, repeat until the output batch fills or every
// source is drained.
type Merge struct {
	streams         []*SourceStream
	tree            *LoserTree
	treeBuilt       bool
	colKinds        []batch.Kind
	outputBatchSize int

	output     *batch.Batch
	outputSize int
	finished   bool

	// pendingWinner is set when the previous GetOutput call popped the
	// tree's winner and its refill blocked: the winner's row has already
	// been consumed and copied into output, but tree.Advance() has not run
	// for it yet, since the leaf it would re-seed isn't valid until the
	// refill lands.
	pendingWinner *SourceStream
}

// NewMerge builds a merge operator over sources, ordered by keys, producing
// output batches shaped by colKinds up to outputBatchSize rows each.
func NewMerge(sources []Source, keys []batch.SortKey, colKinds []batch.Kind, outputBatchSize int) *Merge {
	streams := make([]*SourceStream, len(sources))
	for i, s := range sources {
		streams[i] = NewSourceStream(i, s, keys)
	}
	return &Merge{
		streams:         streams,
		colKinds:        colKinds,
		outputBatchSize: outputBatchSize,
		output:          batch.NewBatch(colKinds, outputBatchSize),
	}
}

// GetOutput returns the next output batch. It never blocks the calling
// goroutine: whenever a stream has no buffered row and the source isn't
// ready, it flushes whatever has been produced so far and returns that
// batch (possibly nil, if nothing was pending) alongside a future -- a
// channel the caller should wait on before calling GetOutput again to
// resume. This is the Go-shaped analogue of Merge::getOutput's
// BlockingReason/ContinueFuture pair: isBlocked(futureOut) in the spec is
// just future != nil here. Once both return values come back nil, every
// source is exhausted and there is nothing left to flush.
func (m *Merge) GetOutput(ctx context.Context) (*batch.Batch, <-chan struct{}, error) {
	if m.finished {
		return nil, nil, nil
	}

	// A single source bypasses the tournament entirely: its own batch
	// boundaries are preserved instead of being re-chunked to
	// outputBatchSize.
	if len(m.streams) == 1 {
		return m.getOutputSingleSource(ctx)
	}

	if !m.treeBuilt {
		for _, s := range m.streams {
			blocked, ready, err := s.EnsureData(ctx)
			if err != nil {
				return nil, nil, err
			}
			if blocked {
				return nil, ready, nil
			}
		}
		m.tree = NewLoserTree(m.streams)
		m.treeBuilt = true
	}

	if m.pendingWinner != nil {
		stream := m.pendingWinner
		blocked, ready, err := stream.ResumePop(ctx)
		if err != nil {
			return nil, nil, err
		}
		if blocked {
			return nil, ready, nil
		}
		if stream.AtEnd() {
			if flush := stream.FlushPending(); flush != nil {
				copyPendingRange(m.output, flush)
			}
		}
		m.tree.Advance()
		m.pendingWinner = nil
	}

	for {
		w := m.tree.Winner()
		if w == -1 {
			m.flushAll()
			m.finished = true
			out, err := m.sealBatch()
			return out, nil, err
		}

		stream := m.streams[w]
		if flush := stream.SetOutputRow(m.outputSize); flush != nil {
			copyPendingRange(m.output, flush)
		}
		m.outputSize++

		blocked, ready, err := stream.Pop(ctx)
		if err != nil {
			return nil, nil, err
		}
		if blocked {
			// The winner has no row to compare with until this refill
			// lands; flush what's been produced so far and hand the
			// caller a future instead of blocking here.
			m.pendingWinner = stream
			m.flushAll()
			out, err := m.sealBatch()
			if err != nil {
				return nil, nil, err
			}
			return out, ready, nil
		}
		if stream.AtEnd() {
			if flush := stream.FlushPending(); flush != nil {
				copyPendingRange(m.output, flush)
			}
		}
		m.tree.Advance()

		if m.outputSize == m.outputBatchSize {
			m.flushAll()
			out, err := m.sealBatch()
			return out, nil, err
		}
	}
}

// getOutputSingleSource implements the numSources == 1 special case: the
// source's own batches pass straight through, unchanged and unbuffered,
// since there is no second stream to merge against.
func (m *Merge) getOutputSingleSource(ctx context.Context) (*batch.Batch, <-chan struct{}, error) {
	b, ready, eof, err := m.streams[0].source.Poll(ctx)
	if err != nil {
		return nil, nil, err
	}
	if eof {
		m.finished = true
		return nil, nil, nil
	}
	if b == nil {
		return nil, ready, nil
	}
	return b, nil, nil
}

// flushAll forces every stream's pending range into the current output
// batch; called at an output-batch boundary (where a stream may still hold
// a just-extended range) and once the merge has fully drained.
func (m *Merge) flushAll() {
	for _, s := range m.streams {
		if flush := s.FlushPending(); flush != nil {
			copyPendingRange(m.output, flush)
		}
	}
}

// sealBatch trims the current output batch to the rows actually written
// and swaps in a fresh one for the next call.
func (m *Merge) sealBatch() (*batch.Batch, error) {
	out := m.output
	out.Resize(m.outputSize)
	n := m.outputSize

	m.output = batch.NewBatch(m.colKinds, m.outputBatchSize)
	m.outputSize = 0

	if n == 0 {
		return nil, nil
	}
	return out, nil
}

// LocalMerge is a Merge over sources that are already local to this
// process (e.g. several sorted spill runs feeding one pipeline). Per
// LocalMerge's precondition in Merge.cpp, it may only be constructed for
// the pipeline's first driver; every other driver is expected to be a
// no-op passthrough for this operator.
type LocalMerge struct {
	*Merge
}

// NewLocalMerge constructs a LocalMerge, failing if driverID != 0.
func NewLocalMerge(driverID int, sources []Source, keys []batch.SortKey, colKinds []batch.Kind, outputBatchSize int) (*LocalMerge, error) {
	if driverID != 0 {
		return nil, errors.Annotatef(ErrNotDriverZero, "got driver %d", driverID)
	}
	return &LocalMerge{Merge: NewMerge(sources, keys, colKinds, outputBatchSize)}, nil
}
