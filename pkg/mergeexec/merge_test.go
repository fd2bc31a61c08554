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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb-memarbiter/pkg/batch"
)

// sliceSource is a Source that hands out pre-built batches one at a time,
// optionally stalling once -- returning a ready channel instead of a batch
// -- right before serving batches[blockBeforeIdx], enough to exercise
// GetOutput's blocking-future path without real I/O.
type sliceSource struct {
	batches        []*batch.Batch
	idx            int
	blockBeforeIdx int // -1 disables stalling
	blocked        bool
}

func (s *sliceSource) Poll(ctx context.Context) (*batch.Batch, <-chan struct{}, bool, error) {
	if s.idx >= len(s.batches) {
		return nil, nil, true, nil
	}
	if s.idx == s.blockBeforeIdx && !s.blocked {
		s.blocked = true
		ch := make(chan struct{})
		go func() {
			time.Sleep(5 * time.Millisecond)
			close(ch)
		}()
		return nil, ch, false, nil
	}
	b := s.batches[s.idx]
	s.idx++
	return b, nil, false, nil
}

func intBatch(vals ...int64) *batch.Batch {
	b := batch.NewBatch([]batch.Kind{batch.Int64Kind}, len(vals))
	copy(b.Columns[0].Int64s, vals)
	return b
}

// collectAll drains m to completion, waiting on every future it hands back
// instead of blocking inside GetOutput itself.
func collectAll(t *testing.T, m *Merge) []int64 {
	var out []int64
	for {
		b, future, err := m.GetOutput(context.Background())
		require.NoError(t, err)
		if b != nil {
			out = append(out, b.Columns[0].Int64s[:b.NumRows()]...)
		}
		if future != nil {
			<-future
			continue
		}
		if b == nil {
			return out
		}
	}
}

func ascendingKeys() []batch.SortKey {
	return []batch.SortKey{{Column: 0, Ascending: true, NullsFirst: true}}
}

func TestMergeThreeSourcesProducesSortedOutput(t *testing.T) {
	sources := []Source{
		&sliceSource{batches: []*batch.Batch{intBatch(1, 4, 9)}, blockBeforeIdx: -1},
		&sliceSource{batches: []*batch.Batch{intBatch(2, 3, 10)}, blockBeforeIdx: -1},
		&sliceSource{batches: []*batch.Batch{intBatch(0, 5, 6)}, blockBeforeIdx: -1},
	}
	m := NewMerge(sources, ascendingKeys(), []batch.Kind{batch.Int64Kind}, 4)

	got := collectAll(t, m)
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 9, 10}, got)
}

func TestMergeSingleSourceIsPassThrough(t *testing.T) {
	sources := []Source{
		&sliceSource{batches: []*batch.Batch{intBatch(1, 2, 3)}, blockBeforeIdx: -1},
	}
	// outputBatchSize is deliberately smaller than the source's own batch to
	// prove the single-source path bypasses tournament re-chunking.
	m := NewMerge(sources, ascendingKeys(), []batch.Kind{batch.Int64Kind}, 1)

	out, future, err := m.GetOutput(context.Background())
	require.NoError(t, err)
	require.Nil(t, future)
	require.Equal(t, 3, out.NumRows())
	require.Equal(t, []int64{1, 2, 3}, out.Columns[0].Int64s[:out.NumRows()])

	done, future, err := m.GetOutput(context.Background())
	require.NoError(t, err)
	require.Nil(t, future)
	require.Nil(t, done)
}

func TestMergeBlocksUntilSourceIsReady(t *testing.T) {
	sources := []Source{
		&sliceSource{batches: []*batch.Batch{intBatch(5)}, blockBeforeIdx: 0},
		&sliceSource{batches: []*batch.Batch{intBatch(1, 2)}, blockBeforeIdx: -1},
	}
	m := NewMerge(sources, ascendingKeys(), []batch.Kind{batch.Int64Kind}, 10)

	start := time.Now()
	out, future, err := m.GetOutput(context.Background())
	require.NoError(t, err)
	require.Nil(t, out)
	require.NotNil(t, future, "a stalled source must surface a future instead of blocking GetOutput")
	require.Less(t, time.Since(start), 5*time.Millisecond)

	got := collectAll(t, m)
	require.Equal(t, []int64{1, 2, 5}, got)
}

func TestMergeFlushesConsumedRowsAndReturnsFutureWhenWinnerStalls(t *testing.T) {
	sources := []Source{
		&sliceSource{batches: []*batch.Batch{intBatch(1, 10), intBatch(11)}, blockBeforeIdx: 1},
		&sliceSource{batches: []*batch.Batch{intBatch(2, 3)}, blockBeforeIdx: -1},
	}
	m := NewMerge(sources, ascendingKeys(), []batch.Kind{batch.Int64Kind}, 10)

	start := time.Now()
	out, future, err := m.GetOutput(context.Background())
	require.NoError(t, err)
	require.NotNil(t, future, "the winning stream's stalled refill must surface as a future")
	require.Less(t, time.Since(start), 5*time.Millisecond)
	require.NotNil(t, out, "rows consumed before the stall must still be emitted")
	require.Equal(t, []int64{1, 2, 3, 10}, out.Columns[0].Int64s[:out.NumRows()])

	<-future

	rest, future2, err := m.GetOutput(context.Background())
	require.NoError(t, err)
	require.Nil(t, future2)
	require.Equal(t, []int64{11}, rest.Columns[0].Int64s[:rest.NumRows()])
}

func TestMergeRespectsOutputBatchSize(t *testing.T) {
	sources := []Source{
		&sliceSource{batches: []*batch.Batch{intBatch(1, 3, 5)}, blockBeforeIdx: -1},
		&sliceSource{batches: []*batch.Batch{intBatch(2, 4)}, blockBeforeIdx: -1},
	}
	m := NewMerge(sources, ascendingKeys(), []batch.Kind{batch.Int64Kind}, 2)

	first, future, err := m.GetOutput(context.Background())
	require.NoError(t, err)
	require.Nil(t, future)
	require.Equal(t, 2, first.NumRows())
}

func TestLocalMergeRejectsNonZeroDriver(t *testing.T) {
	_, err := NewLocalMerge(1, nil, ascendingKeys(), []batch.Kind{batch.Int64Kind}, 10)
	require.ErrorIs(t, err, ErrNotDriverZero)
}
