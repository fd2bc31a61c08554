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

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb-memarbiter/pkg/batch"
)

func newTestStream(t *testing.T, id int, vals []int64) *SourceStream {
	s := &sliceSource{batches: []*batch.Batch{intBatch(vals...)}, blockBeforeIdx: -1}
	stream := NewSourceStream(id, s, ascendingKeys())
	blocked, _, err := stream.EnsureData(context.Background())
	require.NoError(t, err)
	require.False(t, blocked)
	return stream
}

func drainWinners(t *testing.T, lt *LoserTree, streams []*SourceStream) []int64 {
	var out []int64
	for {
		w := lt.Winner()
		if w == -1 {
			return out
		}
		s := streams[w]
		out = append(out, s.currentBatch.Columns[0].Int64s[s.currentRow])
		_, _, err := s.Pop(context.Background())
		require.NoError(t, err)
		lt.Advance()
	}
}

func TestLoserTreePicksGlobalMinimumEachRound(t *testing.T) {
	streams := []*SourceStream{
		newTestStream(t, 0, []int64{3, 8}),
		newTestStream(t, 1, []int64{1, 6}),
		newTestStream(t, 2, []int64{2, 9}),
	}
	lt := NewLoserTree(streams)
	got := drainWinners(t, lt, streams)
	require.Equal(t, []int64{1, 2, 3, 6, 8, 9}, got)
}

func TestLoserTreeHandlesNonPowerOfTwoStreamCount(t *testing.T) {
	streams := []*SourceStream{
		newTestStream(t, 0, []int64{5}),
		newTestStream(t, 1, []int64{1}),
		newTestStream(t, 2, []int64{3}),
		newTestStream(t, 3, []int64{4}),
		newTestStream(t, 4, []int64{2}),
	}
	lt := NewLoserTree(streams)
	got := drainWinners(t, lt, streams)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)
}

func TestLoserTreeSingleStream(t *testing.T) {
	streams := []*SourceStream{newTestStream(t, 0, []int64{1, 2, 3})}
	lt := NewLoserTree(streams)
	got := drainWinners(t, lt, streams)
	require.Equal(t, []int64{1, 2, 3}, got)
}
