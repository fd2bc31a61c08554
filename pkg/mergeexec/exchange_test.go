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

func TestExchangeSourceBufferBudgetIsClamped(t *testing.T) {
	small := NewExchangeSource(100, 10<<20, SerdePresto, CompressionZstd)
	require.EqualValues(t, MaxQueuedBytesLowerLimit, small.maxQueuedBytes)

	big := NewExchangeSource(1, 1<<30, SerdePresto, CompressionNone)
	require.EqualValues(t, MaxQueuedBytesUpperLimit, big.maxQueuedBytes)
}

func TestExchangeSourcePollBlocksUntilEnqueue(t *testing.T) {
	src := NewExchangeSource(2, 4<<20, SerdeCompactRow, CompressionLZ4)

	_, ready, eof, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.False(t, eof)
	require.NotNil(t, ready)

	src.Enqueue(intBatch(1, 2), 16)

	select {
	case <-ready:
	default:
		t.Fatal("ready channel should be closed after Enqueue")
	}

	b, _, eof, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.False(t, eof)
	require.Equal(t, []int64{1, 2}, b.Columns[0].Int64s)
}

func TestExchangeSourceCloseSignalsEOF(t *testing.T) {
	src := NewExchangeSource(1, 4<<20, SerdeUnknown, CompressionNone)
	src.Close()
	_, _, eof, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, eof)
}

func TestRemoteMergeClosesWithShuffleStats(t *testing.T) {
	a := NewExchangeSource(2, 4<<20, SerdePresto, CompressionZstd)
	b := NewExchangeSource(2, 4<<20, SerdeCompactRow, CompressionLZ4)
	a.Enqueue(intBatch(1), 8)
	a.Close()
	b.Enqueue(intBatch(2), 8)
	b.Close()

	m := NewRemoteMerge([]*ExchangeSource{a, b}, ascendingKeys(), []batch.Kind{batch.Int64Kind}, 10)
	got := collectAll(t, m.Merge)
	require.Equal(t, []int64{1, 2}, got)

	stats := m.Close()
	require.Len(t, stats, 2)
	require.Equal(t, SerdePresto, stats[0].Serde)
	require.Equal(t, CompressionLZ4, stats[1].Compression)
}
