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

package batch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeInt64Batch(vals []int64, nulls []bool) *Batch {
	b := NewBatch([]Kind{Int64Kind}, len(vals))
	copy(b.Columns[0].Int64s, vals)
	if nulls != nil {
		copy(b.Columns[0].Nulls, nulls)
	}
	return b
}

func TestCompareRowsAscending(t *testing.T) {
	a := makeInt64Batch([]int64{1, 5}, nil)
	b := makeInt64Batch([]int64{2, 5}, nil)
	keys := []SortKey{{Column: 0, Ascending: true, NullsFirst: true}}

	require.Negative(t, CompareRows(a, 0, b, 0, keys))
	require.Zero(t, CompareRows(a, 1, b, 1, keys))
	require.Positive(t, CompareRows(b, 0, a, 0, keys))
}

func TestCompareRowsDescending(t *testing.T) {
	a := makeInt64Batch([]int64{1, 2}, nil)
	keys := []SortKey{{Column: 0, Ascending: false, NullsFirst: true}}
	require.Positive(t, CompareRows(a, 0, a, 1, keys))
}

func TestCompareRowsNullsFirst(t *testing.T) {
	a := makeInt64Batch([]int64{0, 5}, []bool{true, false})
	keys := []SortKey{{Column: 0, Ascending: true, NullsFirst: true}}
	require.Negative(t, CompareRows(a, 0, a, 1, keys))
}

func TestCompareRowsNullsLast(t *testing.T) {
	a := makeInt64Batch([]int64{0, 5}, []bool{true, false})
	keys := []SortKey{{Column: 0, Ascending: true, NullsFirst: false}}
	require.Positive(t, CompareRows(a, 0, a, 1, keys))
}

func TestCompareRowsMultiKeyTieBreak(t *testing.T) {
	a := NewBatch([]Kind{Int64Kind, Int64Kind}, 2)
	a.Columns[0].Int64s = []int64{1, 1}
	a.Columns[1].Int64s = []int64{9, 3}
	keys := []SortKey{
		{Column: 0, Ascending: true, NullsFirst: true},
		{Column: 1, Ascending: true, NullsFirst: true},
	}
	require.Positive(t, CompareRows(a, 0, a, 1, keys))
}

func TestColumnResizePreservesExistingValues(t *testing.T) {
	c := NewColumn(Int64Kind, 2)
	c.Int64s[0], c.Int64s[1] = 10, 20
	c.Resize(4)
	require.Equal(t, 4, c.Len())
	require.EqualValues(t, 10, c.Int64s[0])
	require.EqualValues(t, 20, c.Int64s[1])
}
