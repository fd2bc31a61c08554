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

import "github.com/pingcap/errors"

// ErrCapacityMismatch is returned when a batch operation assumes two
// batches share the same column layout but they don't.
var ErrCapacityMismatch = errors.New("batch: column kind mismatch")

// Batch is a fixed-layout row group: a fixed set of typed columns sharing a
// single row count. It plays the role of velox's RowVector / tidb's
// chunk.Chunk for this module.
type Batch struct {
	Columns []*Column
	numRows int
}

// NewBatch allocates a batch with the given column kinds, each column
// pre-sized to capacity rows.
func NewBatch(kinds []Kind, capacity int) *Batch {
	cols := make([]*Column, len(kinds))
	for i, k := range kinds {
		cols[i] = NewColumn(k, capacity)
	}
	return &Batch{Columns: cols, numRows: capacity}
}

// NumRows returns the batch's current row count.
func (b *Batch) NumRows() int {
	return b.numRows
}

// Resize sets the batch (and every column) to exactly n rows.
func (b *Batch) Resize(n int) {
	for _, c := range b.Columns {
		c.Resize(n)
	}
	b.numRows = n
}

// NumCols returns the number of columns in the batch.
func (b *Batch) NumCols() int {
	return len(b.Columns)
}

// SortKey names one column participating in a sort/merge comparator, with
// the ordering flags velox's CompareFlags expresses: ascending vs
// descending, and where nulls sort relative to values.
type SortKey struct {
	Column     int
	Ascending  bool
	NullsFirst bool
}

// CompareRows compares row rowA of batch a against row rowB of batch b
// across every sort key in order, the way SourceStream::operator< does in
// Merge.cpp: keep comparing while keys tie, stop at the first key that
// orders the rows.
func CompareRows(a *Batch, rowA int, b *Batch, rowB int, keys []SortKey) int {
	for _, k := range keys {
		ca, cb := a.Columns[k.Column], b.Columns[k.Column]
		nullA, nullB := ca.IsNull(rowA), cb.IsNull(rowB)
		if nullA || nullB {
			if nullA == nullB {
				continue
			}
			// Exactly one side is null: nulls-first/last decides the order,
			// independent of the ascending/descending flag (nulls are not
			// compared as values here).
			if nullA {
				if k.NullsFirst {
					return -1
				}
				return 1
			}
			if k.NullsFirst {
				return 1
			}
			return -1
		}
		cmp := ca.Compare(rowA, cb, rowB)
		if !k.Ascending {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}
