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

// Package batch implements the minimal columnar batch/row data model shared
// by the memory quota tree and the sort-merge executor. It plays the role of
// velox's RowVector and tidb's chunk.Chunk, trimmed down to what a merge
// operator needs: typed columns, null tracking and order-preserving copies.
package batch

// Kind is the scalar type carried by a Column.
type Kind int

// Supported column kinds. Expression evaluation and file-format specific
// encodings are out of scope, so this list stays intentionally short.
const (
	Int64Kind Kind = iota
	Float64Kind
	StringKind
)

// Column is a single typed, null-aware vector of values.
type Column struct {
	Kind     Kind
	Int64s   []int64
	Float64s []float64
	Strings  []string
	Nulls    []bool
}

// NewColumn allocates a column with capacity pre-sized rows, all non-null.
func NewColumn(kind Kind, capacity int) *Column {
	c := &Column{Kind: kind}
	switch kind {
	case Int64Kind:
		c.Int64s = make([]int64, capacity)
	case Float64Kind:
		c.Float64s = make([]float64, capacity)
	case StringKind:
		c.Strings = make([]string, capacity)
	}
	c.Nulls = make([]bool, capacity)
	return c
}

// Len returns the number of rows currently addressable in the column.
func (c *Column) Len() int {
	return len(c.Nulls)
}

// Resize grows or shrinks the column to exactly n rows.
func (c *Column) Resize(n int) {
	switch c.Kind {
	case Int64Kind:
		c.Int64s = resizeInt64(c.Int64s, n)
	case Float64Kind:
		c.Float64s = resizeFloat64(c.Float64s, n)
	case StringKind:
		c.Strings = resizeString(c.Strings, n)
	}
	c.Nulls = resizeBool(c.Nulls, n)
}

// IsNull reports whether the value at row i is null.
func (c *Column) IsNull(i int) bool {
	return c.Nulls[i]
}

// CopyValue copies one value (and its null flag) from src[srcIdx] into
// this column at dstIdx. Used by the merge operator's deferred,
// per-column output assembly.
func (c *Column) CopyValue(dstIdx int, src *Column, srcIdx int) {
	if src.Nulls[srcIdx] {
		c.Nulls[dstIdx] = true
		return
	}
	c.Nulls[dstIdx] = false
	switch c.Kind {
	case Int64Kind:
		c.Int64s[dstIdx] = src.Int64s[srcIdx]
	case Float64Kind:
		c.Float64s[dstIdx] = src.Float64s[srcIdx]
	case StringKind:
		c.Strings[dstIdx] = src.Strings[srcIdx]
	}
}

// Compare compares the value at row i of c against row j of other,
// ignoring nullness (callers apply null ordering via SortKey first, as
// CompareRows does).
func (c *Column) Compare(i int, other *Column, j int) int {
	switch c.Kind {
	case Int64Kind:
		a, b := c.Int64s[i], other.Int64s[j]
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case Float64Kind:
		a, b := c.Float64s[i], other.Float64s[j]
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case StringKind:
		a, b := c.Strings[i], other.Strings[j]
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func resizeInt64(s []int64, n int) []int64 {
	if n <= cap(s) {
		return s[:n]
	}
	out := make([]int64, n)
	copy(out, s)
	return out
}

func resizeFloat64(s []float64, n int) []float64 {
	if n <= cap(s) {
		return s[:n]
	}
	out := make([]float64, n)
	copy(out, s)
	return out
}

func resizeString(s []string, n int) []string {
	if n <= cap(s) {
		return s[:n]
	}
	out := make([]string, n)
	copy(out, s)
	return out
}

func resizeBool(s []bool, n int) []bool {
	if n <= cap(s) {
		return s[:n]
	}
	out := make([]bool, n)
	copy(out, s)
	return out
}
