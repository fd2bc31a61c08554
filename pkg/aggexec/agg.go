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

// Package aggexec implements a minimal single-key-column, sum-aggregate
// hash aggregation operator whose only purpose is to give the arbitrator
// (C3) and the pause protocol (C4) a second, independent Reclaimer to
// arbitrate against besides the merge operator's spill path. It is
// grounded on aggregate.AggSpillDiskAction's pattern of wiring a
// Tracker-style fallback action directly into an operator's hash table.
package aggexec

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"

	"github.com/pingcap/tidb-memarbiter/pkg/arblog"
	"github.com/pingcap/tidb-memarbiter/pkg/batch"
	"github.com/pingcap/tidb-memarbiter/pkg/memquota"
	"github.com/pingcap/tidb-memarbiter/pkg/spillstore"
)

const bytesPerGroup = 64 // crude per-group accounting unit, deliberately rough

type groupState struct {
	key   int64
	sum   float64
	count int64
}

// HashAgg is a toy grouping-sum aggregator: GROUP BY the int64 key column,
// SUM the float64 value column. It reserves bytesPerGroup in its pool for
// every new group and advertises itself as reclaimable by spilling whole
// groups out to a spillstore.Store, exactly the lever pkg/arbiter's Phase B
// pulls via Pool.Reclaimer().
type HashAgg struct {
	mu     sync.Mutex
	pool   *memquota.Pool
	store  *spillstore.Store
	codec  spillstore.Codec
	groups map[int64]*groupState
	order  []int64 // insertion order, spilled oldest-first
	spillKey spillstore.Key
	spilled  int
}

// New creates a HashAgg using pool for accounting and store for spilling.
// The returned operator has NonReclaimable attached; call EnableReclaim to
// opt into Phase B participation once the caller is ready to also attach a
// pause-aware Task to the pool.
func New(pool *memquota.Pool, store *spillstore.Store) *HashAgg {
	a := &HashAgg{
		pool:     pool,
		store:    store,
		codec:    spillstore.BinaryCodec{Kinds: []batch.Kind{batch.Int64Kind, batch.Float64Kind}},
		groups:   make(map[int64]*groupState),
		spillKey: store.NewKey(),
	}
	pool.SetReclaimer(memquota.NonReclaimable)
	return a
}

// EnableReclaim attaches a Reclaimer to the operator's pool backed by
// a.Reclaim, making it a Phase B candidate.
func (a *HashAgg) EnableReclaim() {
	a.pool.SetReclaimer(&memquota.OperatorReclaimer{
		ReclaimableBytesFunc: a.ReclaimableBytes,
		ReclaimFunc:          a.Reclaim,
	})
}

// AddBatch folds every row of b (column 0 = group key, column 1 = value)
// into the hash table, reserving memory for any newly created group.
func (a *HashAgg) AddBatch(ctx context.Context, b *batch.Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := b.Columns[0].Int64s
	vals := b.Columns[1].Float64s
	for i := 0; i < b.NumRows(); i++ {
		if b.Columns[0].IsNull(i) {
			continue
		}
		k := keys[i]
		g, ok := a.groups[k]
		if !ok {
			if err := a.pool.Reserve(ctx, bytesPerGroup); err != nil {
				return errors.Annotate(err, "aggexec: reserve for new group")
			}
			if err := a.pool.Allocate(bytesPerGroup); err != nil {
				a.pool.Unreserve(bytesPerGroup)
				return errors.Annotate(err, "aggexec: allocate for new group")
			}
			g = &groupState{key: k}
			a.groups[k] = g
			a.order = append(a.order, k)
		}
		if !b.Columns[1].IsNull(i) {
			g.sum += vals[i]
		}
		g.count++
	}
	return nil
}

// Result drains every in-memory group into a single output batch. Callers
// needing spilled groups back must separately read them from the spill
// store before calling Result, the same two-phase "merge memory + spilled
// runs" shape sortexec's finalizer uses.
func (a *HashAgg) Result() *batch.Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.order)
	out := batch.NewBatch([]batch.Kind{batch.Int64Kind, batch.Float64Kind}, n)
	for i, k := range a.order {
		g := a.groups[k]
		out.Columns[0].Int64s[i] = g.key
		out.Columns[1].Float64s[i] = g.sum
	}
	return out
}

// ReclaimableBytes reports how much memory could be freed by spilling
// every currently resident group.
func (a *HashAgg) ReclaimableBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.groups)) * bytesPerGroup
}

// Reclaim spills groups, oldest first, until target bytes have been freed
// or the table is empty. It is only safe to call while this operator's
// task is paused, per the C4 precondition memquota.Reclaimer documents.
func (a *HashAgg) Reclaim(ctx context.Context, target int64, stats *memquota.ReclaimStats) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := time.Now()
	defer func() { stats.ReclaimExecTime += time.Since(start) }()

	failpoint.Inject("aggexecSpillFailure", func() {
		failpoint.Return(int64(0), errors.New("aggexec: injected spill failure"))
	})

	w := a.store.NewWriter(a.spillKey, a.codec)
	var freed int64
	var spilledRows []int64
	for freed < target && len(a.order) > 0 {
		k := a.order[0]
		a.order = a.order[1:]
		g, ok := a.groups[k]
		if !ok {
			continue
		}
		b := batch.NewBatch([]batch.Kind{batch.Int64Kind, batch.Float64Kind}, 1)
		b.Columns[0].Int64s[0] = g.key
		b.Columns[1].Float64s[0] = g.sum
		if err := w.WriteBatch(b); err != nil {
			return freed, errors.Trace(err)
		}
		delete(a.groups, k)
		spilledRows = append(spilledRows, k)
		freed += bytesPerGroup
	}
	if err := w.Close(); err != nil {
		return freed, errors.Trace(err)
	}
	if freed > 0 {
		a.pool.Free(freed)
		a.pool.Unreserve(freed)
		a.spilled += len(spilledRows)
		stats.ReclaimedBytes += freed
		arblog.For("aggexec").Info("spilled groups to reclaim memory")
	}
	return freed, nil
}
