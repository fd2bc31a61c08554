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

package memquota

import (
	"context"
	"time"
)

// ReclaimStats accumulates the outcome of a single Reclaim call. The
// arbitrator merges these into its process-wide ArbitratorStats after each
// donor visit in Phase B.
type ReclaimStats struct {
	ReclaimedBytes  int64
	ReclaimExecTime time.Duration
}

// Reclaimer is the capability a pool advertises if the operator owning it
// can spill. The design notes ask for a tagged-variant replacement of an
// inheritance hierarchy; in Go that's just an interface with a couple of
// concrete implementations rather than a base class.
//
// Precondition: Reclaim is only ever called while the owning task is
// paused (see the PauseController this pool was attached with).
//
// Reclaim is responsible for adjusting its own pool's accounting for
// whatever it frees, via Pool.Free and Pool.Unreserve -- the arbitrator
// only shrinks the pool's capacity ceiling once Reclaim returns, it never
// touches reserved/used itself.
type Reclaimer interface {
	// CanReclaim reports whether this pool participates in Phase B at all.
	// Non-reclaimable operators return false and are never asked to pause.
	CanReclaim() bool
	// ReclaimableBytes is a best-effort upper bound on what Reclaim could
	// free right now.
	ReclaimableBytes() int64
	// Reclaim must free at least min(target, ReclaimableBytes()) when
	// possible; it may free less, but never more than currently allocated.
	Reclaim(ctx context.Context, target int64, stats *ReclaimStats) (reclaimed int64, err error)
}

type nonReclaimable struct{}

func (nonReclaimable) CanReclaim() bool      { return false }
func (nonReclaimable) ReclaimableBytes() int64 { return 0 }
func (nonReclaimable) Reclaim(context.Context, int64, *ReclaimStats) (int64, error) {
	return 0, nil
}

// NonReclaimable is the capability attached to operators that cannot spill.
// The arbitrator skips them entirely in Phase B instead of pausing their
// task for nothing.
var NonReclaimable Reclaimer = nonReclaimable{}

// OperatorReclaimer adapts a pair of closures into a Reclaimer, the
// function-pointer-like handler record the design notes ask for in place of
// a reclaimable-operator base class.
type OperatorReclaimer struct {
	ReclaimableBytesFunc func() int64
	ReclaimFunc          func(ctx context.Context, target int64, stats *ReclaimStats) (int64, error)
}

// CanReclaim always returns true; construct a NonReclaimable instead of an
// OperatorReclaimer for operators that can't spill.
func (o *OperatorReclaimer) CanReclaim() bool { return true }

// ReclaimableBytes delegates to ReclaimableBytesFunc.
func (o *OperatorReclaimer) ReclaimableBytes() int64 {
	return o.ReclaimableBytesFunc()
}

// Reclaim delegates to ReclaimFunc.
func (o *OperatorReclaimer) Reclaim(ctx context.Context, target int64, stats *ReclaimStats) (int64, error) {
	return o.ReclaimFunc(ctx, target, stats)
}

// PauseController is the minimal slice of the task pause protocol (C4) that
// the pool tree needs: a way to ask "is my owning task paused" without
// importing the arbiter package, which would create an import cycle since
// the arbiter package needs to see Pool. The arbiter.Task type implements
// this interface.
type PauseController interface {
	// Paused reports whether the task is currently fully paused (every
	// driver suspended, blocked or yielded).
	Paused() bool
}
