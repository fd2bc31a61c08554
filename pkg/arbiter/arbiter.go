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

package arbiter

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"

	"github.com/pingcap/tidb-memarbiter/pkg/arblog"
	"github.com/pingcap/tidb-memarbiter/pkg/memquota"
)

// ErrNoCapacityAvailable is returned once Phase A, B (and, if enabled,
// Phase C) have all failed to produce enough capacity for a request.
var ErrNoCapacityAvailable = errors.New("arbiter: no capacity available")

// Arbitrator is the process-wide coordinator (C3): every root pool that
// wants to grow beyond its current capacity calls GrowCapacity here instead
// of growing itself, the same inversion sortexec's spill action takes over
// a bare Tracker.Consume -- except here the "action" can also reach into
// other queries' pools, not just its own subtree.
type Arbitrator struct {
	cfg Config

	mu         sync.Mutex
	roots      map[uuid.UUID]*memquota.Pool
	freeBytes  int64 // capacity not yet handed out to any root
	stats      ArbitratorStats

	// lockQueue implements FIFO admission into the arbitration critical
	// section: only one GrowCapacity call runs Phase A/B/C at a time, and
	// callers are served in arrival order, matching the design notes'
	// "waiters are served FIFO, never by request size" requirement.
	lockMu    sync.Mutex
	lockQueue *list.List
	locked    bool
}

// New creates an Arbitrator with the process-wide budget in cfg.
func New(cfg Config) *Arbitrator {
	return &Arbitrator{
		cfg:       cfg,
		roots:     make(map[uuid.UUID]*memquota.Pool),
		freeBytes: cfg.MemoryCapacity,
		lockQueue: list.New(),
	}
}

// RegisterRoot adds root to the set of pools this arbiter governs and
// grants it its initial capacity out of the shared budget.
func (a *Arbitrator) RegisterRoot(root *memquota.Pool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeBytes < a.cfg.MemoryPoolInitCapacity {
		return errors.Annotate(ErrNoCapacityAvailable, "no capacity left to register a new root")
	}
	a.freeBytes -= a.cfg.MemoryPoolInitCapacity
	a.roots[root.ID] = root
	return nil
}

// UnregisterRoot removes root and returns its current capacity to the
// shared free pool. The caller must have already released every
// reservation on root.
func (a *Arbitrator) UnregisterRoot(root *memquota.Pool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.roots[root.ID]; !ok {
		return
	}
	delete(a.roots, root.ID)
	a.freeBytes += root.Capacity()
}

// Stats returns the live counters, for pkg/arbmetrics to read on each
// Prometheus collection pass.
func (a *Arbitrator) Stats() *ArbitratorStats {
	return &a.stats
}

// ShrinkCapacity voluntarily gives back up to target bytes of root's idle
// capacity to the shared free pool, the counterpart callers use when a
// query's working set drops (e.g. after a spill) instead of waiting for
// another requester's Phase A to notice and take it. It never touches
// reserved bytes: root.Shrink already refuses to cut below that.
func (a *Arbitrator) ShrinkCapacity(root *memquota.Pool, target int64) (int64, error) {
	shrunk, err := root.Shrink(target)
	if err != nil {
		return 0, err
	}
	if shrunk > 0 {
		a.mu.Lock()
		a.freeBytes += shrunk
		a.mu.Unlock()
		a.stats.NumShrinks.Add(1)
	}
	return shrunk, nil
}

// acquire blocks the caller until it is at the front of the FIFO
// arbitration queue, then returns a release function.
func (a *Arbitrator) acquire(ctx context.Context) (func(), error) {
	a.lockMu.Lock()
	if !a.locked {
		a.locked = true
		a.lockMu.Unlock()
		return a.release, nil
	}
	ch := make(chan struct{})
	elem := a.lockQueue.PushBack(ch)
	a.lockMu.Unlock()

	select {
	case <-ch:
		return a.release, nil
	case <-ctx.Done():
		a.lockMu.Lock()
		a.lockQueue.Remove(elem)
		a.lockMu.Unlock()
		return nil, ctx.Err()
	}
}

func (a *Arbitrator) release() {
	a.lockMu.Lock()
	front := a.lockQueue.Front()
	if front == nil {
		a.locked = false
		a.lockMu.Unlock()
		return
	}
	a.lockQueue.Remove(front)
	a.lockMu.Unlock()
	close(front.Value.(chan struct{}))
}

// donor pairs a non-requester root with its reclaimable byte estimate, the
// unit the btree orders Phase B candidates by.
type donor struct {
	root          *memquota.Pool
	reclaimable   int64
}

// donorLess orders donors by descending reclaimable bytes so the btree's
// ascending iteration visits the richest donor first, breaking ties by ID
// for a deterministic order across runs.
func donorLess(a, b donor) bool {
	if a.reclaimable != b.reclaimable {
		return a.reclaimable > b.reclaimable
	}
	return a.root.ID.String() < b.root.ID.String()
}

// GrowCapacity implements memquota.Arbiter: it is the only path a root
// pool has to increase its capacity once local headroom is exhausted. It
// runs, in order, Phase A (reclaim idle capacity from other roots), Phase B
// (pause a donor's task and ask its reclaimable operator to spill) and,
// if cfg.AbortOnOOM, Phase C (abort a victim and seize its capacity).
func (a *Arbitrator) GrowCapacity(ctx context.Context, root *memquota.Pool, request int64) (int64, error) {
	a.stats.NumRequests.Add(1)
	start := time.Now()

	if a.cfg.ArbitrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ArbitrationTimeout)
		defer cancel()
	}

	release, err := a.acquire(ctx)
	if err != nil {
		a.stats.NumFailures.Add(1)
		return 0, errors.Annotate(err, "arbiter: timed out waiting for arbitration turn")
	}
	defer release()
	a.stats.QueueTimeNs.Add(time.Since(start).Nanoseconds())

	failpoint.Inject("globalArbitrationRetry", func() {
		a.stats.NumFailures.Add(1)
		failpoint.Return(int64(0), errors.Annotate(ErrNoCapacityAvailable, "injected retry"))
	})

	granted, err := a.arbitrateLocked(ctx, root, request)
	if err != nil {
		a.stats.NumFailures.Add(1)
		return granted, err
	}
	a.stats.NumSucceeded.Add(1)
	return granted, nil
}

// arbitrateLocked runs Phase A/B/C and returns the amount actually seized.
// It only ever calls root.Grow once, at the very end, on whatever was
// accumulated across every phase that ran -- each phase below only moves
// bytes out of a freeBytes/sibling-capacity/donor ledger and into
// `granted`, it never touches root.capacity directly.
func (a *Arbitrator) arbitrateLocked(ctx context.Context, root *memquota.Pool, request int64) (int64, error) {
	remaining := request
	var granted int64

	// Phase A.1: serve straight from the shared free pool if there is any.
	a.mu.Lock()
	take := min64(remaining, a.freeBytes)
	a.freeBytes -= take
	a.mu.Unlock()
	remaining -= take
	granted += take

	// Phase A.2: reclaim idle (unreserved) capacity sitting in sibling
	// roots before touching anything that is actually in use, largest idle
	// capacity first.
	siblings := a.siblingRoots(root)
	idleBytes := make(map[*memquota.Pool]int64, len(siblings))
	for _, sib := range siblings {
		idleBytes[sib] = sib.IdleCapacity()
	}
	sort.Slice(siblings, func(i, j int) bool {
		return idleBytes[siblings[i]] > idleBytes[siblings[j]]
	})
	for _, sib := range siblings {
		if remaining == 0 {
			break
		}
		idle := sib.IdleCapacity()
		if idle <= 0 {
			continue
		}
		take := min64(remaining, idle)
		shrunk, err := sib.Shrink(take)
		if err != nil || shrunk == 0 {
			continue
		}
		remaining -= shrunk
		granted += shrunk
		a.stats.ReclaimedFreeBytes.Add(shrunk)
	}

	if remaining == 0 {
		// Phase A alone satisfied the request; no global arbitration.
		a.stats.LocalArbitrationCount.Add(1)
	} else if a.cfg.GlobalArbitrationEnabled {
		a.stats.GlobalArbitrationWaitCount.Add(1)

		// Phase B: pause donors' tasks and ask their reclaimable pools to
		// spill, richest donor first.
		remaining = a.reclaimFromDonors(ctx, root, remaining, &granted)

		// Phase C: abort a victim if configured to, seizing its capacity.
		if remaining > 0 && a.cfg.AbortOnOOM {
			remaining = a.abortVictim(root, remaining, &granted)
		}
	}

	if granted > 0 {
		if err := root.Grow(granted); err != nil {
			return 0, err
		}
	}
	if remaining > 0 {
		return granted, errors.Annotatef(ErrNoCapacityAvailable, "%d of %d bytes could not be reclaimed", remaining, request)
	}
	return granted, nil
}

func (a *Arbitrator) siblingRoots(requester *memquota.Pool) []*memquota.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*memquota.Pool, 0, len(a.roots))
	for id, r := range a.roots {
		if id == requester.ID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// reclaimFromDonors walks donor pools ordered by reclaimable bytes,
// pausing each owning task, invoking Reclaim, and folding the result into
// *granted. It returns the amount still unmet.
func (a *Arbitrator) reclaimFromDonors(ctx context.Context, requester *memquota.Pool, remaining int64, granted *int64) int64 {
	tree := btree.NewG(32, donorLess)
	for _, sib := range a.siblingRoots(requester) {
		r := sib.Reclaimer()
		if r == nil || !r.CanReclaim() {
			continue
		}
		amount := r.ReclaimableBytes()
		if amount <= 0 {
			continue
		}
		tree.ReplaceOrInsert(donor{root: sib, reclaimable: amount})
	}

	tree.Ascend(func(d donor) bool {
		if remaining <= 0 {
			return false
		}
		task := d.root.Task()
		reclaimer := d.root.Reclaimer()
		if reclaimer == nil || !reclaimer.CanReclaim() {
			return true
		}

		var resume func()
		if task != nil {
			var err error
			resume, err = pauseTask(ctx, task)
			if err != nil {
				if arblog.Limited("pause-timeout:"+d.root.Name, 5*time.Second) {
					arblog.For("arbiter").Warn("donor pause timed out, skipping")
				}
				return true
			}
			a.stats.TaskPauseCount.Add(1)
		}

		failpoint.Inject("pauseBeforeReclaim", func() {
			arblog.For("arbiter").Info("pauseBeforeReclaim failpoint hit, donor paused")
		})

		var stats memquota.ReclaimStats
		reclaimed, err := reclaimer.Reclaim(ctx, remaining, &stats)
		if resume != nil {
			resume()
		}
		a.stats.NumReclaims.Add(1)
		a.stats.ReclaimedUsedBytes.Add(reclaimed)
		a.stats.ReclaimExecTimeNs.Add(stats.ReclaimExecTime.Nanoseconds())
		if err != nil || reclaimed <= 0 {
			return true
		}

		shrunk, _ := d.root.Shrink(reclaimed)
		remaining -= shrunk
		*granted += shrunk
		return true
	})
	return remaining
}

// pauseTask is a small indirection over the concrete *Task.RequestPause so
// reclaimFromDonors can work against memquota.PauseController while still
// calling the richer *Task API when available.
func pauseTask(ctx context.Context, pc memquota.PauseController) (func(), error) {
	t, ok := pc.(*Task)
	if !ok {
		// A PauseController that isn't a *Task (e.g. in unit tests) is
		// assumed to already satisfy the "safe to reclaim" precondition.
		return func() {}, nil
	}
	return t.RequestPause(ctx)
}

// abortVictim picks the sibling root holding the most reserved bytes and
// aborts it outright, the last-resort Phase C described in the design
// notes for when no donor can give back enough through reclaim alone.
func (a *Arbitrator) abortVictim(requester *memquota.Pool, remaining int64, granted *int64) int64 {
	var victim *memquota.Pool
	var victimReserved int64
	for _, sib := range a.siblingRoots(requester) {
		if sib.Reserved() > victimReserved {
			victim = sib
			victimReserved = sib.Reserved()
		}
	}
	if victim == nil || victimReserved == 0 {
		return remaining
	}

	victim.Abort(memquota.ErrOutOfMemory)
	a.stats.NumAborted.Add(1)

	// The victim's outstanding allocations are being torn down along with
	// it; drop its accounting before shrinking, otherwise Shrink would
	// refuse to cut into bytes a now-dead query will never release.
	victim.Free(victim.Used())
	victim.Unreserve(victim.Reserved())

	freed := victim.Capacity()
	shrunk, _ := victim.Shrink(freed)
	take := min64(remaining, shrunk)
	*granted += take

	// Of the victim's seized capacity, victimReserved bytes were actually
	// in use (and are now "reclaimed used"); whatever is left of shrunk was
	// idle headroom the victim never touched.
	usedPortion := min64(victimReserved, shrunk)
	a.stats.ReclaimedUsedBytes.Add(usedPortion)
	a.stats.ReclaimedFreeBytes.Add(shrunk - usedPortion)

	a.mu.Lock()
	a.freeBytes += shrunk - take
	a.mu.Unlock()
	return remaining - take
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
