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

// Package memquota implements the hierarchical memory-pool tree (spec
// component C1) and the reclaimer capability (C2) it exposes to the
// arbitrator. It is the Go-shaped cousin of pkg/util/memory.Tracker: the
// parent/child accounting and the "consume climbs to the root" shape are
// the same, but here capacity (not just consumption) is tracked per node
// and arbitration is an explicit collaborator instead of an ActionOnExceed
// callback.
package memquota

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Arbiter is the slice of the shared arbitrator (C3) a root pool needs on
// the hot reservation-failure path. Defined here, not in package arbiter,
// to keep the dependency direction one-way: arbiter imports memquota, never
// the reverse.
type Arbiter interface {
	// GrowCapacity asks for at least `request` additional bytes of capacity
	// on `root`, and grows root (via Pool.Grow) by whatever it grants before
	// returning. It returns how much was actually granted; granted may be
	// less than request, in which case the caller should treat it as a
	// failure to fully satisfy the reservation.
	GrowCapacity(ctx context.Context, root *Pool, request int64) (granted int64, err error)
}

// Pool is one node of a per-query memory accounting tree. Intermediate
// pools aggregate their children's usage; only leaf pools perform
// allocations directly (§4.1).
type Pool struct {
	ID     uuid.UUID
	Name   string
	parent *Pool

	root *Pool // self, if this pool is a root

	// Only meaningful on a root pool: guards capacity/reserved/used for the
	// whole subtree. Capacity changes are serialized per root (§3).
	mu sync.Mutex

	children map[uuid.UUID]*Pool

	reserved  int64
	used      int64
	capacity  int64
	maxCap    int64
	transferGranularity int64

	reclaimer Reclaimer
	task      PauseController

	aborted   atomic.Bool
	abortCause error

	arbiter Arbiter // only set on roots that participate in global arbitration
}

// NewRootPool creates a new root pool, owned by a query context for its
// whole lifetime (§3's "roots are owned by their query context").
// initCapacity is the starting grant (memoryPoolInitCapacity), maxCapacity
// bounds how large the root may ever grow, and transferGranularity
// (memoryPoolTransferCapacity) is the unit Reserve rounds the shortfall it
// asks the arbiter for up to. Grow and Shrink apply their deltas unrounded.
func NewRootPool(name string, initCapacity, maxCapacity, transferGranularity int64, arbiter Arbiter) *Pool {
	p := &Pool{
		ID:                  uuid.New(),
		Name:                name,
		capacity:            initCapacity,
		maxCap:              maxCapacity,
		transferGranularity: transferGranularity,
		reclaimer:           NonReclaimable,
		children:            make(map[uuid.UUID]*Pool),
		arbiter:             arbiter,
	}
	p.root = p
	return p
}

// NewChild creates an intermediate or leaf pool attached under parent. A
// child holds only a relation to its parent (no ownership cycle, per the
// design notes); the tree's actual owner is whoever holds the root.
func (p *Pool) NewChild(name string, maxCapacity int64) *Pool {
	root := p.Root()
	child := &Pool{
		ID:       uuid.New(),
		Name:     name,
		parent:   p,
		root:     root,
		capacity: maxCapacity,
		maxCap:   maxCapacity,
		reclaimer: NonReclaimable,
		children: make(map[uuid.UUID]*Pool),
	}
	root.mu.Lock()
	p.children[child.ID] = child
	root.mu.Unlock()
	return child
}

// Root returns the root of this pool's tree.
func (p *Pool) Root() *Pool {
	return p.root
}

// Parent returns this pool's parent, or nil if it is a root.
func (p *Pool) Parent() *Pool {
	return p.parent
}

// IsRoot reports whether this pool is its own root.
func (p *Pool) IsRoot() bool {
	return p.root == p
}

// SetReclaimer attaches the reclaim capability (C2) to this pool.
func (p *Pool) SetReclaimer(r Reclaimer) {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	p.reclaimer = r
}

// Reclaimer returns this pool's reclaim capability.
func (p *Pool) Reclaimer() Reclaimer {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return p.reclaimer
}

// SetTask attaches the owning task's pause controller, consulted by the
// arbitrator before calling Reclaim (§4.2's precondition).
func (p *Pool) SetTask(t PauseController) {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	p.task = t
}

// Task returns this pool's owning task pause controller, or nil.
func (p *Pool) Task() PauseController {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return p.task
}

// Reserved returns the currently reserved byte count.
func (p *Pool) Reserved() int64 {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return p.reserved
}

// Used returns the currently allocated byte count.
func (p *Pool) Used() int64 {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return p.used
}

// Capacity returns the pool's current capacity.
func (p *Pool) Capacity() int64 {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return p.capacity
}

// MaxCapacity returns the pool's ceiling.
func (p *Pool) MaxCapacity() int64 {
	return p.maxCap
}

// IsAborted reports whether this pool's subtree has been aborted.
func (p *Pool) IsAborted() bool {
	return p.aborted.Load()
}

// roundUp rounds bytes up to the root's transfer granularity.
func roundUp(bytes, granularity int64) int64 {
	if granularity <= 0 {
		return bytes
	}
	if bytes%granularity == 0 {
		return bytes
	}
	return (bytes/granularity + 1) * granularity
}

// Reserve increases the reserved counter by bytes, escalating to the
// arbitrator (on the root) if the local capacity can't cover it. It climbs
// the tree the way Tracker.Consume does, but only the root's capacity is
// ever grown by the global arbitrator: an intermediate pool with its own
// (smaller) maxCapacity enforces a hard sub-budget that Reserve never asks
// the arbitrator to lift.
func (p *Pool) Reserve(ctx context.Context, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if p.IsAborted() {
		return &AbortedError{Cause: p.abortCause}
	}

	root := p.Root()
	root.mu.Lock()
	// Walk from this pool to the root, checking each ancestor's own
	// capacity bound before committing any increment.
	chain := p.ancestorChainLocked()
	for _, node := range chain {
		if node.reserved+bytes > node.capacity && node != root {
			root.mu.Unlock()
			return ErrNeedMoreCapacity
		}
	}
	if chain[len(chain)-1] != root {
		root.mu.Unlock()
		return errors.Annotate(ErrInvariantViolation, "ancestor chain does not terminate at root")
	}

	if root.reserved+bytes > root.capacity {
		shortfall := roundUp(root.reserved+bytes-root.capacity, root.transferGranularity)
		root.mu.Unlock()

		if root.arbiter == nil {
			return ErrCapExceeded
		}
		// GrowCapacity grows root.capacity itself as a side effect (via
		// Pool.Grow) before returning; Reserve only needs to re-check
		// whether the grant was enough.
		if _, err := root.arbiter.GrowCapacity(ctx, root, shortfall); err != nil {
			return errors.Annotatef(ErrCapExceeded, "arbitration failed: %v", err)
		}

		root.mu.Lock()
		if root.reserved+bytes > root.capacity {
			root.mu.Unlock()
			return ErrCapExceeded
		}
	}

	for _, node := range chain {
		node.reserved += bytes
	}
	root.mu.Unlock()
	return nil
}

// ancestorChainLocked returns [p, p.parent, ..., root]. Caller must hold
// root.mu.
func (p *Pool) ancestorChainLocked() []*Pool {
	chain := make([]*Pool, 0, 4)
	for n := p; n != nil; n = n.parent {
		chain = append(chain, n)
		if n.IsRoot() {
			break
		}
	}
	return chain
}

// Unreserve releases bytes previously reserved, e.g. after a failed
// allocation or when an operator frees its working set. It is the inverse
// of Reserve and never fails.
func (p *Pool) Unreserve(bytes int64) {
	if bytes <= 0 {
		return
	}
	root := p.Root()
	root.mu.Lock()
	for n := p; n != nil; n = n.parent {
		n.reserved -= bytes
		if n.IsRoot() {
			break
		}
	}
	root.mu.Unlock()
}

// Allocate increments used by bytes; the reservation must already cover it.
func (p *Pool) Allocate(bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if p.IsAborted() {
		return &AbortedError{Cause: p.abortCause}
	}
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	if p.used+bytes > p.reserved {
		return ErrCapExceeded
	}
	for n := p; n != nil; n = n.parent {
		n.used += bytes
		if n.IsRoot() {
			break
		}
	}
	return nil
}

// Free decrements used by bytes.
func (p *Pool) Free(bytes int64) {
	if bytes <= 0 {
		return
	}
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	for n := p; n != nil; n = n.parent {
		n.used -= bytes
		if n.IsRoot() {
			break
		}
	}
}

// Grow is called only by the arbitrator to increase a root's capacity.
func (p *Pool) Grow(delta int64) error {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	if root.capacity+delta > root.maxCap {
		return errors.Annotatef(ErrInvariantViolation, "grow would exceed maxCapacity on pool %q", root.Name)
	}
	root.capacity += delta
	return nil
}

// Shrink is called only by the arbitrator to decrease a root's capacity. It
// refuses to shrink below the currently reserved amount, preserving
// reserved <= capacity.
func (p *Pool) Shrink(delta int64) (int64, error) {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	if delta > root.capacity-root.reserved {
		delta = root.capacity - root.reserved
	}
	if delta < 0 {
		delta = 0
	}
	root.capacity -= delta
	return delta, nil
}

// IdleCapacity reports the root's idle capacity not backing any
// reservation: capacity - reserved. It takes the root lock itself. Used by
// the arbitrator's Phase A survey (reclaimableFreeBytes).
func (p *Pool) IdleCapacity() int64 {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return root.capacity - root.reserved
}

// Abort atomically marks the whole subtree aborted; subsequent Reserve/
// Allocate calls fail fast with AbortedError.
func (p *Pool) Abort(cause error) {
	root := p.Root()
	root.mu.Lock()
	p.abortCause = cause
	root.mu.Unlock()
	p.aborted.Store(true)
	for _, c := range p.childrenSnapshot() {
		c.Abort(cause)
	}
}

func (p *Pool) childrenSnapshot() []*Pool {
	root := p.Root()
	root.mu.Lock()
	defer root.mu.Unlock()
	out := make([]*Pool, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, c)
	}
	return out
}

// Release detaches this pool from its parent once all outstanding memory
// has been released (§3's destroy-time lifecycle step). On a pool that
// still holds a reservation it leaves the pool attached and returns
// ErrInvariantViolation, to avoid silently losing track of live memory.
func (p *Pool) Release() error {
	if p.Reserved() != 0 {
		return errors.Annotatef(ErrInvariantViolation, "pool %q released with %d bytes still reserved", p.Name, p.Reserved())
	}
	if p.parent == nil {
		return nil
	}
	root := p.Root()
	root.mu.Lock()
	delete(p.parent.children, p.ID)
	root.mu.Unlock()
	return nil
}
