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

// Package arbiter implements the process-wide shared memory arbitrator
// (spec component C3) and the task pause protocol (C4) it uses to make
// reclaim safe. It is grounded on pkg/util/memory's Tracker/ActionOnExceed
// chain for the "who gets asked to give memory back" shape, generalized
// from a single process-capacity check into cross-query arbitration with
// FIFO waiters and a victim-selection policy.
package arbiter

import "time"

// Config mirrors the arbitrator construction parameters named in the
// design notes: a single struct assembled once at process/session startup,
// the way sortexec builds its Config from session variables.
type Config struct {
	// MemoryCapacity is the total budget shared across every root pool this
	// arbitrator governs.
	MemoryCapacity int64
	// MemoryPoolInitCapacity is the capacity a newly registered root starts
	// with before it ever needs to grow.
	MemoryPoolInitCapacity int64
	// MemoryPoolTransferCapacity is the growth rounding unit. The arbitrator
	// does not read it itself: it is passed to memquota.NewRootPool as the
	// root's transferGranularity, and Pool.Reserve rounds the shortfall it
	// asks GrowCapacity for up to a multiple of it. ShrinkCapacity and the
	// shrinks done during Phase A/B/C are not rounded.
	MemoryPoolTransferCapacity int64
	// ArbitrationTimeout bounds how long a single GrowCapacity call waits
	// (queued behind other waiters, or blocked on a donor's reclaim) before
	// giving up.
	ArbitrationTimeout time.Duration
	// GlobalArbitrationEnabled toggles Phase B/C: when false, GrowCapacity
	// only ever performs Phase A (reclaim idle capacity from siblings) and
	// fails fast instead of pausing and reclaiming from running queries.
	GlobalArbitrationEnabled bool
	// AbortOnOOM, when true, lets Phase C pick and abort a victim once no
	// donor has enough reclaimable memory. When false, GrowCapacity simply
	// fails with ErrNoCapacityAvailable once Phase B is exhausted, which
	// Pool.Reserve reports to its caller as memquota.ErrCapExceeded.
	AbortOnOOM bool
}

// DefaultConfig returns the conservative defaults used by cmd/arbitercli
// and by tests that don't care about exact thresholds.
func DefaultConfig() Config {
	return Config{
		MemoryCapacity:             1 << 30, // 1GiB
		MemoryPoolInitCapacity:     32 << 20,
		MemoryPoolTransferCapacity: 8 << 20,
		ArbitrationTimeout:         5 * time.Second,
		GlobalArbitrationEnabled:   true,
		AbortOnOOM:                 true,
	}
}
