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

import "go.uber.org/atomic"

// ArbitratorStats accumulates process-wide counters, read by
// pkg/arbmetrics and exposed over Prometheus. Every field is updated with
// atomic ops so Stats() never needs to take the arbitrator's lock.
type ArbitratorStats struct {
	NumRequests       atomic.Int64
	NumSucceeded      atomic.Int64
	NumFailures       atomic.Int64
	NumAborted        atomic.Int64
	NumShrinks        atomic.Int64
	NumReclaims       atomic.Int64
	ReclaimExecTimeNs atomic.Int64
	QueueTimeNs       atomic.Int64

	// LocalArbitrationCount counts requests satisfied entirely out of
	// Phase A (the shared free pool and idle sibling capacity) without
	// ever escalating to global arbitration.
	LocalArbitrationCount atomic.Int64
	// GlobalArbitrationWaitCount counts requests that exhausted Phase A
	// and had to wait on Phase B/C (reclaiming from or aborting a
	// sibling root) to be satisfied.
	GlobalArbitrationWaitCount atomic.Int64
	// TaskPauseCount counts successful donor task pauses taken on the
	// Phase B reclaim path, one per paused-then-resumed task.
	TaskPauseCount atomic.Int64
	// ReclaimedFreeBytes is bytes reclaimed from idle, unreserved
	// sibling capacity (Phase A.2) and from aborted victims' unused
	// headroom (Phase C).
	ReclaimedFreeBytes atomic.Int64
	// ReclaimedUsedBytes is bytes reclaimed by actually spilling or
	// freeing a donor's in-use memory (Phase B's Reclaim calls, and the
	// portion of a Phase C abort that frees reserved/used bytes).
	ReclaimedUsedBytes atomic.Int64
}

// StatsSnapshot is a point-in-time, plain-value copy of ArbitratorStats,
// convenient for logging and for tests that want to compare before/after.
type StatsSnapshot struct {
	NumRequests       int64
	NumSucceeded      int64
	NumFailures       int64
	NumAborted        int64
	NumShrinks        int64
	NumReclaims       int64
	ReclaimExecTimeNs int64
	QueueTimeNs       int64

	LocalArbitrationCount      int64
	GlobalArbitrationWaitCount int64
	TaskPauseCount             int64
	ReclaimedFreeBytes         int64
	ReclaimedUsedBytes         int64
}

// Snapshot copies the current counters.
func (s *ArbitratorStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		NumRequests:                s.NumRequests.Load(),
		NumSucceeded:               s.NumSucceeded.Load(),
		NumFailures:                s.NumFailures.Load(),
		NumAborted:                 s.NumAborted.Load(),
		NumShrinks:                 s.NumShrinks.Load(),
		NumReclaims:                s.NumReclaims.Load(),
		ReclaimExecTimeNs:          s.ReclaimExecTimeNs.Load(),
		QueueTimeNs:                s.QueueTimeNs.Load(),
		LocalArbitrationCount:      s.LocalArbitrationCount.Load(),
		GlobalArbitrationWaitCount: s.GlobalArbitrationWaitCount.Load(),
		TaskPauseCount:             s.TaskPauseCount.Load(),
		ReclaimedFreeBytes:         s.ReclaimedFreeBytes.Load(),
		ReclaimedUsedBytes:         s.ReclaimedUsedBytes.Load(),
	}
}
