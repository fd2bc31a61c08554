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

import "github.com/pingcap/errors"

// Sentinel errors for the pool tree. Only CapExceeded and the Aborted
// family are meant to reach a driver; InvariantViolation indicates a
// programmer error in the accounting and is treated as fatal.
var (
	// ErrNeedMoreCapacity is returned by Reserve when a reservation exceeds a
	// non-root pool's own capacity. That capacity is a hard sub-budget: the
	// arbitrator is never asked to lift it.
	ErrNeedMoreCapacity = errors.New("memquota: need more capacity")
	// ErrCapExceeded is returned once arbitration at the root has been
	// exhausted and the reservation still cannot be satisfied.
	ErrCapExceeded = errors.New("memquota: capacity exceeded")
	// ErrInvariantViolation marks pool accounting corruption (used > reserved,
	// children summing past their parent, etc). Callers should treat this as
	// fatal, never retry.
	ErrInvariantViolation = errors.New("memquota: invariant violation")
)

// AbortedError wraps the cause of an abort so callers can recover it with
// errors.As/errors.Cause while still comparing against a stable sentinel.
type AbortedError struct {
	Cause error
}

// ErrOutOfMemory is the distinguished abort cause the arbitrator uses for
// Phase C victim selection, as opposed to a user- or query-initiated abort.
var ErrOutOfMemory = errors.New("memquota: out of memory")

func (e *AbortedError) Error() string {
	return "memquota: aborted: " + e.Cause.Error()
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause.
func (e *AbortedError) Unwrap() error {
	return e.Cause
}
