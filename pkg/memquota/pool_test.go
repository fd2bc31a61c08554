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
	"testing"

	"github.com/stretchr/testify/require"
)

type stubArbiter struct {
	grant func(request int64) (int64, error)
}

// GrowCapacity grows root by whatever grant returns, as the real arbitrator
// does before returning.
func (s *stubArbiter) GrowCapacity(_ context.Context, root *Pool, request int64) (int64, error) {
	granted, err := s.grant(request)
	if err != nil || granted <= 0 {
		return granted, err
	}
	return granted, root.Grow(granted)
}

func TestReserveWithinLocalCapacityNeedsNoArbiter(t *testing.T) {
	root := NewRootPool("q1", 1024, 4096, 256, &stubArbiter{grant: func(int64) (int64, error) {
		t.Fatal("arbiter should not be contacted when local capacity suffices")
		return 0, nil
	}})
	child := root.NewChild("op1", 1024)

	require.NoError(t, child.Reserve(context.Background(), 512))
	require.EqualValues(t, 512, child.Reserved())
	require.EqualValues(t, 512, root.Reserved())
}

func TestReserveEscalatesToArbiterOnRootOverflow(t *testing.T) {
	var requested int64
	root := NewRootPool("q1", 100, 1000, 64, &stubArbiter{grant: func(request int64) (int64, error) {
		requested = request
		return request, nil
	}})
	child := root.NewChild("op1", 1000)

	require.NoError(t, child.Reserve(context.Background(), 150))
	require.Greater(t, requested, int64(0))
	require.EqualValues(t, 150, root.Reserved())
}

func TestReserveFailsWhenArbiterCannotGrant(t *testing.T) {
	root := NewRootPool("q1", 100, 1000, 64, &stubArbiter{grant: func(int64) (int64, error) {
		return 0, ErrCapExceeded
	}})
	child := root.NewChild("op1", 1000)

	err := child.Reserve(context.Background(), 150)
	require.ErrorIs(t, err, ErrCapExceeded)
}

func TestReserveFailsFastOnNonRootCapacity(t *testing.T) {
	root := NewRootPool("q1", 10000, 10000, 64, &stubArbiter{grant: func(int64) (int64, error) {
		t.Fatal("non-root overflow must not escalate to the arbiter")
		return 0, nil
	}})
	child := root.NewChild("op1", 100)

	err := child.Reserve(context.Background(), 200)
	require.ErrorIs(t, err, ErrNeedMoreCapacity)
}

func TestAllocateRequiresPriorReservation(t *testing.T) {
	root := NewRootPool("q1", 1024, 1024, 64, nil)
	child := root.NewChild("op1", 1024)

	err := child.Allocate(100)
	require.ErrorIs(t, err, ErrCapExceeded)

	require.NoError(t, child.Reserve(context.Background(), 100))
	require.NoError(t, child.Allocate(100))
	require.EqualValues(t, 100, root.Used())
}

func TestAbortPropagatesToChildrenAndBlocksFurtherUse(t *testing.T) {
	root := NewRootPool("q1", 1024, 1024, 64, nil)
	child := root.NewChild("op1", 1024)
	grandchild := child.NewChild("op2", 1024)

	root.Abort(ErrOutOfMemory)

	require.True(t, child.IsAborted())
	require.True(t, grandchild.IsAborted())
	err := grandchild.Reserve(context.Background(), 10)
	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
}

func TestShrinkNeverCutsBelowReserved(t *testing.T) {
	root := NewRootPool("q1", 1024, 1024, 64, nil)
	require.NoError(t, root.Reserve(context.Background(), 800))

	shrunk, err := root.Shrink(1000)
	require.NoError(t, err)
	require.EqualValues(t, 224, shrunk)
	require.EqualValues(t, 800, root.Capacity())
}

func TestReleaseRefusesWhileReserved(t *testing.T) {
	root := NewRootPool("q1", 1024, 1024, 64, nil)
	child := root.NewChild("op1", 1024)
	require.NoError(t, child.Reserve(context.Background(), 10))

	require.Error(t, child.Release())
	child.Unreserve(10)
	require.NoError(t, child.Release())
}
