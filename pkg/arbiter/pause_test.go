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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestPauseWaitsForEveryDriver(t *testing.T) {
	task := NewTask(2)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	driverLoop := func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := task.OnDriverYield(context.Background()); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
	wg.Add(2)
	go driverLoop()
	go driverLoop()

	resume, err := task.RequestPause(context.Background())
	require.NoError(t, err)
	require.True(t, task.Paused())

	resume()
	close(stop)
	wg.Wait()
}

func TestRequestPauseTimesOutWhenADriverNeverYields(t *testing.T) {
	task := NewTask(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := task.RequestPause(ctx)
	require.ErrorIs(t, err, ErrPauseTimedOut)
}

func TestEnterSuspendedExemptsDriverFromPause(t *testing.T) {
	task := NewTask(1)
	task.EnterSuspended()

	resume, err := task.RequestPause(context.Background())
	require.NoError(t, err)
	require.True(t, task.Paused())
	resume()
	task.LeaveSuspended()
}

func TestSuspendReleasesEvenOnError(t *testing.T) {
	task := NewTask(1)
	boom := errSentinel{}

	err := task.Suspend(func() error { return boom })
	require.ErrorIs(t, err, boom)

	// Suspend's defer must have run LeaveSuspended even though fn failed;
	// if it hadn't, this driver would still count as suspended and
	// RequestPause would succeed instantly instead of timing out.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = task.RequestPause(ctx)
	require.ErrorIs(t, err, ErrPauseTimedOut)
}

type errSentinel struct{}

func (errSentinel) Error() string { return "boom" }
