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

	"github.com/pingcap/errors"
)

// ErrPauseTimedOut is returned by RequestPause when the context expires
// before every driver of the task acknowledges the pause.
var ErrPauseTimedOut = errors.New("arbiter: pause wait timed out")

// Task tracks the drivers of one query for the purpose of the pause
// protocol (C4): before a pool's Reclaimer.Reclaim may run, every driver of
// the owning task must be either blocked on the driver loop or have
// explicitly entered a suspended section. Task implements
// memquota.PauseController.
type Task struct {
	mu sync.Mutex

	// numDrivers is the number of drivers that must each acknowledge a
	// pause request before the task is considered fully paused.
	numDrivers int
	// numSuspended counts drivers currently between EnterSuspended and
	// LeaveSuspended (or inside a Suspend() scope), doing something, e.g.
	// blocking network I/O, that makes them safe to leave running across a
	// pause. Suspended drivers are exempt from the pause, not paused.
	// paused counts drivers that have called OnDriverYield since the
	// current pause request was made.
	numSuspended int

	generation int
	pauseWanted bool
	paused       int
	pausedAllCh  chan struct{}
	resumeCh     chan struct{}
}

// NewTask creates a Task that expects numDrivers independent Driver
// goroutines to eventually call OnDriverYield at their pause-polling
// points, the way a velox Driver checks pool()->reclaimableBytes() at the
// top of its run loop.
func NewTask(numDrivers int) *Task {
	return &Task{numDrivers: numDrivers}
}

// Paused reports whether every driver of this task is currently paused or
// suspended. Implements memquota.PauseController.
func (t *Task) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pauseWanted && t.paused+t.numSuspended >= t.numDrivers
}

// RequestPause asks every driver of the task to stop making progress and
// blocks until they have (or the context expires). It returns a Resume
// function the caller must call exactly once to let the task continue;
// forgetting to call it deadlocks the task forever, the same sharp edge
// velox's SuspendedSection/requestPause pairing has.
func (t *Task) RequestPause(ctx context.Context) (resume func(), err error) {
	t.mu.Lock()
	t.generation++
	t.pauseWanted = true
	t.paused = 0
	t.resumeCh = make(chan struct{})
	if t.paused+t.numSuspended >= t.numDrivers {
		ch := t.pausedAllCh
		t.mu.Unlock()
		if ch != nil {
			close(ch)
		}
		return t.makeResume(), nil
	}
	t.pausedAllCh = make(chan struct{})
	waitCh := t.pausedAllCh
	t.mu.Unlock()

	select {
	case <-waitCh:
		return t.makeResume(), nil
	case <-ctx.Done():
		t.mu.Lock()
		t.pauseWanted = false
		ch := t.resumeCh
		t.resumeCh = nil
		t.mu.Unlock()
		if ch != nil {
			close(ch)
		}
		return nil, ErrPauseTimedOut
	}
}

func (t *Task) makeResume() func() {
	return func() {
		t.mu.Lock()
		t.pauseWanted = false
		t.paused = 0
		ch := t.resumeCh
		t.resumeCh = nil
		t.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	}
}

// OnDriverYield must be called by each driver's run loop at a safe
// suspension point (between operator calls, never mid-getOutput). It
// blocks while a pause is outstanding and returns once resumed.
func (t *Task) OnDriverYield(ctx context.Context) error {
	t.mu.Lock()
	if !t.pauseWanted {
		t.mu.Unlock()
		return nil
	}
	t.paused++
	gen := t.generation
	resumeCh := t.resumeCh
	if t.paused+t.numSuspended >= t.numDrivers && t.pausedAllCh != nil {
		ch := t.pausedAllCh
		t.pausedAllCh = nil
		t.mu.Unlock()
		close(ch)
	} else {
		t.mu.Unlock()
	}

	for {
		if resumeCh == nil {
			return nil
		}
		select {
		case <-resumeCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.mu.Lock()
		if !t.pauseWanted || t.generation != gen {
			t.mu.Unlock()
			return nil
		}
		resumeCh = t.resumeCh
		t.mu.Unlock()
	}
}

// EnterSuspended marks the calling driver as exempt from the "all drivers
// paused" requirement, for stretches of code that block on something
// outside the driver loop (e.g. a remote exchange fetch) and are known not
// to touch the pool being reclaimed. Mirrors velox's SuspendedSection.
func (t *Task) EnterSuspended() {
	t.mu.Lock()
	t.numSuspended++
	if t.pauseWanted && t.paused+t.numSuspended >= t.numDrivers && t.pausedAllCh != nil {
		ch := t.pausedAllCh
		t.pausedAllCh = nil
		t.mu.Unlock()
		close(ch)
		return
	}
	t.mu.Unlock()
}

// LeaveSuspended is the matching exit for EnterSuspended; always call it
// via defer right after EnterSuspended.
func (t *Task) LeaveSuspended() {
	t.mu.Lock()
	t.numSuspended--
	t.mu.Unlock()
}

// Suspend runs fn with the calling driver marked suspended for its
// duration, guaranteeing LeaveSuspended runs even if fn panics.
func (t *Task) Suspend(fn func() error) error {
	t.EnterSuspended()
	defer t.LeaveSuspended()
	return fn()
}
