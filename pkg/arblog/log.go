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

// Package arblog centralizes the zap logger construction shared by the
// arbitrator, the memory quota tree and the merge executor, the same way
// pkg/util/logutil does for the rest of the teacher's codebase.
package arblog

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	globalMu     sync.Mutex
	globalLogger *zap.Logger = zap.NewNop()
)

// InitLogger builds and installs the process-wide logger. level is any zap
// level name ("debug", "info", "warn", "error"); an empty name means info,
// and an unrecognized name makes log.InitLogger fail, whose error is
// returned without installing a logger.
func InitLogger(level string, development bool) error {
	cfg := &log.Config{
		Level:       level,
		Development: development,
	}
	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	return nil
}

// L returns the process-wide logger. Safe to call before InitLogger; it
// returns a no-op logger until one is installed, so unit tests that never
// call InitLogger don't panic or spam stdout.
func L() *zap.Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}

// For returns a logger scoped to a named component, e.g. arblog.For("arbiter").
func For(component string) *zap.Logger {
	return L().With(zap.String("component", component))
}

// limiters guards against a single flapping donor flooding the log with
// "reclaim failed" warnings every global-arbitration round.
var (
	limiterMu sync.Mutex
	limiters  = map[string]*rate.Limiter{}
)

// Limited returns true if an event keyed by "key" is allowed to log right
// now (at most once per window). Used by the arbitrator's Phase B failure
// path, which otherwise logs once per donor per round under contention.
func Limited(key string, window time.Duration) bool {
	limiterMu.Lock()
	defer limiterMu.Unlock()
	lim, ok := limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(window), 1)
		limiters[key] = lim
	}
	return lim.Allow()
}
