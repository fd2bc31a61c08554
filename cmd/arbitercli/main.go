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

// Command arbitercli drives an arbiter.Arbitrator and a LocalMerge end to end
// over synthetic data, for manual smoke testing the way tidb-server's
// ddl-tool/explaintest binaries drive a single subsystem in isolation.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/pingcap/tidb-memarbiter/pkg/arbiter"
	"github.com/pingcap/tidb-memarbiter/pkg/arblog"
	"github.com/pingcap/tidb-memarbiter/pkg/arbmetrics"
	"github.com/pingcap/tidb-memarbiter/pkg/batch"
	"github.com/pingcap/tidb-memarbiter/pkg/memquota"
	"github.com/pingcap/tidb-memarbiter/pkg/mergeexec"
)

func main() {
	var (
		logLevel   = pflag.String("log-level", "info", "log level (debug|info|warn|error)")
		numSources = pflag.Int("sources", 3, "number of sorted sources to merge")
		rowsEach   = pflag.Int("rows", 1000, "rows produced by each source")
		capacity   = pflag.Int64("capacity", 64<<20, "total arbitrator capacity in bytes")
	)
	pflag.Parse()

	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintln(os.Stderr, "maxprocs:", err)
	}
	if err := arblog.InitLogger(*logLevel, false); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}

	cfg := arbiter.DefaultConfig()
	cfg.MemoryCapacity = *capacity
	a := arbiter.New(cfg)
	arbmetrics.MustRegister(arbmetrics.NewCollector(a))

	root := memquota.NewRootPool("arbitercli-query", cfg.MemoryPoolInitCapacity, cfg.MemoryCapacity, cfg.MemoryPoolTransferCapacity, a)
	if err := a.RegisterRoot(root); err != nil {
		fmt.Fprintln(os.Stderr, "register root:", err)
		os.Exit(1)
	}

	sources := make([]mergeexec.Source, *numSources)
	for i := range sources {
		sources[i] = newSortedIntSource(i, *rowsEach)
	}
	keys := []batch.SortKey{{Column: 0, Ascending: true, NullsFirst: true}}
	kinds := []batch.Kind{batch.Int64Kind}

	m, err := mergeexec.NewLocalMerge(0, sources, keys, kinds, 256)
	if err != nil {
		fmt.Fprintln(os.Stderr, "new local merge:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	total := 0
	for {
		out, future, err := m.GetOutput(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "merge:", err)
			os.Exit(1)
		}
		if out != nil {
			total += out.NumRows()
		}
		if future != nil {
			<-future
			continue
		}
		if out == nil {
			break
		}
	}
	fmt.Printf("merged %d rows from %d sources\n", total, *numSources)

	snap := a.Stats().Snapshot()
	fmt.Printf("arbitrator: requests=%d succeeded=%d failed=%d\n", snap.NumRequests, snap.NumSucceeded, snap.NumFailures)
}

// sortedIntSource is an in-memory Source producing a single pre-sorted
// ascending run of n int64 rows, standing in for a real scan/sort operator.
type sortedIntSource struct {
	rows []int64
	pos  int
	done bool
}

func newSortedIntSource(seed, n int) *sortedIntSource {
	r := rand.New(rand.NewSource(int64(seed) + 1))
	rows := make([]int64, n)
	v := int64(0)
	for i := range rows {
		v += r.Int63n(5) + 1
		rows[i] = v
	}
	return &sortedIntSource{rows: rows}
}

func (s *sortedIntSource) Poll(context.Context) (*batch.Batch, <-chan struct{}, bool, error) {
	if s.done {
		return nil, nil, true, nil
	}
	const batchSize = 64
	end := s.pos + batchSize
	if end > len(s.rows) {
		end = len(s.rows)
	}
	if s.pos >= len(s.rows) {
		s.done = true
		return nil, nil, true, nil
	}
	b := batch.NewBatch([]batch.Kind{batch.Int64Kind}, end-s.pos)
	copy(b.Columns[0].Int64s, s.rows[s.pos:end])
	s.pos = end
	return b, nil, false, nil
}
