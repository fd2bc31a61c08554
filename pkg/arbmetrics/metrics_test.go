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

package arbmetrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb-memarbiter/pkg/arbiter"
)

func TestDescribeEmitsOneDescPerStatField(t *testing.T) {
	a := arbiter.New(arbiter.DefaultConfig())
	c := NewCollector(a)

	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	var n int
	for range ch {
		n++
	}
	require.Equal(t, 13, n)
}

func TestCollectReportsCurrentStatsSnapshot(t *testing.T) {
	a := arbiter.New(arbiter.DefaultConfig())
	a.Stats().NumRequests.Add(3)
	a.Stats().NumSucceeded.Add(2)
	a.Stats().NumAborted.Add(1)

	c := NewCollector(a)
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}
	require.Len(t, metrics, 13)

	found := false
	for _, m := range metrics {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.GetCounter() != nil && pb.GetCounter().GetValue() == 3 {
			found = true
		}
	}
	require.True(t, found, "expected one metric (requests_total) to report value 3")
}

func TestRegisterRejectsDuplicateCollector(t *testing.T) {
	a := arbiter.New(arbiter.DefaultConfig())
	c1 := NewCollector(a)
	c2 := NewCollector(a)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c1))
	require.Error(t, reg.Register(c2))
}
