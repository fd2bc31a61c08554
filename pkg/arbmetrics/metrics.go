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

// Package arbmetrics exposes pkg/arbiter's ArbitratorStats as Prometheus
// metrics, the same bridging role pkg/metrics plays between the teacher's
// internal counters and its /metrics endpoint.
package arbmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pingcap/tidb-memarbiter/pkg/arbiter"
)

// namespace is the Prometheus metric namespace every collector here uses,
// matching pkg/metrics's "tidb" namespace convention.
const namespace = "memarbiter"

var (
	requestsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "requests_total"),
		"Total number of GrowCapacity requests handled by the arbitrator.",
		nil, nil,
	)
	succeededTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "requests_succeeded_total"),
		"Total number of GrowCapacity requests fully satisfied.",
		nil, nil,
	)
	failuresTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "requests_failed_total"),
		"Total number of GrowCapacity requests that failed or timed out.",
		nil, nil,
	)
	abortedTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "victims_aborted_total"),
		"Total number of root pools aborted by Phase C victim selection.",
		nil, nil,
	)
	shrinksTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "shrinks_total"),
		"Total number of voluntary ShrinkCapacity calls.",
		nil, nil,
	)
	reclaimsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "reclaims_total"),
		"Total number of Phase B Reclaim calls issued to donor pools.",
		nil, nil,
	)
	reclaimExecSeconds = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "reclaim_exec_seconds_total"),
		"Total wall-clock time spent inside Reclaim calls.",
		nil, nil,
	)
	queueSeconds = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "queue_seconds_total"),
		"Total wall-clock time requests spent waiting for their arbitration turn.",
		nil, nil,
	)
	localArbitrationsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "local_arbitrations_total"),
		"Total number of requests satisfied entirely out of Phase A.",
		nil, nil,
	)
	globalArbitrationWaitsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "global_arbitration_waits_total"),
		"Total number of requests that escalated past Phase A into Phase B/C.",
		nil, nil,
	)
	taskPausesTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "task_pauses_total"),
		"Total number of donor task pauses taken on the Phase B reclaim path.",
		nil, nil,
	)
	reclaimedFreeBytesTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "reclaimed_free_bytes_total"),
		"Total idle capacity bytes reclaimed via Phase A.2 and Phase C.",
		nil, nil,
	)
	reclaimedUsedBytesTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "arbiter", "reclaimed_used_bytes_total"),
		"Total in-use bytes reclaimed via Phase B Reclaim calls and Phase C aborts.",
		nil, nil,
	)
)

// Collector adapts an *arbiter.Arbitrator's stats into a
// prometheus.Collector, registered once per process the way
// pkg/metrics.RegisterMetrics registers the teacher's collectors.
type Collector struct {
	stats *arbiter.ArbitratorStats
}

// NewCollector wraps a.Stats() for Prometheus collection.
func NewCollector(a *arbiter.Arbitrator) *Collector {
	return &Collector{stats: a.Stats()}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestsTotal
	ch <- succeededTotal
	ch <- failuresTotal
	ch <- abortedTotal
	ch <- shrinksTotal
	ch <- reclaimsTotal
	ch <- reclaimExecSeconds
	ch <- queueSeconds
	ch <- localArbitrationsTotal
	ch <- globalArbitrationWaitsTotal
	ch <- taskPausesTotal
	ch <- reclaimedFreeBytesTotal
	ch <- reclaimedUsedBytesTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(requestsTotal, prometheus.CounterValue, float64(s.NumRequests))
	ch <- prometheus.MustNewConstMetric(succeededTotal, prometheus.CounterValue, float64(s.NumSucceeded))
	ch <- prometheus.MustNewConstMetric(failuresTotal, prometheus.CounterValue, float64(s.NumFailures))
	ch <- prometheus.MustNewConstMetric(abortedTotal, prometheus.CounterValue, float64(s.NumAborted))
	ch <- prometheus.MustNewConstMetric(shrinksTotal, prometheus.CounterValue, float64(s.NumShrinks))
	ch <- prometheus.MustNewConstMetric(reclaimsTotal, prometheus.CounterValue, float64(s.NumReclaims))
	ch <- prometheus.MustNewConstMetric(reclaimExecSeconds, prometheus.CounterValue, float64(s.ReclaimExecTimeNs)/1e9)
	ch <- prometheus.MustNewConstMetric(queueSeconds, prometheus.CounterValue, float64(s.QueueTimeNs)/1e9)
	ch <- prometheus.MustNewConstMetric(localArbitrationsTotal, prometheus.CounterValue, float64(s.LocalArbitrationCount))
	ch <- prometheus.MustNewConstMetric(globalArbitrationWaitsTotal, prometheus.CounterValue, float64(s.GlobalArbitrationWaitCount))
	ch <- prometheus.MustNewConstMetric(taskPausesTotal, prometheus.CounterValue, float64(s.TaskPauseCount))
	ch <- prometheus.MustNewConstMetric(reclaimedFreeBytesTotal, prometheus.CounterValue, float64(s.ReclaimedFreeBytes))
	ch <- prometheus.MustNewConstMetric(reclaimedUsedBytesTotal, prometheus.CounterValue, float64(s.ReclaimedUsedBytes))
}

// MustRegister registers c with the default Prometheus registry, panicking
// on a duplicate registration the same way pkg/metrics.RegisterMetrics does
// at server startup.
func MustRegister(c *Collector) {
	prometheus.MustRegister(c)
}
