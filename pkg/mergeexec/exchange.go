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

package mergeexec

import (
	"context"
	"sync"

	"github.com/pingcap/failpoint"

	"github.com/pingcap/tidb-memarbiter/pkg/batch"
)

// Byte budget bounds each ExchangeSource's queue is clamped into, mirroring
// MergeExchange::addMergeSources's
// clamp(maxMergeExchangeBufferSize/numSources, kMaxQueuedBytesLowerLimit,
// kMaxQueuedBytesUpperLimit).
const (
	MaxQueuedBytesLowerLimit int64 = 1 << 20  // 1MiB
	MaxQueuedBytesUpperLimit int64 = 32 << 20 // 32MiB
)

// ShuffleSerdeKind identifies the wire encoding a remote source's batches
// arrived in.
type ShuffleSerdeKind int

// Supported shuffle serialization kinds.
const (
	SerdeUnknown ShuffleSerdeKind = iota
	SerdePresto
	SerdeCompactRow
)

// ShuffleCompressionKind identifies the compression codec applied on top
// of the wire encoding.
type ShuffleCompressionKind int

// Supported shuffle compression kinds.
const (
	CompressionNone ShuffleCompressionKind = iota
	CompressionZstd
	CompressionLZ4
)

// ExchangeSourceStats mirrors the fields MergeExchange::close records
// (kShuffleSerdeKind / kShuffleCompressionKind) plus basic throughput
// counters, surfaced alongside the merge operator's own stats.
type ExchangeSourceStats struct {
	Serde           ShuffleSerdeKind
	Compression     ShuffleCompressionKind
	BatchesReceived int64
	BytesReceived   int64
}

// ExchangeSource is a Source backed by a remote producer's shuffled
// output. It buffers deserialized batches up to a byte budget clamped the
// same way MergeExchange bounds each of its merge sources, and exposes
// Enqueue/Close for whatever shuffle client pulls bytes off the wire.
type ExchangeSource struct {
	mu             sync.Mutex
	queue          []*batch.Batch
	queuedBytes    int64
	maxQueuedBytes int64
	eof            bool
	readyCh        chan struct{}

	stats ExchangeSourceStats
}

// NewExchangeSource creates a remote source whose queue is capped at
// mergeExchangeBufferSize/numSources bytes, clamped into
// [MaxQueuedBytesLowerLimit, MaxQueuedBytesUpperLimit].
func NewExchangeSource(numSources int, mergeExchangeBufferSize int64, serde ShuffleSerdeKind, compression ShuffleCompressionKind) *ExchangeSource {
	if numSources < 1 {
		numSources = 1
	}
	per := mergeExchangeBufferSize / int64(numSources)
	per = clampInt64(per, MaxQueuedBytesLowerLimit, MaxQueuedBytesUpperLimit)
	return &ExchangeSource{
		maxQueuedBytes: per,
		readyCh:        make(chan struct{}),
		stats:          ExchangeSourceStats{Serde: serde, Compression: compression},
	}
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// QueuedBytes returns the current buffered byte count, for the shuffle
// client deciding whether to keep pulling from the network.
func (e *ExchangeSource) QueuedBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queuedBytes
}

// HasRoom reports whether the queue is under its byte budget.
func (e *ExchangeSource) HasRoom() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queuedBytes < e.maxQueuedBytes
}

// Enqueue delivers a deserialized batch from the remote producer.
// approxBytes is the shuffle client's estimate of the batch's wire size,
// used for backpressure accounting only.
func (e *ExchangeSource) Enqueue(b *batch.Batch, approxBytes int64) {
	e.mu.Lock()
	e.queue = append(e.queue, b)
	e.queuedBytes += approxBytes
	e.stats.BatchesReceived++
	e.stats.BytesReceived += approxBytes
	ready := e.readyCh
	e.readyCh = make(chan struct{})
	e.mu.Unlock()
	close(ready)
}

// Close marks the source exhausted: no more batches will ever arrive.
func (e *ExchangeSource) Close() {
	e.mu.Lock()
	e.eof = true
	ready := e.readyCh
	e.readyCh = make(chan struct{})
	e.mu.Unlock()
	close(ready)
}

// Stats returns a snapshot of this source's shuffle metadata, recorded the
// way MergeExchange::close does before the operator is torn down.
func (e *ExchangeSource) Stats() ExchangeSourceStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Poll implements Source.
func (e *ExchangeSource) Poll(ctx context.Context) (*batch.Batch, <-chan struct{}, bool, error) {
	failpoint.Inject("exchangeSourceRandomBlock", func() {
		failpoint.Return((*batch.Batch)(nil), make(chan struct{}), false, nil)
	})

	e.mu.Lock()
	defer func() { e.mu.Unlock() }()
	if len(e.queue) > 0 {
		b := e.queue[0]
		e.queue = e.queue[1:]
		e.queuedBytes -= approxBatchBytes(b)
		if e.queuedBytes < 0 {
			e.queuedBytes = 0
		}
		return b, nil, false, nil
	}
	if e.eof {
		return nil, nil, true, nil
	}
	return nil, e.readyCh, false, nil
}

// approxBatchBytes is a crude per-row estimate used only to keep the
// queued-bytes counter from drifting when Poll dequeues faster than the
// Enqueue-side estimate can be attributed per batch; real accounting is
// the shuffle client's responsibility via the approxBytes it passed in.
func approxBatchBytes(b *batch.Batch) int64 {
	return int64(b.NumRows() * b.NumCols() * 8)
}

// RemoteMerge is a Merge over ExchangeSources, the distributed counterpart
// of LocalMerge backing velox's MergeExchange operator: every source is a
// remote partition's sorted output, fetched through the shuffle layer
// instead of read from a sibling driver directly.
type RemoteMerge struct {
	*Merge
	sources []*ExchangeSource
}

// NewRemoteMerge builds a RemoteMerge over the given exchange sources.
func NewRemoteMerge(sources []*ExchangeSource, keys []batch.SortKey, colKinds []batch.Kind, outputBatchSize int) *RemoteMerge {
	plain := make([]Source, len(sources))
	for i, s := range sources {
		plain[i] = s
	}
	return &RemoteMerge{Merge: NewMerge(plain, keys, colKinds, outputBatchSize), sources: sources}
}

// Close records final shuffle stats for every remote source, mirroring
// MergeExchange::close.
func (r *RemoteMerge) Close() []ExchangeSourceStats {
	stats := make([]ExchangeSourceStats, len(r.sources))
	for i, s := range r.sources {
		stats[i] = s.Stats()
	}
	return stats
}
