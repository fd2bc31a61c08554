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

// Package spillstore is the on-disk backing store reclaimable operators
// spill into once Reclaim decides to give bytes back instead of failing
// the query. It plays the role pkg/util/chunk.ChunkInDisk plays for
// sortexec's spilled partitions, but backs onto a pebble LSM instead of a
// raw temp file, so partitions can be looked up and dropped by key instead
// of only ever read back sequentially.
package spillstore

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pingcap/errors"

	"github.com/pingcap/tidb-memarbiter/pkg/batch"
)

// ErrNotFound is returned when a lookup key has never been spilled or has
// already been dropped.
var ErrNotFound = errors.New("spillstore: key not found")

// Store is a disk-backed, per-query spill area. Each Store owns one
// pebble instance rooted at a private temp directory; Close removes the
// directory entirely, mirroring the teacher's spill-file cleanup-on-close
// discipline for ChunkInDisk.
type Store struct {
	mu   sync.Mutex
	db   *pebble.DB
	dir  string
	next uint64
}

// Open creates a new Store rooted at a fresh temp directory under baseDir
// (baseDir="" uses the OS default).
func Open(baseDir, namePrefix string) (*Store, error) {
	dir, err := os.MkdirTemp(baseDir, namePrefix+"-spill-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Trace(err)
	}
	return &Store{db: db, dir: dir}, nil
}

// Key identifies one spilled partition (an ordered run of batches) within
// a Store.
type Key uint64

// NewKey allocates the next unused key, the spill equivalent of
// sortPartition picking its next spill file index.
func (s *Store) NewKey() Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.next
	s.next++
	return Key(k)
}

func encodeSeq(key Key, seq uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[:8], uint64(key))
	binary.BigEndian.PutUint32(b[8:], seq)
	return b
}

// Writer appends batches under one key in order. Its zero value is not
// usable; get one from Store.NewWriter.
type Writer struct {
	store *Store
	key   Key
	seq   uint32
	codec Codec
}

// NewWriter opens a Writer for key, using codec to serialize batches.
func (s *Store) NewWriter(key Key, codec Codec) *Writer {
	return &Writer{store: s, key: key, codec: codec}
}

// WriteBatch appends b as the next sequential entry for this writer's key.
func (w *Writer) WriteBatch(b *batch.Batch) error {
	encoded, err := w.codec.Encode(b)
	if err != nil {
		return errors.Trace(err)
	}
	if err := w.store.db.Set(encodeSeq(w.key, w.seq), encoded, pebble.NoSync); err != nil {
		return errors.Trace(err)
	}
	w.seq++
	return nil
}

// Close flushes pebble's memtable to disk (pebble.DB.Flush). Written
// batches are readable by a Reader as soon as WriteBatch returns; Close
// only makes them durable.
func (w *Writer) Close() error {
	return errors.Trace(w.store.db.Flush())
}

// Reader replays a spilled key's batches in the order they were written.
type Reader struct {
	store *Store
	key   Key
	seq   uint32
	codec Codec
}

// NewReader opens a Reader for key.
func (s *Store) NewReader(key Key, codec Codec) *Reader {
	return &Reader{store: s, key: key, codec: codec}
}

// Next returns the next batch written under this reader's key, or
// (nil, ErrNotFound) once the run is exhausted.
func (r *Reader) Next() (*batch.Batch, error) {
	val, closer, err := r.store.db.Get(encodeSeq(r.key, r.seq))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer closer.Close()
	b, err := r.codec.Decode(val)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.seq++
	return b, nil
}

// DropKey removes the batches written under key with sequence numbers
// below upToSeq, freeing their disk space; passing the number of batches
// written drops the whole partition.
func (s *Store) DropKey(key Key, upToSeq uint32) error {
	start := encodeSeq(key, 0)
	end := encodeSeq(key, upToSeq)
	return errors.Trace(s.db.DeleteRange(start, end, pebble.NoSync))
}

// Close closes the pebble instance and removes its temp directory.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.RemoveAll(s.dir))
}
