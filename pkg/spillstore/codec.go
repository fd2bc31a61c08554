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

package spillstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pingcap/errors"

	"github.com/pingcap/tidb-memarbiter/pkg/batch"
)

// Codec serializes/deserializes batches for storage. A single process
// typically shares one Codec across every Writer/Reader pair for a given
// column layout.
type Codec interface {
	Encode(b *batch.Batch) ([]byte, error)
	Decode(data []byte) (*batch.Batch, error)
}

// BinaryCodec is a fixed, dependency-free wire format: row count, then
// each column's null bitmap and values in turn. Column kinds are not
// written; Decode takes them from Kinds. It plays
// the role chunk.Chunk's own (de)serialization does for ChunkInDisk,
// scaled down to pkg/batch's three scalar kinds.
type BinaryCodec struct {
	Kinds []batch.Kind
}

// Encode implements Codec.
func (c BinaryCodec) Encode(b *batch.Batch) ([]byte, error) {
	if b.NumCols() != len(c.Kinds) {
		return nil, errors.Annotatef(batch.ErrCapacityMismatch, "codec has %d columns, batch has %d", len(c.Kinds), b.NumCols())
	}
	var buf bytes.Buffer
	n := b.NumRows()
	writeUvarint(&buf, uint64(n))
	for i, col := range b.Columns {
		writeNulls(&buf, col.Nulls[:n])
		switch c.Kinds[i] {
		case batch.Int64Kind:
			for r := 0; r < n; r++ {
				writeUvarint(&buf, uint64(col.Int64s[r]))
			}
		case batch.Float64Kind:
			for r := 0; r < n; r++ {
				var tmp [8]byte
				binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(col.Float64s[r]))
				buf.Write(tmp[:])
			}
		case batch.StringKind:
			for r := 0; r < n; r++ {
				s := col.Strings[r]
				writeUvarint(&buf, uint64(len(s)))
				buf.WriteString(s)
			}
		}
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (c BinaryCodec) Decode(data []byte) (*batch.Batch, error) {
	buf := bytes.NewReader(data)
	n64, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	n := int(n64)
	b := batch.NewBatch(c.Kinds, n)
	for i, col := range b.Columns {
		if err := readNulls(buf, col.Nulls); err != nil {
			return nil, errors.Trace(err)
		}
		switch c.Kinds[i] {
		case batch.Int64Kind:
			for r := 0; r < n; r++ {
				v, err := binary.ReadUvarint(buf)
				if err != nil {
					return nil, errors.Trace(err)
				}
				col.Int64s[r] = int64(v)
			}
		case batch.Float64Kind:
			for r := 0; r < n; r++ {
				var tmp [8]byte
				if _, err := buf.Read(tmp[:]); err != nil {
					return nil, errors.Trace(err)
				}
				col.Float64s[r] = math.Float64frombits(binary.LittleEndian.Uint64(tmp[:]))
			}
		case batch.StringKind:
			for r := 0; r < n; r++ {
				l, err := binary.ReadUvarint(buf)
				if err != nil {
					return nil, errors.Trace(err)
				}
				strBuf := make([]byte, l)
				if _, err := io.ReadFull(buf, strBuf); err != nil {
					return nil, errors.Trace(err)
				}
				col.Strings[r] = string(strBuf)
			}
		}
	}
	return b, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeNulls(buf *bytes.Buffer, nulls []bool) {
	for i := 0; i < len(nulls); i += 8 {
		var b byte
		for j := 0; j < 8 && i+j < len(nulls); j++ {
			if nulls[i+j] {
				b |= 1 << j
			}
		}
		buf.WriteByte(b)
	}
}

func readNulls(buf *bytes.Reader, nulls []bool) error {
	for i := 0; i < len(nulls); i += 8 {
		b, err := buf.ReadByte()
		if err != nil {
			return err
		}
		for j := 0; j < 8 && i+j < len(nulls); j++ {
			nulls[i+j] = b&(1<<j) != 0
		}
	}
	return nil
}
