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

// LoserTree is a contiguous-array tournament tree over a fixed set of
// streams (C6). Advancing the winner replays only the single leaf-to-root
// path the old winner sat on, one comparison per level against the loser
// stored there, so each output row costs log2(k) comparisons for k padded
// leaves; a binary heap's sift-down compares against both children at
// each level.
//
// tree[0] holds the index of the current overall winner; tree[1:k] hold,
// at each internal node, the index of the stream that lost the match
// played at that node. Padding slots (indices >= len(streams)) always
// lose, so the tree behaves correctly for stream counts that aren't a
// power of two.
type LoserTree struct {
	streams []*SourceStream
	k       int
	n       int
	tree    []int
}

// NewLoserTree builds a loser tree over streams. Every stream must already
// have had EnsureData called so its current row is valid (or AtEnd is
// true).
func NewLoserTree(streams []*SourceStream) *LoserTree {
	n := len(streams)
	k := 1
	for k < n {
		k <<= 1
	}
	lt := &LoserTree{streams: streams, k: k, n: n, tree: make([]int, k)}
	for i := range lt.tree {
		lt.tree[i] = -1
	}
	for i := 0; i < k; i++ {
		lt.adjust(i)
	}
	return lt
}

func (lt *LoserTree) isReal(i int) bool {
	return i >= 0 && i < lt.n
}

// less reports whether stream i beats stream j: exhausted and padding
// slots always lose, so the tree naturally drains towards -1 once every
// real stream is exhausted.
func (lt *LoserTree) less(i, j int) bool {
	iReady := lt.isReal(i) && !lt.streams[i].AtEnd()
	jReady := lt.isReal(j) && !lt.streams[j].AtEnd()
	switch {
	case iReady && jReady:
		return lt.streams[i].Less(lt.streams[j])
	case iReady:
		return true
	default:
		return false
	}
}

// adjust replays the tournament for leaf s up to the root, installing s
// (or whichever stream it meets and beats along the way) as the new
// overall winner.
func (lt *LoserTree) adjust(s int) {
	t := (s + lt.k) / 2
	for t > 0 {
		if lt.tree[t] == -1 {
			lt.tree[t] = s
			return
		}
		if !lt.less(s, lt.tree[t]) {
			lt.tree[t], s = s, lt.tree[t]
		}
		t /= 2
	}
	lt.tree[0] = s
}

// Winner returns the index of the stream currently at the front of the
// merge order, or -1 once every stream is exhausted.
func (lt *LoserTree) Winner() int {
	w := lt.tree[0]
	if !lt.isReal(w) || lt.streams[w].AtEnd() {
		return -1
	}
	return w
}

// Advance must be called after the current winner's row has been consumed
// (popped); it re-seeds that stream's leaf with its new current row (or
// its now-exhausted state) and recomputes the winner.
func (lt *LoserTree) Advance() {
	w := lt.tree[0]
	if !lt.isReal(w) {
		return
	}
	lt.adjust(w)
}
