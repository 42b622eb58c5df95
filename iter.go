// Copyright 2024 The Cockroach Authors
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

package flurry

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// NodeIter enumerates the nodes of a Table while other goroutines insert,
// delete and resize underneath it. It takes no locks.
//
// A resize doubles the table and splits old bin i between bins i and i+n of
// the new table, leaving a forwarding marker behind. When NodeIter meets a
// marker it dives into the new table at the same index and pushes a frame
// recording where to resume in the old one. Stepping by each frame's table
// length while diving, and by the length of the initial table at the top
// level, visits every position an initial bin may have been split into.
//
// The enumeration is weakly consistent: a node present for the whole
// traversal is returned at least once, nodes inserted or deleted meanwhile
// may or may not be returned, and a race with a resize may return a node
// twice. A NodeIter must only be used by one goroutine, and every node it
// returns is valid only while the Guard it was created with stays pinned.
type NodeIter[K comparable, V any] struct {
	// table is the table being scanned. It changes on every dive and every
	// frame popped.
	table *Table[K, V]

	stack *tableStack[K, V]
	spare *tableStack[K, V]

	// prev is the node returned last, used to continue down its chain.
	prev *Node[K, V]

	// index is the bin of table to read next.
	index int
	// baseIndex is the bin of the initial table being covered, and
	// baseLimit bounds it.
	baseIndex int
	baseLimit int
	// baseSize is the length of the initial table.
	baseSize int

	guard *Guard
}

// tableStack is one frame of the dive stack: the table that was left, its
// length, and the index to resume at.
type tableStack[K comparable, V any] struct {
	table  *Table[K, V]
	length int
	index  int
	next   *tableStack[K, V]
}

// NewNodeIter returns an iterator over t. A nil t yields nothing. The guard
// must have been pinned before t was loaded and must stay pinned until the
// iterator, and every node it returned, are no longer used.
func NewNodeIter[K comparable, V any](t *Table[K, V], g *Guard) *NodeIter[K, V] {
	var n int
	if t != nil {
		n = t.Len()
	}
	return &NodeIter[K, V]{
		table:     t,
		baseSize:  n,
		baseLimit: n,
		guard:     g,
	}
}

// Next returns the next node, or nil once the traversal is exhausted. Calling
// Next again after it returned nil keeps returning nil.
func (it *NodeIter[K, V]) Next() *Node[K, V] {
	if invariants && (it.guard == nil || it.guard.p == nil) {
		panic(errors.AssertionFailedf("flurry: NodeIter used without a pinned guard"))
	}

	var e *Node[K, V]
	if it.prev != nil {
		if next := it.prev.next.Load(); next != nil {
			n, ok := next.Node()
			if !ok {
				panic(errors.AssertionFailedf(
					"flurry: successor of a chain node is a forwarding marker"))
			}
			e = n
		}
	}

	for {
		if e != nil {
			it.prev = e
			return e
		}

		if it.baseIndex >= it.baseLimit || it.table == nil || it.table.Len() <= it.index {
			it.prev = nil
			return nil
		}

		t, i := it.table, it.index
		n := t.Len()
		if bin := t.bin(i); bin != nil {
			if next, ok := bin.Moved(); ok {
				if debug {
					fmt.Printf("iter: dive at %d/%d -> table of %d\n", i, n, next.Len())
				}
				it.table = next
				it.prev = nil
				it.pushState(t, i, n)
				continue
			}
			e = bin.node
		}

		if it.stack != nil {
			it.recoverState(n)
		} else {
			it.index = i + it.baseSize
			if it.index >= n {
				it.baseIndex++
				it.index = it.baseIndex
			}
		}
	}
}

// pushState records that the iterator left table t of length n at index i.
// Frames are taken from the spare list when possible.
func (it *NodeIter[K, V]) pushState(t *Table[K, V], i, n int) {
	s := it.spare
	if s != nil {
		it.spare = s.next
	} else {
		s = &tableStack[K, V]{}
	}
	*s = tableStack[K, V]{
		table:  t,
		length: n,
		index:  i,
		next:   it.stack,
	}
	it.stack = s
}

// recoverState advances index after the bin at index of a table of length n
// has been consumed, popping every frame whose split positions have all been
// visited.
func (it *NodeIter[K, V]) recoverState(n int) {
	for s := it.stack; s != nil; s = it.stack {
		if it.index+s.length < n {
			// The upper half of this split has not been visited yet. Stay
			// in the current table and move to it.
			it.index += s.length
			break
		}

		n = s.length
		it.index = s.index
		it.table = s.table
		it.stack = s.next
		if debug {
			fmt.Printf("iter: resurface at %d/%d\n", it.index, n)
		}

		s.table = nil
		s.next = it.spare
		it.spare = s
	}

	if it.stack == nil {
		it.index += it.baseSize
		if it.index >= n {
			it.baseIndex++
			it.index = it.baseIndex
		}
	}
}
