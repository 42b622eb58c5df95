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
	"sync"
	"sync/atomic"
)

// BinEntry is the content of one bin of a Table. It is either the head of a
// chain of Nodes or a forwarding marker pointing at the Table that replaced
// the one holding it. Exactly one of node and moved is set.
//
// Once a bin holds a forwarding marker it is never changed again for that
// Table.
type BinEntry[K comparable, V any] struct {
	node  *Node[K, V]
	moved *Table[K, V]
}

// Node returns the chain head if the entry is one.
func (e *BinEntry[K, V]) Node() (*Node[K, V], bool) {
	return e.node, e.node != nil
}

// Moved returns the replacement table if the entry is a forwarding marker.
func (e *BinEntry[K, V]) Moved() (*Table[K, V], bool) {
	return e.moved, e.moved != nil
}

// Node is an element of a bin's chain.
type Node[K comparable, V any] struct {
	hash  uintptr
	key   K
	value atomic.Pointer[V]
	// next is nil at the end of the chain. A non-nil next always holds a
	// chain entry, never a forwarding marker.
	next atomic.Pointer[BinEntry[K, V]]
	// mu is held by writers on the head node of a bin while they change
	// the bin's structure. Readers never take it.
	mu sync.Mutex
}

func newNode[K comparable, V any](hash uintptr, key K, value *V) *Node[K, V] {
	n := &Node[K, V]{hash: hash, key: key}
	n.value.Store(value)
	return n
}

// entry wraps n so it can be stored in a bin or in a predecessor's next link.
func (n *Node[K, V]) entry() *BinEntry[K, V] {
	return &BinEntry[K, V]{node: n}
}

// Key returns the node's key.
func (n *Node[K, V]) Key() K {
	return n.key
}

// Value returns the node's current value.
func (n *Node[K, V]) Value() V {
	return *n.value.Load()
}

// Table is one generation of the map's bin array. Its length is a power of
// two and a forwarding marker in it always points at a Table twice as long.
type Table[K comparable, V any] struct {
	bins []atomic.Pointer[BinEntry[K, V]]
}

// Len returns the number of bins.
func (t *Table[K, V]) Len() int {
	return len(t.bins)
}

// bin loads bin i. A nil result means the bin is empty.
func (t *Table[K, V]) bin(i int) *BinEntry[K, V] {
	return t.bins[i].Load()
}

// binIndex returns the bin a hash maps to in a table of length n.
func binIndex(hash uintptr, n int) int {
	return int(hash & uintptr(n-1))
}
