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

import "sync/atomic"

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The low bits of the returned value select the bin, so a hash function that
// returns small integers places keys in predictable bins.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing the bin
// arrays used by a Map. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// FreeBins is only called once the bins can no longer be observed by any
// reader: a table superseded by a resize is released through the Map's
// Collector after every Guard pinned before the swap has been unpinned.
type Allocator[K comparable, V any] interface {
	// AllocBins should return a slice equivalent to
	// make([]atomic.Pointer[BinEntry[K, V]], n).
	AllocBins(n int) []atomic.Pointer[BinEntry[K, V]]

	// FreeBins can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by AllocBins.
	FreeBins(v []atomic.Pointer[BinEntry[K, V]])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocBins(n int) []atomic.Pointer[BinEntry[K, V]] {
	return make([]atomic.Pointer[BinEntry[K, V]], n)
}

func (defaultAllocator[K, V]) FreeBins(v []atomic.Pointer[BinEntry[K, V]]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type collectorOption[K comparable, V any] struct {
	collector *Collector
}

func (op collectorOption[K, V]) apply(m *Map[K, V]) {
	m.collector = op.collector
}

// WithCollector is an option to share a Collector between several maps. By
// default every Map creates its own.
func WithCollector[K comparable, V any](c *Collector) option[K, V] {
	return collectorOption[K, V]{c}
}
