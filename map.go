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

// Package flurry is a Go implementation of a lock-free, resizable concurrent
// hash map in the style of Java's ConcurrentHashMap.
//
// # Layout
//
// A Map holds a Table: a power of two sized array of bins, each of which is
// empty, the head of a singly linked chain of Nodes, or a forwarding marker.
// Bins are loaded and stored atomically. Writers serialize changes to a bin
// by locking its head node; readers never lock anything.
//
// # Resizing
//
// When the number of entries exceeds 3/4 of the bin count the table is
// doubled. Old bin i is split between bins i and i+n of the new table and is
// then replaced by a forwarding marker pointing at the new table. Markers are
// never removed from the old table, so a reader that is still looking at it
// follows the marker. Resizing is cooperative: every writer that runs into a
// marker claims a stride of old bins and transfers them before retrying its
// own operation.
//
// # Iteration
//
// NodeIter walks a table concurrently with writers and resizes. The
// enumeration is weakly consistent: entries present for the whole traversal
// are returned at least once; anything else may be missed or, in a race with
// a resize, returned twice. See NodeIter for how forwarding markers are
// followed.
//
// # Reclamation
//
// Readers pin a Guard on the Map's Collector for the duration of an
// operation. A table replaced by a resize is handed back to the Allocator
// only once every Guard pinned before the replacement has been unpinned, so a
// long running iteration delays the release of every table it might still
// reach.
package flurry

import (
	"fmt"
	"hash/maphash"
	"math/bits"
	"math/rand/v2"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/cpu"
)

const (
	debug = false

	// maxCapacity is the largest table size. Table sizes are powers of two
	// and must leave room for the resize stamp in sizeCtl.
	maxCapacity = 1 << 30
	// defaultCapacity is the table size used when none was requested.
	defaultCapacity = 16
	// minTransferStride is the minimum number of bins a resizer claims at a
	// time.
	minTransferStride = 16

	resizeStampBits  = 16
	maxResizers      = (1 << (32 - resizeStampBits)) - 1
	resizeStampShift = 32 - resizeStampBits
)

// Map is a concurrent hash map. All methods are safe for concurrent use.
type Map[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
	seed uintptr
	// The allocator to use for the bins of every table.
	allocator Allocator[K, V]
	collector *Collector

	// table is nil until the first insert.
	table atomic.Pointer[Table[K, V]]
	// nextTable is non-nil only while a resize is in progress.
	nextTable atomic.Pointer[Table[K, V]]
	_         cpu.CacheLinePad
	// sizeCtl controls table initialization and resizing:
	//
	//   -1     the table is being initialized
	//   < -1   a resize is in progress; the high bits hold the resize stamp
	//          of the table being resized and the low bits 1 + the number
	//          of active resizers
	//   0      use defaultCapacity on initialization
	//   > 0    the initial table size before initialization, and the
	//          element count that triggers the next resize afterwards
	sizeCtl atomic.Int32
	// transferIndex is one past the highest old bin not yet claimed by a
	// resizer.
	transferIndex atomic.Int64
	_             cpu.CacheLinePad
	count         atomic.Int64
}

// New constructs a new Map sized to hold initialCapacity elements without
// resizing. The table itself is allocated lazily on the first insert.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:      runtimeHasher[K](),
		seed:      uintptr(rand.Uint64()),
		allocator: defaultAllocator[K, V]{},
	}

	for _, op := range options {
		op.apply(m)
	}
	if m.collector == nil {
		m.collector = NewCollector()
	}

	if initialCapacity > 0 {
		m.sizeCtl.Store(int32(tableSizeFor(initialCapacity + initialCapacity>>1 + 1)))
	}
	return m
}

// runtimeHasher returns a hash function for K using the same hashing as Go's
// builtin map.
func runtimeHasher[K comparable]() func(key *K, seed uintptr) uintptr {
	s := maphash.MakeSeed()
	return func(key *K, seed uintptr) uintptr {
		return uintptr(maphash.Comparable(s, *key)) ^ seed
	}
}

// tableSizeFor returns the smallest power of two >= c, capped at maxCapacity.
func tableSizeFor(c int) int {
	if c >= maxCapacity {
		return maxCapacity
	}
	return 1 << bits.Len(uint(c-1))
}

// spread folds the high bits of h into the low bits that select a bin.
func spread(h uintptr) uintptr {
	return h ^ (h >> 16)
}

// resizeStamp returns the stamp recorded in sizeCtl while a table of length n
// is being resized. Shifted left by resizeStampShift it is always negative.
func resizeStamp(n int) int32 {
	return int32(bits.LeadingZeros32(uint32(n)) | (1 << (resizeStampBits - 1)))
}

func (m *Map[K, V]) hashKey(key K) uintptr {
	return spread(m.hash(&key, m.seed))
}

func (m *Map[K, V]) newTable(n int) *Table[K, V] {
	return &Table[K, V]{bins: m.allocator.AllocBins(n)}
}

// Pin pins a Guard on the map's Collector. It must be unpinned once the
// caller is done with everything it read through it.
func (m *Map[K, V]) Pin() *Guard {
	return m.collector.Pin()
}

// Iter returns an iterator over the map's current table. g must be a pinned
// Guard from Pin and must stay pinned while the iterator is in use.
func (m *Map[K, V]) Iter(g *Guard) *NodeIter[K, V] {
	return NewNodeIter(m.table.Load(), g)
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	g := m.collector.Pin()
	defer g.Unpin()

	h := m.hashKey(key)
	for t := m.table.Load(); t != nil; {
		bin := t.bin(binIndex(h, t.Len()))
		if bin == nil {
			return value, false
		}
		if next, moved := bin.Moved(); moved {
			t = next
			continue
		}
		for e := bin; e != nil; e = e.node.next.Load() {
			if n := e.node; n.hash == h && n.key == key {
				return n.Value(), true
			}
		}
		return value, false
	}
	return value, false
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. It returns the previous value and
// whether there was one.
func (m *Map[K, V]) Put(key K, value V) (old V, loaded bool) {
	return m.put(key, value, false)
}

// PutIfAbsent inserts an entry into the map unless the key is already
// present, in which case the existing value is returned with loaded=true.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (old V, loaded bool) {
	return m.put(key, value, true)
}

func (m *Map[K, V]) put(key K, value V, onlyIfAbsent bool) (old V, loaded bool) {
	g := m.collector.Pin()
	defer g.Unpin()

	h := m.hashKey(key)
	binCount := 0
	t := m.table.Load()
	for {
		if t == nil {
			t = m.initTable()
			continue
		}

		i := binIndex(h, t.Len())
		bin := t.bin(i)
		if bin == nil {
			if t.bins[i].CompareAndSwap(nil, newNode(h, key, &value).entry()) {
				if debug {
					fmt.Printf("put(%v): new bin %d/%d\n", key, i, t.Len())
				}
				break
			}
			continue
		}
		if next, moved := bin.Moved(); moved {
			t = m.helpTransfer(g, t, next)
			continue
		}

		head := bin.node
		head.mu.Lock()
		if t.bin(i) != bin {
			// The head was removed or the bin was transferred while we
			// waited for the lock.
			head.mu.Unlock()
			continue
		}
		binCount = 1
		for n := head; ; binCount++ {
			if n.hash == h && n.key == key {
				old, loaded = n.Value(), true
				if !onlyIfAbsent {
					n.value.Store(&value)
				}
				break
			}
			next := n.next.Load()
			if next == nil {
				n.next.Store(newNode(h, key, &value).entry())
				break
			}
			n = next.node
		}
		head.mu.Unlock()

		if loaded {
			return old, true
		}
		if debug {
			fmt.Printf("put(%v): appended to bin %d/%d (len=%d)\n", key, i, t.Len(), binCount)
		}
		break
	}

	m.addCount(g, 1, binCount)
	return old, false
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning the value it held. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) (old V, ok bool) {
	g := m.collector.Pin()
	defer g.Unpin()

	h := m.hashKey(key)
	for t := m.table.Load(); t != nil; {
		i := binIndex(h, t.Len())
		bin := t.bin(i)
		if bin == nil {
			return old, false
		}
		if next, moved := bin.Moved(); moved {
			t = m.helpTransfer(g, t, next)
			continue
		}

		head := bin.node
		head.mu.Lock()
		if t.bin(i) != bin {
			head.mu.Unlock()
			continue
		}
		// Unlinking leaves the removed node's next intact so that an
		// iterator positioned on it can still reach the rest of the chain.
		var pred *Node[K, V]
		for e := bin; e != nil; e = e.node.next.Load() {
			n := e.node
			if n.hash == h && n.key == key {
				old, ok = n.Value(), true
				if pred == nil {
					t.bins[i].Store(n.next.Load())
				} else {
					pred.next.Store(n.next.Load())
				}
				break
			}
			pred = n
		}
		head.mu.Unlock()

		if ok {
			m.addCount(g, -1, -1)
		}
		return old, ok
	}
	return old, false
}

// Clear deletes all entries from the map. Entries inserted concurrently may
// survive.
func (m *Map[K, V]) Clear() {
	g := m.collector.Pin()
	defer g.Unpin()

	var delta int64
	t := m.table.Load()
	for i := 0; t != nil && i < t.Len(); {
		bin := t.bin(i)
		if bin == nil {
			i++
			continue
		}
		if next, moved := bin.Moved(); moved {
			t = m.helpTransfer(g, t, next)
			i = 0
			continue
		}

		head := bin.node
		head.mu.Lock()
		if t.bin(i) == bin {
			for e := bin; e != nil; e = e.node.next.Load() {
				delta--
			}
			t.bins[i].Store(nil)
			i++
		}
		head.mu.Unlock()
	}
	if delta != 0 {
		m.addCount(g, delta, -1)
	}
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. The map can be mutated and resized
// concurrently with iteration; see NodeIter for what is guaranteed to be
// visited.
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	g := m.collector.Pin()
	defer g.Unpin()

	it := NewNodeIter(m.table.Load(), g)
	for n := it.Next(); n != nil; n = it.Next() {
		if !yield(n.key, n.Value()) {
			return
		}
	}
}

// Keys calls yield sequentially for each key present in the map, with the
// same guarantees as All.
func (m *Map[K, V]) Keys(yield func(key K) bool) {
	m.All(func(key K, _ V) bool {
		return yield(key)
	})
}

// Values calls yield sequentially for each value present in the map, with
// the same guarantees as All.
func (m *Map[K, V]) Values(yield func(value V) bool) {
	m.All(func(_ K, value V) bool {
		return yield(value)
	})
}

// Len returns the number of entries in the map. The count is only exact in
// the absence of concurrent writers.
func (m *Map[K, V]) Len() int {
	return int(max(m.count.Load(), 0))
}

// Close releases the current table back to the configured allocator and runs
// any pending reclamation. It is unnecessary to close a map using the default
// allocator. It is invalid to use a Map concurrently with or after Close,
// though Close itself is idempotent.
func (m *Map[K, V]) Close() {
	if t := m.table.Swap(nil); t != nil {
		m.allocator.FreeBins(t.bins)
	}
	m.count.Store(0)
	m.sizeCtl.Store(0)
	m.collector.Flush()
}

// initTable installs the first table, or waits for the goroutine that is
// installing it.
func (m *Map[K, V]) initTable() *Table[K, V] {
	for {
		if t := m.table.Load(); t != nil {
			return t
		}
		sc := m.sizeCtl.Load()
		if sc < 0 {
			runtime.Gosched()
			continue
		}
		if m.sizeCtl.CompareAndSwap(sc, -1) {
			t := m.table.Load()
			if t == nil {
				n := defaultCapacity
				if sc > 0 {
					n = int(sc)
				}
				t = m.newTable(n)
				m.table.Store(t)
				sc = int32(n - n>>2)
			}
			m.sizeCtl.Store(sc)
			return t
		}
	}
}

// addCount adjusts the element count by delta. If check >= 0 and the count
// has reached the resize threshold, it starts a resize or helps the one in
// progress, repeating while the count stays above the new threshold.
func (m *Map[K, V]) addCount(g *Guard, delta int64, check int) {
	s := m.count.Add(delta)
	if check < 0 {
		return
	}
	for {
		sc := m.sizeCtl.Load()
		t := m.table.Load()
		if t == nil || s < int64(sc) || t.Len() >= maxCapacity {
			return
		}
		n := t.Len()
		rs := resizeStamp(n) << resizeStampShift
		if sc < 0 {
			nt := m.nextTable.Load()
			if sc>>resizeStampShift != rs>>resizeStampShift ||
				sc == rs+maxResizers || sc == rs+1 ||
				nt == nil || m.transferIndex.Load() <= 0 {
				return
			}
			if m.sizeCtl.CompareAndSwap(sc, sc+1) {
				m.transfer(g, t, nt)
			}
		} else if m.sizeCtl.CompareAndSwap(sc, rs+2) {
			m.transfer(g, t, nil)
		}
		s = m.count.Load()
	}
}

// helpTransfer joins the resize of tab into nextTab if it is still running,
// and returns nextTab.
func (m *Map[K, V]) helpTransfer(g *Guard, tab, nextTab *Table[K, V]) *Table[K, V] {
	rs := resizeStamp(tab.Len()) << resizeStampShift
	for nextTab == m.nextTable.Load() && tab == m.table.Load() {
		sc := m.sizeCtl.Load()
		if sc >= 0 || sc == rs+maxResizers || sc == rs+1 || m.transferIndex.Load() <= 0 {
			break
		}
		if m.sizeCtl.CompareAndSwap(sc, sc+1) {
			m.transfer(g, tab, nextTab)
			break
		}
	}
	return nextTab
}

// transfer moves the bins of tab into nextTab, allocating nextTab if this is
// the goroutine that started the resize. Bins are claimed from the top down
// in strides through transferIndex. The last resizer to leave rechecks every
// bin, installs nextTab and retires tab.
func (m *Map[K, V]) transfer(g *Guard, tab, nextTab *Table[K, V]) {
	n := tab.Len()
	stride := max((n>>3)/runtime.GOMAXPROCS(0), minTransferStride)
	if nextTab == nil {
		if n >= maxCapacity {
			panic(errors.AssertionFailedf("flurry: cannot grow table of %d bins", n))
		}
		nextTab = m.newTable(n << 1)
		m.nextTable.Store(nextTab)
		m.transferIndex.Store(int64(n))
		if debug {
			fmt.Printf("resize: %d -> %d\n", n, n<<1)
		}
	}
	nextn := nextTab.Len()
	if invariants && nextn != n<<1 {
		panic(errors.AssertionFailedf("flurry: resize from %d bins to %d bins", n, nextn))
	}

	fwd := &BinEntry[K, V]{moved: nextTab}
	advance, finishing := true, false
	var i, bound int
	for {
		for advance {
			i--
			if i >= bound || finishing {
				advance = false
				break
			}
			nextIndex := int(m.transferIndex.Load())
			if nextIndex <= 0 {
				i = -1
				advance = false
				break
			}
			nextBound := max(nextIndex-stride, 0)
			if m.transferIndex.CompareAndSwap(int64(nextIndex), int64(nextBound)) {
				bound, i = nextBound, nextIndex-1
				advance = false
			}
		}

		if i < 0 || i >= n || i+n >= nextn {
			if finishing {
				m.nextTable.Store(nil)
				m.table.Store(nextTab)
				m.sizeCtl.Store(int32(n<<1 - n>>1))
				// Readers pinned before the swap may still be walking tab.
				bins := tab.bins
				g.Defer(func() { m.allocator.FreeBins(bins) })
				if debug {
					fmt.Printf("resize: %d -> %d done\n", n, nextn)
				}
				return
			}
			sc := m.sizeCtl.Load()
			if m.sizeCtl.CompareAndSwap(sc, sc-1) {
				if sc-2 != resizeStamp(n)<<resizeStampShift {
					return
				}
				// Last one out sweeps the whole table before committing.
				finishing, advance = true, true
				i = n
			}
			continue
		}

		bin := tab.bin(i)
		if bin == nil {
			advance = tab.bins[i].CompareAndSwap(nil, fwd)
			continue
		}
		if _, moved := bin.Moved(); moved {
			advance = true
			continue
		}

		head := bin.node
		head.mu.Lock()
		if tab.bin(i) == bin {
			if invariants {
				checkBin(bin, i, n)
			}
			lo, hi := split(bin, n)
			nextTab.bins[i].Store(lo)
			nextTab.bins[i+n].Store(hi)
			tab.bins[i].Store(fwd)
			advance = true
		}
		head.mu.Unlock()
	}
}

// split divides the chain starting at bin between bins i and i+n of the
// doubled table, returning the new heads. The longest tail whose nodes all
// land in the same bin is shared with the old chain; the nodes in front of it
// are copied so that the old chain stays intact for readers still on it.
func split[K comparable, V any](bin *BinEntry[K, V], n int) (lo, hi *BinEntry[K, V]) {
	runBit := bin.node.hash & uintptr(n)
	lastRun := bin
	for e := bin.node.next.Load(); e != nil; e = e.node.next.Load() {
		if b := e.node.hash & uintptr(n); b != runBit {
			runBit = b
			lastRun = e
		}
	}
	if runBit == 0 {
		lo = lastRun
	} else {
		hi = lastRun
	}

	for e := bin; e != lastRun; e = e.node.next.Load() {
		p := e.node
		c := &Node[K, V]{hash: p.hash, key: p.key}
		c.value.Store(p.value.Load())
		if p.hash&uintptr(n) == 0 {
			c.next.Store(lo)
			lo = c.entry()
		} else {
			c.next.Store(hi)
			hi = c.entry()
		}
	}
	return lo, hi
}

func checkBin[K comparable, V any](bin *BinEntry[K, V], i, n int) {
	for e := bin; e != nil; e = e.node.next.Load() {
		if e.moved != nil {
			panic(errors.AssertionFailedf("flurry: forwarding marker inside chain of bin %d", i))
		}
		if j := binIndex(e.node.hash, n); j != i {
			panic(errors.AssertionFailedf("flurry: node for bin %d found in bin %d of %d", j, i, n))
		}
	}
}
