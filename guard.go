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
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/cpu"
)

// Collector is an epoch based reclamation domain. Readers Pin a Guard before
// loading a Table or Node and Unpin it once they no longer use anything they
// loaded. Writers that unlink memory retire it with Guard.Defer; the deferred
// function runs only after every Guard that could have observed the memory
// has been unpinned.
//
// The Go GC keeps unlinked memory alive on its own, so what the Collector
// protects is the release callback: a superseded Table's bins are handed back
// to the Allocator no earlier than the last reader that might still be
// walking them is done.
type Collector struct {
	// epoch only moves forward. Every retirement advances it so that guards
	// pinned afterwards never hold back what was retired before them.
	epoch atomic.Uint64
	_     cpu.CacheLinePad
	// participants is a push-only list of pin records. Records are reused
	// once unpinned.
	participants atomic.Pointer[participant]

	mu      sync.Mutex
	garbage []retired
}

type participant struct {
	// pinned is the epoch the owning Guard pinned at, or 0 if the record is
	// free.
	pinned atomic.Uint64
	next   *participant
	_      cpu.CacheLinePad
}

type retired struct {
	epoch uint64
	fn    func()
}

// NewCollector returns an empty reclamation domain.
func NewCollector() *Collector {
	c := &Collector{}
	c.epoch.Store(1)
	return c
}

// Guard is the capability that keeps memory loaded through it from being
// released. A Guard must be used by a single goroutine and unpinned exactly
// once.
type Guard struct {
	c *Collector
	p *participant
}

// Pin registers a reader and returns its Guard.
func (c *Collector) Pin() *Guard {
	e := c.epoch.Load()
	for p := c.participants.Load(); p != nil; p = p.next {
		if p.pinned.Load() == 0 && p.pinned.CompareAndSwap(0, e) {
			return &Guard{c: c, p: p}
		}
	}
	p := &participant{}
	p.pinned.Store(e)
	for {
		head := c.participants.Load()
		p.next = head
		if c.participants.CompareAndSwap(head, p) {
			break
		}
	}
	return &Guard{c: c, p: p}
}

// Unpin releases the guard and runs any retired functions that are no longer
// observable. References obtained under g must not be used afterwards.
func (g *Guard) Unpin() {
	if g.p == nil {
		panic(errors.AssertionFailedf("flurry: guard unpinned twice"))
	}
	g.p.pinned.Store(0)
	g.p = nil
	g.c.collect(false)
}

// Defer retires fn at the current epoch. It runs once no guard pinned at or
// before that epoch remains pinned, possibly on another goroutine. The caller
// must already have made the retired memory unreachable for new readers.
func (g *Guard) Defer(fn func()) {
	if g.p == nil {
		panic(errors.AssertionFailedf("flurry: Defer on an unpinned guard"))
	}
	c := g.c
	e := c.epoch.Add(1) - 1
	c.mu.Lock()
	c.garbage = append(c.garbage, retired{epoch: e, fn: fn})
	c.mu.Unlock()
	if debug {
		fmt.Printf("collector: retired at epoch %d\n", e)
	}
	c.collect(false)
}

// Flush runs every retired function that is no longer observable, waiting
// for the collector's lock if another goroutine holds it.
func (c *Collector) Flush() {
	c.collect(true)
}

// pending returns the number of retired functions that have not run yet.
func (c *Collector) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.garbage)
}

// minPinned returns the oldest epoch any guard is pinned at, or MaxUint64 if
// nothing is pinned.
func (c *Collector) minPinned() uint64 {
	oldest := ^uint64(0)
	for p := c.participants.Load(); p != nil; p = p.next {
		if e := p.pinned.Load(); e != 0 && e < oldest {
			oldest = e
		}
	}
	return oldest
}

func (c *Collector) collect(wait bool) {
	if wait {
		c.mu.Lock()
	} else if !c.mu.TryLock() {
		return
	}
	if len(c.garbage) == 0 {
		c.mu.Unlock()
		return
	}
	oldest := c.minPinned()
	var ready []func()
	j := 0
	for _, r := range c.garbage {
		if r.epoch < oldest {
			ready = append(ready, r.fn)
			continue
		}
		c.garbage[j] = r
		j++
	}
	clear(c.garbage[j:])
	c.garbage = c.garbage[:j]
	c.mu.Unlock()

	if debug && len(ready) > 0 {
		fmt.Printf("collector: reclaiming %d (oldest pin %d)\n", len(ready), oldest)
	}
	for _, fn := range ready {
		fn()
	}
}
