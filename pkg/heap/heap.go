// Copyright 2025 The Compartnet Authors.
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

// Package heap provides the compartment's quota-accounted heap arena.
//
// The arena tracks every outstanding allocation made with the
// compartment's allocator identity so that all of them can be reclaimed in
// bulk during a stack reset. Allocation blocks when the quota is
// exhausted; FreeAll releases everything and wakes blocked allocators,
// which is what guarantees forward progress for the reset's drain loop
// even when threads are parked inside the allocator.
package heap

import (
	"sync"
)

// Arena is a quota-accounted allocation arena. Use New to create one.
type Arena struct {
	// mu guards the fields below.
	mu sync.Mutex

	// quota is the total number of bytes the arena may hand out.
	quota uint64

	// used is the number of bytes currently handed out.
	used uint64

	// generation is bumped by FreeAll; allocations from earlier
	// generations are stale.
	generation uint64

	// wake is closed to broadcast reclaimed space, then replaced.
	wake chan struct{}
}

// Allocation is a block handed out by an Arena.
type Allocation struct {
	arena      *Arena
	size       uint64
	generation uint64
	freed      bool
}

// New creates an arena with the given quota in bytes.
func New(quota uint64) *Arena {
	return &Arena{quota: quota}
}

// Alloc allocates size bytes, blocking until the quota admits the request.
// A request larger than the whole quota blocks until a FreeAll resets the
// arena and then fails by never being admitted; callers are expected to
// size requests within quota.
func (a *Arena) Alloc(size uint64) *Allocation {
	a.mu.Lock()
	for a.used+size > a.quota {
		ch := a.wakeChannel()
		a.mu.Unlock()
		<-ch
		a.mu.Lock()
	}
	a.used += size
	alloc := &Allocation{arena: a, size: size, generation: a.generation}
	a.mu.Unlock()
	return alloc
}

// Free releases a single allocation. Freeing a stale or already freed
// allocation is a no-op: its space was returned by a FreeAll.
func (a *Arena) Free(alloc *Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc.freed || alloc.generation != a.generation {
		return
	}
	alloc.freed = true
	a.used -= alloc.size
	a.broadcast()
}

// FreeAll releases every outstanding allocation and wakes threads blocked
// in Alloc. It is idempotent and safe to call repeatedly.
func (a *Arena) FreeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.used = 0
	a.broadcast()
}

// Used returns the number of bytes currently handed out.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Valid reports whether alloc is still backed by the arena, i.e. has not
// been freed individually or reclaimed by a FreeAll.
func (a *Arena) Valid(alloc *Allocation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !alloc.freed && alloc.generation == a.generation
}

// wakeChannel returns the channel blocked allocators park on. Must be
// called with mu held.
func (a *Arena) wakeChannel() chan struct{} {
	if a.wake == nil {
		a.wake = make(chan struct{})
	}
	return a.wake
}

// broadcast wakes all blocked allocators. Must be called with mu held.
func (a *Arena) broadcast() {
	if a.wake != nil {
		close(a.wake)
		a.wake = nil
	}
}
