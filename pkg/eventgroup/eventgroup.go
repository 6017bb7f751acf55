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

// Package eventgroup provides a wait/notify primitive over a word of event
// bits.
//
// Sockets park readers and writers on an event group until the protocol
// state they wait for is signalled. The group supports forced destruction:
// every thread parked on a destroyed group wakes with ErrDestroyed, which
// is how the recovery path evacuates threads blocked on socket events.
package eventgroup

import (
	"errors"
	"sync"

	"compartnet.dev/compartnet/pkg/atomicbitops"
)

// Bits is a set of event bits.
type Bits uint32

// ErrDestroyed is returned to waiters and signallers of a destroyed group.
var ErrDestroyed = errors.New("event group destroyed")

// Group is a set of event bits that threads can wait on. The zero value is
// an empty, valid group.
type Group struct {
	// mu guards the fields below.
	mu sync.Mutex

	// bits is the currently signalled set.
	bits Bits

	// destroyed is set by ForceDestroy and never cleared; a destroyed
	// group's memory is reclaimed wholesale, never reused.
	destroyed bool

	// wake is closed to broadcast a state change, then replaced.
	wake chan struct{}

	// poison models the validity tag of the group's capability; zero
	// means valid.
	poison atomicbitops.Uint32
}

// Wait blocks until at least one bit of mask (or, with waitAll, every bit
// of mask) is signalled, then clears the matched bits and returns the set
// observed. Returns ErrDestroyed if the group is destroyed before or while
// waiting.
func (g *Group) Wait(mask Bits, waitAll bool) (Bits, error) {
	g.mu.Lock()
	for {
		if g.destroyed {
			g.mu.Unlock()
			return 0, ErrDestroyed
		}
		got := g.bits & mask
		if (waitAll && got == mask) || (!waitAll && got != 0) {
			g.bits &^= got
			g.mu.Unlock()
			return got, nil
		}
		ch := g.wakeChannel()
		g.mu.Unlock()
		<-ch
		g.mu.Lock()
	}
}

// Set signals the given bits and wakes waiters.
func (g *Group) Set(bits Bits) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return ErrDestroyed
	}
	g.bits |= bits
	g.broadcast()
	return nil
}

// ForceDestroy destroys the group. Every parked waiter wakes with
// ErrDestroyed, as does any thread that waits afterwards. Destroying an
// already destroyed group returns ErrDestroyed; callers on the recovery
// path tolerate that.
func (g *Group) ForceDestroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return ErrDestroyed
	}
	g.destroyed = true
	g.broadcast()
	return nil
}

// Valid reports whether the group's backing capability still carries its
// validity tag.
func (g *Group) Valid() bool {
	return g.poison.Load() == 0
}

// Corrupt clears the group's validity tag. For tests exercising recovery
// from partial corruption.
func (g *Group) Corrupt() {
	g.poison.Store(1)
}

// wakeChannel returns the channel waiters park on. Must be called with mu
// held.
func (g *Group) wakeChannel() chan struct{} {
	if g.wake == nil {
		g.wake = make(chan struct{})
	}
	return g.wake
}

// broadcast wakes all waiters. Must be called with mu held.
func (g *Group) broadcast() {
	if g.wake != nil {
		close(g.wake)
		g.wake = nil
	}
}
