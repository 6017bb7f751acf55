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

// Package flaglock provides a mutual-exclusion primitive with an explicit
// destruction lifecycle.
//
// A FlagLock moves through the states free, held and destruction-pending.
// Once upgraded for destruction it can never be acquired again: any thread
// newly attempting to acquire it, or already blocked on it, is released
// with a failure outcome instead of being granted ownership. This is how a
// crash-recovery path evacuates threads parked on arbitrary locks without
// deadlocking. A destroyed lock may later be reinitialized to its pristine
// state with Reset, once no waiter can remain.
package flaglock

import (
	"sync"

	"compartnet.dev/compartnet/pkg/atomicbitops"
	"compartnet.dev/compartnet/pkg/thread"
)

// FlagLock is a destructible lock. The zero value is a valid, free lock.
//
// Unlike sync.Mutex, a FlagLock records the identity of the thread that
// holds it, and may be unlocked by a thread other than the owner. The
// recovery path depends on both: it must detect a lock held by a crashed
// thread and forcibly release it on that thread's behalf.
type FlagLock struct {
	// mu guards the fields below. Waiters park on wake, not on mu; mu is
	// only ever held for short, non-blocking critical sections.
	mu sync.Mutex

	// owner is the thread currently holding the lock, or thread.None.
	owner thread.ID

	// destroying is set by UpgradeForDestruction and cleared only by
	// Reset.
	destroying bool

	// wake is closed to broadcast a state change to waiters, then
	// replaced. Lazily allocated.
	wake chan struct{}

	// poison models the validity tag of the lock's capability. Zero means
	// valid, so the zero value of FlagLock is usable. It is atomic because
	// the recovery path inspects locks that other threads may be touching.
	poison atomicbitops.Uint32
}

// Lock acquires the lock for tid, blocking while another thread holds it.
// It returns false without acquiring if the lock has been upgraded for
// destruction, including when the upgrade happens while blocked.
func (l *FlagLock) Lock(tid thread.ID) bool {
	l.mu.Lock()
	for {
		if l.destroying {
			l.mu.Unlock()
			return false
		}
		if l.owner == thread.None {
			l.owner = tid
			l.mu.Unlock()
			return true
		}
		ch := l.wakeChannel()
		l.mu.Unlock()
		<-ch
		l.mu.Lock()
	}
}

// TryLock attempts to acquire the lock for tid without blocking.
func (l *FlagLock) TryLock(tid thread.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroying || l.owner != thread.None {
		return false
	}
	l.owner = tid
	return true
}

// Unlock releases the lock and wakes all waiters.
//
// Unlock does not check the caller's identity: the recovery path unlocks
// on behalf of a thread that crashed while holding the lock.
func (l *FlagLock) Unlock() {
	l.mu.Lock()
	l.owner = thread.None
	l.broadcast()
	l.mu.Unlock()
}

// Owner returns the thread currently holding the lock, or thread.None.
func (l *FlagLock) Owner() thread.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// UpgradeForDestruction marks the lock so that it can no longer be
// acquired. All current waiters are released with a failure outcome, as is
// any thread that attempts to acquire it later. The current holder, if
// any, is not affected; its Unlock remains legal.
func (l *FlagLock) UpgradeForDestruction() {
	l.mu.Lock()
	l.destroying = true
	l.broadcast()
	l.mu.Unlock()
}

// Reset reinitializes the lock to its pristine free state.
//
// Only legal once no thread can be blocked on the lock, i.e. after it was
// upgraded for destruction and every waiter has been released.
func (l *FlagLock) Reset() {
	l.mu.Lock()
	l.owner = thread.None
	l.destroying = false
	l.wake = nil
	l.mu.Unlock()
	l.poison.Store(0)
}

// Valid reports whether the lock's backing capability still carries its
// validity tag. A corrupted lock must not be operated on.
func (l *FlagLock) Valid() bool {
	return l.poison.Load() == 0
}

// Corrupt clears the lock's validity tag. It exists for tests that
// exercise recovery from partially corrupted state.
func (l *FlagLock) Corrupt() {
	l.poison.Store(1)
}

// wakeChannel returns the channel waiters should park on. Must be called
// with mu held.
func (l *FlagLock) wakeChannel() chan struct{} {
	if l.wake == nil {
		l.wake = make(chan struct{})
	}
	return l.wake
}

// broadcast wakes all waiters. Must be called with mu held.
func (l *FlagLock) broadcast() {
	if l.wake != nil {
		close(l.wake)
		l.wake = nil
	}
}
