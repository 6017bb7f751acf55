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

package flaglock

import (
	"compartnet.dev/compartnet/pkg/thread"
)

// RecursiveLock is a FlagLock that may be re-acquired by the thread that
// already holds it. The zero value is a valid, free lock.
//
// The compartment's two global critical-section locks are of this kind.
type RecursiveLock struct {
	lock FlagLock

	// depth is the number of times the owner has acquired the lock. It is
	// only mutated by the owner while the underlying lock is held.
	depth uint32
}

// Lock acquires the lock for tid. Returns false if the lock has been
// upgraded for destruction.
func (l *RecursiveLock) Lock(tid thread.ID) bool {
	if tid != thread.None && l.lock.Owner() == tid {
		l.depth++
		return true
	}
	if !l.lock.Lock(tid) {
		return false
	}
	l.depth = 1
	return true
}

// Unlock undoes one Lock by the owner, releasing the underlying lock when
// the outermost acquisition is undone.
func (l *RecursiveLock) Unlock() {
	if l.depth > 0 {
		l.depth--
	}
	if l.depth == 0 {
		l.lock.Unlock()
	}
}

// Owner returns the thread currently holding the lock, or thread.None.
func (l *RecursiveLock) Owner() thread.ID {
	return l.lock.Owner()
}

// UpgradeForDestruction marks the underlying lock for destruction. See
// FlagLock.UpgradeForDestruction.
func (l *RecursiveLock) UpgradeForDestruction() {
	l.lock.UpgradeForDestruction()
}

// Reset reinitializes the lock and its depth counter to the pristine
// state. See FlagLock.Reset for when this is legal.
func (l *RecursiveLock) Reset() {
	l.lock.Reset()
	l.depth = 0
}

// Valid reports whether the underlying lock is valid.
func (l *RecursiveLock) Valid() bool {
	return l.lock.Valid()
}
