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

package sockreg

import (
	"compartnet.dev/compartnet/pkg/flaglock"
	"compartnet.dev/compartnet/pkg/ilist"
	"compartnet.dev/compartnet/pkg/thread"
)

// Registry is the compartment-wide collection of live sealed sockets.
//
// The registry's lock is exported because the recovery path manipulates it
// directly: it forcibly unlocks it on behalf of a thread that crashed
// while holding it, and upgrades it for destruction during a reset.
type Registry struct {
	// Lock guards the list. Callers that need the list consistent across
	// more than a single operation (socket creation binds and inserts
	// under one critical section) hold it across the whole sequence.
	Lock flaglock.FlagLock

	// list holds the live records. Guarded by Lock, except that Reset is
	// deliberately unconditional.
	list ilist.List
}

// Insert adds s to the registry on behalf of tid. Returns false if the
// registry lock has been upgraded for destruction.
func (r *Registry) Insert(tid thread.ID, s *Socket) bool {
	if !r.Lock.Lock(tid) {
		return false
	}
	r.InsertLocked(s)
	r.Lock.Unlock()
	return true
}

// InsertLocked adds s to the registry. The caller must hold Lock.
func (r *Registry) InsertLocked(s *Socket) {
	r.list.PushBack(s)
}

// Remove removes s from the registry on behalf of tid. Returns false if
// the registry lock has been upgraded for destruction; during a reset
// individual removal is skipped in favor of the bulk Reset.
func (r *Registry) Remove(tid thread.ID, s *Socket) bool {
	if !r.Lock.Lock(tid) {
		return false
	}
	r.list.Remove(s)
	r.Lock.Unlock()
	return true
}

// ForEachLocked calls fn for every record in the registry, including
// records that fail validity checks; callers decide what may be touched.
// The caller must hold Lock.
func (r *Registry) ForEachLocked(fn func(*Socket)) {
	for e := r.list.Front(); e != nil; e = e.Next() {
		fn(e.(*Socket))
	}
}

// Reset atomically empties the registry. It is unconditional: records are
// dropped in bulk whether or not each was individually processed, and
// their backing memory is left to the bulk heap reclaim.
func (r *Registry) Reset() {
	r.list.Reset()
}

// Empty returns true iff the registry holds no records.
func (r *Registry) Empty() bool {
	return r.list.Empty()
}

// Len returns the number of records. O(n).
func (r *Registry) Len() int {
	return r.list.Len()
}
