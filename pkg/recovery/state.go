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

// Package recovery drives the compartment's crash recovery: it classifies
// faults delivered by the host trap mechanism and, on genuine corruption,
// performs an orchestrated reset of the network stack.
package recovery

import (
	"compartnet.dev/compartnet/pkg/atomicbitops"
)

// Restart state bits.
const (
	// NotRestarting is the quiescent state.
	NotRestarting uint32 = 0

	// Restarting is set by the single fault handler instance that wins
	// the reset gate, and cleared only by the network thread once its
	// reinitialization completes.
	Restarting uint32 = 1

	// NetThreadKicked is set once the reset's reclaim phase is done and
	// the network thread has been told to restart.
	NetThreadKicked uint32 = 2
)

// State is the restart state machine. The zero value is NotRestarting.
//
// It serves three purposes: it ensures only one fault handler instance
// performs a reset, it keeps new threads from entering the compartment
// while a reset is in flight, and it tells the network thread to restart
// whenever it wakes.
type State struct {
	word atomicbitops.Uint32
}

// TryBegin attempts the NotRestarting -> Restarting transition. Exactly
// one caller per reset round wins. Losers get won == false and the state
// value they observed.
func (s *State) TryBegin() (won bool, observed uint32) {
	for {
		v := s.word.Load()
		if v != NotRestarting {
			return false, v
		}
		if s.word.CompareAndSwap(NotRestarting, Restarting) {
			return true, NotRestarting
		}
	}
}

// SetKicked sets the NetThreadKicked bit.
func (s *State) SetKicked() {
	s.word.FetchOr(NetThreadKicked)
}

// Clear returns the state to NotRestarting. Only the network thread calls
// this, as the terminal transition of a completed reset.
func (s *State) Clear() {
	s.word.Store(NotRestarting)
}

// Load returns the current state bits.
func (s *State) Load() uint32 {
	return s.word.Load()
}

// Restarting reports whether a reset is in flight.
func (s *State) Restarting() bool {
	return s.word.Load()&Restarting != 0
}

// Kicked reports whether the network thread has been told to restart.
func (s *State) Kicked() bool {
	return s.word.Load()&NetThreadKicked != 0
}
