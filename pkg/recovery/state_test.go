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

package recovery

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"compartnet.dev/compartnet/pkg/atomicbitops"
)

func TestStateSingleWinner(t *testing.T) {
	var s State
	var winners atomicbitops.Int32

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			if won, _ := s.TryBegin(); won {
				winners.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := winners.Load(); got != 1 {
		t.Fatalf("%d winners, want exactly 1", got)
	}
	if got := s.Load(); got != Restarting {
		t.Errorf("state = %d, want Restarting", got)
	}
}

func TestStateLoserObservesPriorValue(t *testing.T) {
	var s State
	s.TryBegin()
	s.SetKicked()

	won, observed := s.TryBegin()
	if won {
		t.Fatal("TryBegin won twice")
	}
	if observed != Restarting|NetThreadKicked {
		t.Errorf("observed = %d, want Restarting|NetThreadKicked", observed)
	}
}

func TestStateClear(t *testing.T) {
	var s State
	s.TryBegin()
	s.SetKicked()
	if !s.Restarting() || !s.Kicked() {
		t.Fatal("bits not set")
	}
	s.Clear()
	if got := s.Load(); got != NotRestarting {
		t.Fatalf("state = %d after Clear, want NotRestarting", got)
	}
	if won, _ := s.TryBegin(); !won {
		t.Error("TryBegin lost on cleared state")
	}
}
