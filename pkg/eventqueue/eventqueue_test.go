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

package eventqueue

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestSendReceive(t *testing.T) {
	q := New(4)
	want := []Event{{Kind: Rx, Payload: 1}, {Kind: Tx, Payload: 2}, {Kind: Tick}}
	for _, ev := range want {
		if err := q.Send(1, ev); err != nil {
			t.Fatalf("Send(%v) failed: %v", ev, err)
		}
	}
	for _, w := range want {
		got, err := q.Receive(2)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if got != w {
			t.Errorf("Receive = %v, want %v", got, w)
		}
	}
}

func TestSendBlocksWhenFull(t *testing.T) {
	q := New(1)
	if err := q.Send(1, Event{Kind: Rx}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sent := make(chan error)
	go func() {
		sent <- q.Send(1, Event{Kind: Tx})
	}()

	select {
	case err := <-sent:
		t.Fatalf("Send returned %v on a full queue", err)
	case <-time.After(10 * time.Millisecond):
	}

	if _, err := q.Receive(2); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-sent; err != nil {
		t.Fatalf("blocked Send failed: %v", err)
	}
}

func TestDestroyWakesBlockedSenders(t *testing.T) {
	q := New(1)
	q.Send(1, Event{Kind: Rx}) // fill the queue

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			if err := q.Send(2, Event{Kind: Tx}); !errors.Is(err, ErrDestroyed) {
				return errors.New("blocked Send did not fail with ErrDestroyed")
			}
			return nil
		})
	}

	time.Sleep(5 * time.Millisecond)
	if err := q.Destroy(4); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if err := q.Send(1, Event{}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Send after Destroy returned %v, want ErrDestroyed", err)
	}
	if err := q.Destroy(1); !errors.Is(err, ErrDestroyed) {
		t.Errorf("second Destroy returned %v, want ErrDestroyed", err)
	}
}

func TestDestroyWakesBlockedReceiver(t *testing.T) {
	q := New(1)

	got := make(chan error)
	go func() {
		_, err := q.Receive(2)
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("Receive returned %v on an empty queue", err)
	case <-time.After(10 * time.Millisecond):
	}

	if err := q.Destroy(3); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := <-got; !errors.Is(err, ErrDestroyed) {
		t.Errorf("blocked Receive returned %v, want ErrDestroyed", err)
	}
}
