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

// Package eventqueue provides the bounded message queue that delivers
// network events to the network thread.
//
// The queue is guarded by a destructible flag lock. Destroying the queue
// upgrades that lock for destruction, so every thread parked in Send or
// Receive wakes and fails with ErrDestroyed rather than touching the dead
// queue. The network thread treats a destroyed queue as the signal that a
// stack reset is underway.
package eventqueue

import (
	"errors"

	"compartnet.dev/compartnet/pkg/flaglock"
	"compartnet.dev/compartnet/pkg/thread"
)

// Kind identifies the type of a network event.
type Kind uint8

// Network event types delivered to the network thread.
const (
	// Rx indicates a received frame to process.
	Rx Kind = iota

	// Tx indicates a completed transmission.
	Tx

	// Bind indicates a socket bind request.
	Bind

	// Close indicates a socket close request.
	Close

	// Tick indicates a periodic timer event.
	Tick
)

// Event is a message delivered through the queue.
type Event struct {
	Kind Kind

	// Payload is event-specific data, typically a socket handle word.
	Payload uint64
}

// ErrDestroyed is returned by operations on a destroyed queue.
var ErrDestroyed = errors.New("event queue destroyed")

// Queue is a bounded FIFO of network events.
type Queue struct {
	// lock is the queue's internal lock. All fields below are guarded by
	// it. Destroy upgrades it for destruction.
	lock flaglock.FlagLock

	events   []Event
	capacity int

	// wake is closed to broadcast a state change to parked senders and
	// receivers, then replaced. Guarded by lock.
	wake chan struct{}
}

// New creates a queue holding at most capacity events.
func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Send enqueues ev on behalf of tid, blocking while the queue is full.
// Returns ErrDestroyed if the queue is destroyed before or while blocked.
func (q *Queue) Send(tid thread.ID, ev Event) error {
	for {
		if !q.lock.Lock(tid) {
			return ErrDestroyed
		}
		if len(q.events) < q.capacity {
			q.events = append(q.events, ev)
			q.broadcast()
			q.lock.Unlock()
			return nil
		}
		ch := q.wakeChannel()
		q.lock.Unlock()
		<-ch
	}
}

// Receive dequeues the next event on behalf of tid, blocking while the
// queue is empty. Returns ErrDestroyed if the queue is destroyed before or
// while blocked.
func (q *Queue) Receive(tid thread.ID) (Event, error) {
	for {
		if !q.lock.Lock(tid) {
			return Event{}, ErrDestroyed
		}
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			q.broadcast()
			q.lock.Unlock()
			return ev, nil
		}
		ch := q.wakeChannel()
		q.lock.Unlock()
		<-ch
	}
}

// Destroy destroys the queue on behalf of tid. Parked senders and
// receivers wake with ErrDestroyed. Destroying an already destroyed queue
// returns ErrDestroyed.
func (q *Queue) Destroy(tid thread.ID) error {
	if !q.lock.Lock(tid) {
		return ErrDestroyed
	}
	q.lock.UpgradeForDestruction()
	q.events = nil
	q.broadcast()
	q.lock.Unlock()
	return nil
}

// wakeChannel returns the channel threads park on. Must be called with the
// queue lock held.
func (q *Queue) wakeChannel() chan struct{} {
	if q.wake == nil {
		q.wake = make(chan struct{})
	}
	return q.wake
}

// broadcast wakes all parked threads. Must be called with the queue lock
// held.
func (q *Queue) broadcast() {
	if q.wake != nil {
		close(q.wake)
		q.wake = nil
	}
}
