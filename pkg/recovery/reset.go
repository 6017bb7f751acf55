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
	"time"

	"compartnet.dev/compartnet/pkg/log"
	"compartnet.dev/compartnet/pkg/sockreg"
	"compartnet.dev/compartnet/pkg/thread"
)

// ResetStackState resets the network stack after a corruption fault on
// thread tid. It runs synchronously in the faulting thread's context.
//
// The procedure walks every synchronization primitive the stack touches
// and sets it up for destruction. It is designed to be robust against most
// kinds of compartment corruption, on the assumptions that reset-critical
// state (everything reachable from the Context) is intact, control flow
// has not been altered, and memory safety holds.
func (c *Context) ResetStackState(tid thread.ID) {
	// Phase 1: bookkeeping, then decide whether a reset is already in
	// flight.
	isUserThread := tid != c.NetThreadID
	if isUserThread {
		log.Infof("User thread network stack error handler called")
		c.UserThreads.Add(-1)
	} else {
		log.Infof("Network thread network stack error handler called")
	}

	// The only legitimate way to fault while holding the registry lock is
	// a crash during socket creation, which holds it for more than just
	// the list edit. Unlock it on the crashed thread's behalf; anything
	// else blocked on it can then make progress.
	if c.Registry.Lock.Owner() == tid {
		log.Warningf("The sealed sockets lock was held by the crashing thread. Forcefully unlocking it.")
		c.Registry.Lock.Unlock()
	}

	// Winning the transition does three things: it ensures only one
	// handler instance performs the reset, keeps new threads from
	// entering the compartment, and resets the network thread whenever it
	// wakes up.
	won, observed := c.State.TryBegin()
	if !won {
		if !isUserThread && observed&NetThreadKicked != 0 {
			// Recovering from a crash that happens during the reset
			// process is not attempted: such a crash means either the
			// reset code is wrong or unresettable state is corrupted,
			// and rerunning the same procedure will not improve either.
			log.Warningf("The network thread crashed while restarting. This may be unrecoverable.")
		}
		// Another handler instance is performing the reset.
		return
	}

	// Phase 2: unblock and evacuate all threads from the stack, apart
	// from the network thread.
	log.Infof("Resetting the network stack.")

	// The list must not change shape while we walk it. Blocking here is
	// fine: any holder either releases the lock normally or crashes into
	// this handler, whose phase 1 unlocks it forcibly.
	log.Debugf("Acquiring the sealed sockets lock.")
	c.Registry.Lock.Lock(tid)

	log.Debugf("Setting the sealed sockets list lock for destruction.")
	c.Registry.Lock.UpgradeForDestruction()

	// Upgrade socket locks for destruction and destroy event groups so
	// that threads waiting on them exit the compartment. The list itself
	// is emptied afterwards, in bulk.
	log.Debugf("Setting socket locks for destruction and destroying event groups.")
	c.Registry.ForEachLocked(func(s *sockreg.Socket) {
		if s.Lock.Valid() {
			log.Debugf("Destroying socket lock (port %d).", s.Kind.LocalPort)
			s.Lock.UpgradeForDestruction()
		} else {
			log.Warningf("Ignoring corrupted socket lock (port %d).", s.Kind.LocalPort)
		}

		if s.Valid() && s.Events != nil && s.Events.Valid() {
			log.Debugf("Destroying event group (port %d).", s.Kind.LocalPort)
			if err := s.Events.ForceDestroy(); err != nil {
				log.Warningf("Failed to destroy event group (port %d): %v.", s.Kind.LocalPort, err)
			}
		} else {
			// The event group's memory is reclaimed by the bulk heap
			// free below regardless, but skipping its destruction risks
			// leaving the network thread parked on a queue entry nothing
			// will ever signal.
			log.Warningf("Ignoring corrupted socket (port %d).", s.Kind.LocalPort)
		}
	})

	log.Debugf("Resetting the sealed sockets list.")
	c.Registry.Reset()

	log.Debugf("Upgrading critical sections for destruction.")
	c.CriticalSection.UpgradeForDestruction()
	c.Suspend.UpgradeForDestruction()

	log.Debugf("Upgrading the message queue for destruction.")
	if err := c.Queue.Load().Destroy(tid); err != nil {
		log.Warningf("Failed to upgrade the message queue for destruction: %v.", err)
	}

	log.Debugf("Waiting for all threads to exit.")
	interval := c.drainInterval()
	for {
		count := c.UserThreads.Load()
		if count == 0 {
			break
		}
		log.Infof("Waiting for %d user thread(s) to terminate.", count)

		// Threads may be parked inside the allocator in an out-of-memory
		// situation. Reclaiming here, every iteration, unblocks them so
		// they can observe the destroyed locks and exit; a final reclaim
		// below catches anything they allocate on the way out.
		c.Heap.FreeAll()

		time.Sleep(interval)
	}

	if isUserThread {
		log.Debugf("Waiting for the network thread to reset.")
		// This lock is only acquirable once the network thread releases
		// it, which it does when it re-enters its initialization phase.
		c.StartupGate.Lock(tid)
		// Release it so the network thread grabs it again when unleashed.
		c.StartupGate.Unlock()
	}

	// Phase 3: only the network thread remains in the compartment; reset
	// the stack into a pristine state.
	if count := c.UserThreads.Load(); count != 0 {
		log.Warningf("All user threads should be terminated by now, %d still counted.", count)
	}

	// Free heap memory again: threads may have allocated since the drain
	// loop's reclaims.
	log.Debugf("Freeing heap memory.")
	c.Heap.FreeAll()

	// Advance the socket epoch after all user threads have terminated, in
	// case some were allocating sockets during the restart.
	c.Epoch.Add(1)

	// Reinitialize the locks upgraded for destruction earlier. Safe now:
	// every waiter has been released with failure.
	c.CriticalSection.Reset()
	c.Suspend.Reset()
	c.Registry.Lock.Reset()

	log.Infof("Restarting the network stack.")
	c.State.SetKicked()
	c.RestartStack()

	// The restart state is not cleared here: the network thread does that
	// once the stack is done resetting.
}
