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
	"sync/atomic"
	"time"

	"compartnet.dev/compartnet/pkg/atomicbitops"
	"compartnet.dev/compartnet/pkg/eventqueue"
	"compartnet.dev/compartnet/pkg/fault"
	"compartnet.dev/compartnet/pkg/flaglock"
	"compartnet.dev/compartnet/pkg/sockreg"
	"compartnet.dev/compartnet/pkg/thread"
)

// MemoryReclaimer releases every outstanding allocation owned by the
// compartment's allocator identity. FreeAll must be idempotent; the reset
// path calls it repeatedly.
type MemoryReclaimer interface {
	FreeAll()
}

// defaultDrainInterval is how long the evacuation loop sleeps between
// checks of the user-thread count.
const defaultDrainInterval = time.Millisecond

// Context is the process-wide state the recovery subsystem operates on.
// It exists once per compartment, lives for the life of the process, and
// is the only state the reset path assumes to be intact ("reset-critical"
// state): corruption of anything reachable from here is not recoverable.
type Context struct {
	// State is the restart state machine gating resets.
	State State

	// Epoch is the current socket epoch. Advanced exactly once per
	// completed reset; socket handles stamped with an older value fail
	// validity checks.
	Epoch atomicbitops.Uint32

	// UserThreads counts user threads currently executing inside the
	// compartment. Entry/exit bookkeeping maintains it; a user thread's
	// fault handler decrements it by one.
	UserThreads atomicbitops.Int32

	// Registry is the sealed-socket registry.
	Registry *sockreg.Registry

	// CriticalSection and Suspend are the compartment's two global
	// critical-section locks.
	CriticalSection *flaglock.RecursiveLock
	Suspend         *flaglock.RecursiveLock

	// Queue holds the network event queue. Destroyed during a reset; the
	// network thread installs a fresh queue when it reinitializes, while
	// other threads may be reading the pointer to send events.
	Queue atomic.Pointer[eventqueue.Queue]

	// StartupGate is held by the network thread from stack start until it
	// re-enters initialization. An evacuating user thread acquires and
	// releases it to wait for the network thread to begin resetting.
	StartupGate *flaglock.FlagLock

	// Heap reclaims the compartment's heap memory in bulk.
	Heap MemoryReclaimer

	// NetThreadID is the identity of the privileged network thread.
	NetThreadID thread.ID

	// NetThreadEntry is the entry capability of the network thread's
	// top-level routine, installed as the program counter when the
	// network thread's context is rebuilt after a crash.
	NetThreadEntry fault.Capability

	// RestartStack re-executes the stack's startup sequence from a clean
	// slate. Must be callable repeatedly.
	RestartStack func()

	// DrainInterval overrides the evacuation loop's sleep interval. Zero
	// means the default.
	DrainInterval time.Duration
}

// drainInterval returns the evacuation-loop sleep interval.
func (c *Context) drainInterval() time.Duration {
	if c.DrainInterval != 0 {
		return c.DrainInterval
	}
	return defaultDrainInterval
}
