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

// Package thread models compartment thread identity.
//
// Threads are scheduled by an external scheduler and identified by a small
// integer assigned when they are registered with the compartment. There is
// no goroutine-local state: operations that care about the calling thread
// take its ID explicitly, which also keeps them trivially testable.
package thread

import (
	"compartnet.dev/compartnet/pkg/atomicbitops"
)

// ID identifies a thread within the compartment.
//
// The zero value never names a real thread.
type ID uint16

// None is the ID of no thread. A lock with owner None is not held.
const None ID = 0

// IDAllocator hands out unique thread IDs.
type IDAllocator struct {
	last atomicbitops.Uint32
}

// Allocate returns the next unused ID.
func (a *IDAllocator) Allocate() ID {
	return ID(a.last.Add(1))
}
