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

// Package fault models capability trap frames and classifies faults taken
// inside the compartment.
//
// The hardware hands the fault handler a snapshot of the faulting thread's
// register state together with a trap cause and an auxiliary fault value.
// Everything hardware-specific is abstracted into plain value types here
// so that classification is pure and synthetic frames can be injected in
// tests.
package fault

import (
	"fmt"
)

// Capability is the value held in a capability register: an address plus
// the bounds and validity tag of the region it may dereference.
type Capability struct {
	// Address is the capability's current address.
	Address uint64

	// Base is the lowest address the capability spans.
	Base uint64

	// Length is the size of the spanned region.
	Length uint64

	// Tag is the validity tag. An untagged capability cannot be
	// dereferenced.
	Tag bool
}

// Top returns one past the highest address the capability spans.
func (c Capability) Top() uint64 {
	return c.Base + c.Length
}

// String implements fmt.Stringer.
func (c Capability) String() string {
	return fmt.Sprintf("%#x (v:%t %#x-%#x)", c.Address, c.Tag, c.Base, c.Top())
}

// RegisterNumber names a capability register in a trap frame.
type RegisterNumber uint8

// Register numbers as reported in the auxiliary fault value.
const (
	// CZR is the always-zero register. A frame holds no real value for
	// it.
	CZR RegisterNumber = 0

	// CRA is the link (return address) register.
	CRA RegisterNumber = 1

	// CSP is the stack pointer register.
	CSP RegisterNumber = 2

	// CGP is the global pointer register.
	CGP RegisterNumber = 3

	// CTP is the thread pointer register.
	CTP RegisterNumber = 4

	// CT0-CT2 are caller-saved temporaries.
	CT0 RegisterNumber = 5
	CT1 RegisterNumber = 6
	CT2 RegisterNumber = 7

	// CS0, CS1 are callee-saved registers.
	CS0 RegisterNumber = 8
	CS1 RegisterNumber = 9

	// CA0-CA5 are argument registers.
	CA0 RegisterNumber = 10
	CA1 RegisterNumber = 11
	CA2 RegisterNumber = 12
	CA3 RegisterNumber = 13
	CA4 RegisterNumber = 14
	CA5 RegisterNumber = 15

	// PCC reports a fault on the program counter capability itself.
	PCC RegisterNumber = 0x20
)

// numRegisters is the number of general registers held in a frame.
const numRegisters = 16

func (r RegisterNumber) String() string {
	switch {
	case r == CZR:
		return "CZR"
	case r == CRA:
		return "CRA"
	case r == CSP:
		return "CSP"
	case r == CGP:
		return "CGP"
	case r == CTP:
		return "CTP"
	case r >= CT0 && r <= CT2:
		return fmt.Sprintf("CT%d", r-CT0)
	case r == CS0 || r == CS1:
		return fmt.Sprintf("CS%d", r-CS0)
	case r >= CA0 && r <= CA5:
		return fmt.Sprintf("CA%d", r-CA0)
	case r == PCC:
		return "PCC"
	default:
		return fmt.Sprintf("invalid register %d", uint8(r))
	}
}
