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

package fault

import (
	"compartnet.dev/compartnet/pkg/thread"
)

// Cause is the trap cause class delivered alongside a frame.
type Cause uint64

// Trap cause classes. Only CauseCapability faults carry the capability
// cause/register encoding in the auxiliary fault value; everything else is
// a machine-level exception from outside the capability system.
const (
	// CauseInstructionAccess is an instruction access fault.
	CauseInstructionAccess Cause = 1

	// CauseIllegalInstruction covers reserved/illegal instructions,
	// including deliberate trap instructions.
	CauseIllegalInstruction Cause = 2

	// CauseBreakpoint is a breakpoint exception.
	CauseBreakpoint Cause = 3

	// CauseCapability is a capability fault: a violation detected by the
	// capability system while executing inside the compartment.
	CauseCapability Cause = 28
)

// CauseCode is the capability exception code extracted from the auxiliary
// fault value of a CauseCapability trap.
type CauseCode uint8

// Capability exception codes.
const (
	// CodeNone indicates no exception: the trap is a clean
	// cross-compartment unwind notification.
	CodeNone CauseCode = 0

	// CodeBoundsViolation indicates an out-of-bounds dereference.
	CodeBoundsViolation CauseCode = 1

	// CodeTagViolation indicates a dereference through an untagged
	// capability.
	CodeTagViolation CauseCode = 2

	// CodeSealViolation indicates a dereference through a sealed
	// capability.
	CodeSealViolation CauseCode = 3

	// CodePermitExecuteViolation indicates a jump through a capability
	// without execute permission.
	CodePermitExecuteViolation CauseCode = 0x11

	// CodePermitLoadViolation indicates a load through a capability
	// without load permission.
	CodePermitLoadViolation CauseCode = 0x12

	// CodePermitStoreViolation indicates a store through a capability
	// without store permission.
	CodePermitStoreViolation CauseCode = 0x13
)

func (c CauseCode) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeBoundsViolation:
		return "BoundsViolation"
	case CodeTagViolation:
		return "TagViolation"
	case CodeSealViolation:
		return "SealViolation"
	case CodePermitExecuteViolation:
		return "PermitExecuteViolation"
	case CodePermitLoadViolation:
		return "PermitLoadViolation"
	case CodePermitStoreViolation:
		return "PermitStoreViolation"
	default:
		return "Unknown"
	}
}

// extractFaultValue splits the auxiliary fault value of a CauseCapability
// trap into its exception code and faulting register number.
func extractFaultValue(mtval uint64) (CauseCode, RegisterNumber) {
	return CauseCode(mtval & 0x1f), RegisterNumber((mtval >> 5) & 0x3f)
}

// EncodeFaultValue packs an exception code and register number into an
// auxiliary fault value. It is the inverse of the hardware's encoding and
// exists so tests and trap-delivery shims can build synthetic faults.
func EncodeFaultValue(code CauseCode, reg RegisterNumber) uint64 {
	return uint64(code)&0x1f | (uint64(reg)&0x3f)<<5
}

// Frame is the captured register state of a faulting thread. The handler
// treats it as read-only except for the stack pointer and program counter,
// which it rewrites when reinstalling the network thread's context.
type Frame struct {
	// ThreadID is the identity of the faulting thread.
	ThreadID thread.ID

	// PCC is the program counter capability at the fault.
	PCC Capability

	// regs holds the general capability registers. Index CZR is unused;
	// reads of CZR yield the zero Capability.
	regs [numRegisters]Capability
}

// Register returns the value of register r. CZR reads as the zero
// Capability; PCC reads the program counter capability.
func (f *Frame) Register(r RegisterNumber) Capability {
	switch {
	case r == CZR:
		return Capability{}
	case r == PCC:
		return f.PCC
	case int(r) < numRegisters:
		return f.regs[r]
	default:
		return Capability{}
	}
}

// SetRegister sets register r to c. Writes to CZR are discarded.
func (f *Frame) SetRegister(r RegisterNumber, c Capability) {
	switch {
	case r == CZR:
	case r == PCC:
		f.PCC = c
	case int(r) < numRegisters:
		f.regs[r] = c
	}
}
