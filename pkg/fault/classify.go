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

// Kind is the classification of a fault.
type Kind int

const (
	// ThreadExit is a benign trap produced by a thread running off the
	// end of its entry point: tag violation on the poisoned null return
	// register with the stack pointer back at the top of its stack.
	ThreadExit Kind = iota

	// BenignUnwind is a clean cross-compartment unwind notification. The
	// thread should simply resume.
	BenignUnwind

	// Corruption is any other capability fault taken inside the
	// compartment. It triggers a stack reset.
	Corruption

	// Foreign is a non-capability machine exception. It indicates a
	// different class of hardware fault; the thread is unwound but no
	// reset is triggered.
	Foreign
)

func (k Kind) String() string {
	switch k {
	case ThreadExit:
		return "ThreadExit"
	case BenignUnwind:
		return "BenignUnwind"
	case Corruption:
		return "Corruption"
	case Foreign:
		return "Foreign"
	default:
		return "Unknown"
	}
}

// Classification is the decoded outcome of a fault.
type Classification struct {
	Kind Kind

	// Code is the capability exception code. Meaningful only for
	// capability faults.
	Code CauseCode

	// Register is the faulting register. Meaningful only for Corruption.
	Register RegisterNumber

	// RegisterValue is the value held in the faulting register, when that
	// register is a real one. CZR has no value to report.
	RegisterValue Capability

	// HasRegisterValue is false when the faulting register is CZR.
	HasRegisterValue bool
}

// Classify decodes a captured fault. It is pure: it inspects the frame and
// fault operands and mutates nothing.
func Classify(frame *Frame, cause Cause, mtval uint64) Classification {
	if cause != CauseCapability {
		return Classification{Kind: Foreign}
	}

	code, reg := extractFaultValue(mtval)

	// A thread entry point is called with a null return address so the
	// return at the end of the entry function traps when reached. That is
	// expected termination, not corruption, and it is detected quite
	// specifically: tag violation, on CRA, holding null, with the stack
	// pointer sitting exactly at the top of the thread's stack.
	stack := frame.Register(CSP)
	ret := frame.Register(CRA)
	if reg == CRA && code == CodeTagViolation && ret.Address == 0 && stack.Address == stack.Top() {
		return Classification{Kind: ThreadExit, Code: code, Register: reg}
	}

	if code == CodeNone {
		return Classification{Kind: BenignUnwind, Code: code}
	}

	c := Classification{
		Kind:     Corruption,
		Code:     code,
		Register: reg,
	}
	if reg != CZR {
		c.RegisterValue = frame.Register(reg)
		c.HasRegisterValue = true
	}
	return c
}
