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
	"compartnet.dev/compartnet/pkg/fault"
	"compartnet.dev/compartnet/pkg/log"
)

// Behaviour tells the host trap mechanism how to resume after a fault.
type Behaviour int

const (
	// Resume resumes the faulting thread with its context unchanged.
	Resume Behaviour = iota

	// ResumeModified resumes the faulting thread with the modified
	// context in the frame.
	ResumeModified

	// Unwind unwinds the faulting thread out of the compartment; its call
	// into the compartment terminates with a failure outcome.
	Unwind
)

func (b Behaviour) String() string {
	switch b {
	case Resume:
		return "Resume"
	case ResumeModified:
		return "ResumeModified"
	case Unwind:
		return "Unwind"
	default:
		return "Unknown"
	}
}

// HandleError is the compartment's fault handler entry point. The host
// trap mechanism calls it, in the faulting thread's context, with the
// trap cause, the auxiliary fault value and the captured register frame.
//
// The frame is mutated only when the network thread's context is rebuilt
// after corruption.
func (c *Context) HandleError(frame *fault.Frame, cause fault.Cause, mtval uint64) Behaviour {
	tid := frame.ThreadID
	cl := fault.Classify(frame, cause, mtval)

	switch cl.Kind {
	case fault.ThreadExit:
		log.Infof("Thread exit CSP=%v, PCC=%v", frame.Register(fault.CSP), frame.PCC)
		return Unwind

	case fault.BenignUnwind:
		// An unwind occurred from a called compartment, just resume.
		return Resume

	case fault.Foreign:
		// A machine exception outside the capability system (e.g. a
		// deliberate trap instruction). Not a compartment-specific
		// corruption: log and unwind, without resetting the stack.
		log.Warningf("Unhandled error %d at %v by thread %d", cause, frame.PCC, tid)
		log.Warningf("Stack length is %#x.", frame.Register(fault.CSP).Length)
		return Unwind
	}

	// Corruption.
	if cl.HasRegisterValue {
		log.Warningf("%v error at %v (return address: %v), with capability register %v: %v by thread %d",
			cl.Code, frame.PCC, frame.Register(fault.CRA), cl.Register, cl.RegisterValue, tid)
	} else {
		log.Warningf("%v error at %v (return address: %v), with capability register %v by thread %d",
			cl.Code, frame.PCC, frame.Register(fault.CRA), cl.Register, tid)
	}

	c.ResetStackState(tid)

	if tid == c.NetThreadID {
		// Rebuild the network thread's context: stack pointer back to the
		// top of its stack region, program counter at the top-level entry
		// routine. The thread never returns from the fault; it restarts
		// from scratch.
		csp := frame.Register(fault.CSP)
		log.Infof("Resetting the stack from %#x -> %#x.", csp.Address, csp.Top())
		csp.Address = csp.Top()
		frame.SetRegister(fault.CSP, csp)

		log.Infof("Reinstalling context to the network thread entry point.")
		frame.PCC = c.NetThreadEntry
		return ResumeModified
	}

	log.Infof("Rewinding crashed user thread %d.", tid)
	return Unwind
}
