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

	"compartnet.dev/compartnet/pkg/fault"
	"compartnet.dev/compartnet/pkg/thread"
)

// userFrame builds a frame for a user thread with plausible stack and
// return capabilities.
func userFrame(tid thread.ID) *fault.Frame {
	f := &fault.Frame{ThreadID: tid}
	f.PCC = fault.Capability{Address: 0x80001234, Base: 0x80000000, Length: 0x10000, Tag: true}
	f.SetRegister(fault.CSP, fault.Capability{Address: 0x81001800, Base: 0x81000000, Length: 0x2000, Tag: true})
	f.SetRegister(fault.CRA, fault.Capability{Address: 0x80001000, Base: 0x80000000, Length: 0x10000, Tag: true})
	return f
}

func TestHandleThreadExit(t *testing.T) {
	e := newTestEnv()
	f := userFrame(3)
	csp := f.Register(fault.CSP)
	csp.Address = csp.Top()
	f.SetRegister(fault.CSP, csp)
	f.SetRegister(fault.CRA, fault.Capability{Address: 0})

	got := e.ctx.HandleError(f, fault.CauseCapability, fault.EncodeFaultValue(fault.CodeTagViolation, fault.CRA))
	if got != Unwind {
		t.Errorf("HandleError = %v, want Unwind", got)
	}
	if e.ctx.State.Restarting() {
		t.Error("thread exit triggered a reset")
	}
	if got := e.ctx.Epoch.Load(); got != 0 {
		t.Errorf("epoch = %d, want 0", got)
	}
}

func TestHandleBenignUnwind(t *testing.T) {
	e := newTestEnv()
	got := e.ctx.HandleError(userFrame(3), fault.CauseCapability, fault.EncodeFaultValue(fault.CodeNone, fault.CZR))
	if got != Resume {
		t.Errorf("HandleError = %v, want Resume", got)
	}
	if e.ctx.State.Restarting() {
		t.Error("benign unwind triggered a reset")
	}
}

func TestHandleForeignFault(t *testing.T) {
	e := newTestEnv()
	got := e.ctx.HandleError(userFrame(3), fault.CauseIllegalInstruction, 0)
	if got != Unwind {
		t.Errorf("HandleError = %v, want Unwind", got)
	}
	if e.ctx.State.Restarting() {
		t.Error("foreign fault triggered a reset")
	}
	if got := e.restarts.Load(); got != 0 {
		t.Errorf("restart calls = %d, want 0", got)
	}
}

func TestHandleUserCorruption(t *testing.T) {
	e := newTestEnv()
	e.ctx.UserThreads.Store(1)

	got := e.ctx.HandleError(userFrame(3), fault.CauseCapability, fault.EncodeFaultValue(fault.CodeBoundsViolation, fault.CS0))
	if got != Unwind {
		t.Errorf("HandleError = %v, want Unwind", got)
	}
	if got := e.ctx.Epoch.Load(); got != 1 {
		t.Errorf("epoch = %d, want 1", got)
	}
	if got := e.ctx.UserThreads.Load(); got != 0 {
		t.Errorf("user threads = %d, want 0", got)
	}
}

func TestHandleNetThreadCorruptionReinstallsContext(t *testing.T) {
	e := newTestEnv()
	f := userFrame(e.ctx.NetThreadID)

	got := e.ctx.HandleError(f, fault.CauseCapability, fault.EncodeFaultValue(fault.CodeTagViolation, fault.CS1))
	if got != ResumeModified {
		t.Fatalf("HandleError = %v, want ResumeModified", got)
	}

	csp := f.Register(fault.CSP)
	if csp.Address != csp.Top() {
		t.Errorf("CSP address = %#x, want stack top %#x", csp.Address, csp.Top())
	}
	if f.PCC != e.ctx.NetThreadEntry {
		t.Errorf("PCC = %v, want the network thread entry %v", f.PCC, e.ctx.NetThreadEntry)
	}
	if got := e.restarts.Load(); got != 1 {
		t.Errorf("restart calls = %d, want 1", got)
	}
}

func TestHandleCorruptionOnZeroRegister(t *testing.T) {
	e := newTestEnv()
	e.ctx.UserThreads.Store(1)

	// A fault attributed to CZR has no register value to log; the handler
	// must not try to read one.
	got := e.ctx.HandleError(userFrame(3), fault.CauseCapability, fault.EncodeFaultValue(fault.CodeBoundsViolation, fault.CZR))
	if got != Unwind {
		t.Errorf("HandleError = %v, want Unwind", got)
	}
	if got := e.ctx.Epoch.Load(); got != 1 {
		t.Errorf("epoch = %d, want 1", got)
	}
}
