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
	"testing"

	"github.com/google/go-cmp/cmp"
)

// exitFrame builds a frame with the thread-exit signature: null CRA and
// the stack pointer at the top of the stack region.
func exitFrame() *Frame {
	f := &Frame{ThreadID: 7}
	f.SetRegister(CSP, Capability{Address: 0x81002000, Base: 0x81000000, Length: 0x2000, Tag: true})
	f.SetRegister(CRA, Capability{Address: 0})
	return f
}

func TestClassifyThreadExit(t *testing.T) {
	got := Classify(exitFrame(), CauseCapability, EncodeFaultValue(CodeTagViolation, CRA))
	if got.Kind != ThreadExit {
		t.Fatalf("Kind = %v, want ThreadExit", got.Kind)
	}
}

func TestClassifyNearMisses(t *testing.T) {
	// Each tweak breaks exactly one of the four thread-exit conditions;
	// all must classify as corruption.
	tests := []struct {
		name  string
		frame func() *Frame
		mtval uint64
	}{
		{
			name:  "wrong register",
			frame: exitFrame,
			mtval: EncodeFaultValue(CodeTagViolation, CS0),
		},
		{
			name:  "wrong cause code",
			frame: exitFrame,
			mtval: EncodeFaultValue(CodeBoundsViolation, CRA),
		},
		{
			name: "non-null return address",
			frame: func() *Frame {
				f := exitFrame()
				f.SetRegister(CRA, Capability{Address: 0x80004000, Tag: true})
				return f
			},
			mtval: EncodeFaultValue(CodeTagViolation, CRA),
		},
		{
			name: "stack pointer not at stack top",
			frame: func() *Frame {
				f := exitFrame()
				csp := f.Register(CSP)
				csp.Address -= 16
				f.SetRegister(CSP, csp)
				return f
			},
			mtval: EncodeFaultValue(CodeTagViolation, CRA),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Classify(test.frame(), CauseCapability, test.mtval)
			if got.Kind != Corruption {
				t.Errorf("Kind = %v, want Corruption", got.Kind)
			}
		})
	}
}

func TestClassifyBenignUnwind(t *testing.T) {
	got := Classify(&Frame{}, CauseCapability, EncodeFaultValue(CodeNone, CZR))
	if got.Kind != BenignUnwind {
		t.Fatalf("Kind = %v, want BenignUnwind", got.Kind)
	}
}

func TestClassifyCorruptionDetails(t *testing.T) {
	f := &Frame{ThreadID: 3}
	val := Capability{Address: 0xdead, Base: 0xd000, Length: 0x1000}
	f.SetRegister(CS1, val)

	got := Classify(f, CauseCapability, EncodeFaultValue(CodeBoundsViolation, CS1))
	want := Classification{
		Kind:             Corruption,
		Code:             CodeBoundsViolation,
		Register:         CS1,
		RegisterValue:    val,
		HasRegisterValue: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Classify mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyCorruptionOnZeroRegister(t *testing.T) {
	got := Classify(&Frame{}, CauseCapability, EncodeFaultValue(CodeBoundsViolation, CZR))
	if got.Kind != Corruption {
		t.Fatalf("Kind = %v, want Corruption", got.Kind)
	}
	if got.HasRegisterValue {
		t.Error("HasRegisterValue = true for CZR; there is no value to read")
	}
}

func TestClassifyForeign(t *testing.T) {
	for _, cause := range []Cause{CauseInstructionAccess, CauseIllegalInstruction, CauseBreakpoint} {
		got := Classify(&Frame{}, cause, 0)
		if got.Kind != Foreign {
			t.Errorf("Classify(cause %d).Kind = %v, want Foreign", cause, got.Kind)
		}
	}
}

func TestFrameRegisterAccess(t *testing.T) {
	f := &Frame{}
	f.SetRegister(CZR, Capability{Address: 1, Tag: true})
	if got := f.Register(CZR); got != (Capability{}) {
		t.Errorf("CZR = %v, want zero Capability", got)
	}
	pcc := Capability{Address: 0x8000, Tag: true}
	f.SetRegister(PCC, pcc)
	if got := f.Register(PCC); got != pcc {
		t.Errorf("PCC = %v, want %v", got, pcc)
	}
}
