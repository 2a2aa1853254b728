// Copyright 2026 The gVisor Authors.
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

package arch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCloneIsDeep(t *testing.T) {
	r := Registers{IP: 0x400000, SP: 0x7fff0000, FPState: []byte{1, 2, 3}}
	r.Regs[3] = 42
	c := r.Clone()
	if diff := cmp.Diff(r, c); diff != "" {
		t.Fatalf("Clone mismatch (-orig +clone):\n%s", diff)
	}
	r.FPState[0] = 9
	r.Regs[3] = 0
	if c.FPState[0] != 1 || c.Regs[3] != 42 {
		t.Errorf("Clone shares state with original: %+v", c)
	}
}

func TestRegistersMarshalRoundTrip(t *testing.T) {
	r := Registers{IP: 1, SP: 2, Flags: 3, FPState: []byte{4, 5}}
	for i := range r.Regs {
		r.Regs[i] = uint64(100 + i)
	}
	buf := make([]byte, r.SizeBytes())
	if rest := r.MarshalBytes(buf); len(rest) != 0 {
		t.Fatalf("MarshalBytes left %d bytes", len(rest))
	}
	var got Registers
	got.UnmarshalBytes(buf)
	want := r.Clone()
	want.FPState = make([]byte, FPStateSize)
	copy(want.FPState, r.FPState)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSyscallArguments(t *testing.T) {
	args := Args(0x1000, ^uintptr(0), 7)
	if got := args[0].Pointer(); got != 0x1000 {
		t.Errorf("Pointer() = %v, want 0x1000", got)
	}
	if got := args[1].Int(); got != -1 {
		t.Errorf("Int() = %d, want -1", got)
	}
	if got := args[2].SizeT(); got != 7 {
		t.Errorf("SizeT() = %d, want 7", got)
	}
	if got := args[5].Uint64(); got != 0 {
		t.Errorf("missing argument = %d, want 0", got)
	}
}

func TestSetupUpcall(t *testing.T) {
	var r Registers
	r.SetupUpcall(0x5000, 0x9000, 2, 0x8f00)
	if r.IP != 0x5000 || r.SP != 0x9000 || r.Regs[0] != 2 || r.Regs[1] != 0x8f00 {
		t.Errorf("SetupUpcall produced %+v", r)
	}
}
