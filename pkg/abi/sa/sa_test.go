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

package sa

import (
	"bytes"
	"testing"
)

func TestFrameLayout(t *testing.T) {
	f := Frame{
		Context: 0x1122334455667788,
		ID:      -1,
		CPU:     2,
		Sig:     int32(SA_UPCALL_BLOCKED),
		Code:    5,
		Arg:     0xdeadbeef,
	}
	buf := make([]byte, f.SizeBytes())
	if rest := f.MarshalBytes(buf); len(rest) != 0 {
		t.Fatalf("MarshalBytes left %d bytes unused", len(rest))
	}
	want := []byte{
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // Context
		0xff, 0xff, 0xff, 0xff, // ID
		0x02, 0x00, 0x00, 0x00, // CPU
		0x02, 0x00, 0x00, 0x00, // Sig
		0x05, 0x00, 0x00, 0x00, // Code
		0xef, 0xbe, 0xad, 0xde, 0x00, 0x00, 0x00, 0x00, // Arg
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("MarshalBytes got %x, want %x", buf, want)
	}
	var got Frame
	got.UnmarshalBytes(buf)
	if got != f {
		t.Errorf("UnmarshalBytes got %+v, want %+v", got, f)
	}
}

func TestStackInfoLayout(t *testing.T) {
	s := StackInfo{Base: 0x10000, Len: 0x2000}
	buf := make([]byte, SizeOfStackInfo)
	s.MarshalBytes(buf)
	want := []byte{0, 0, 1, 0, 0, 0, 0, 0, 0, 0x20, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf, want) {
		t.Errorf("MarshalBytes got %x, want %x", buf, want)
	}
	rng, ok := s.Range()
	if !ok || rng.Start != 0x10000 || rng.End != 0x12000 {
		t.Errorf("Range() = (%v, %t), want ([0x10000, 0x12000), true)", rng, ok)
	}
}

func TestUpcallTypeNames(t *testing.T) {
	for _, name := range UpcallTypeNames() {
		typ, ok := ParseUpcallType(name)
		if !ok {
			t.Errorf("ParseUpcallType(%q) failed", name)
			continue
		}
		if typ.String() != name {
			t.Errorf("UpcallType(%d).String() = %q, want %q", typ, typ.String(), name)
		}
	}
	if _, ok := ParseUpcallType("BOGUS"); ok {
		t.Errorf("ParseUpcallType(BOGUS) succeeded")
	}
}
