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
	"fmt"

	"github.com/mohae/deepcopy"
	"gvisor.dev/upcalls/pkg/hostarch"
)

// NumRegs is the number of general purpose registers in Registers.
const NumRegs = 16

// FPStateSize is the size of the serialized floating point state.
const FPStateSize = 512

// RegistersSize is the size of Registers once serialized with MarshalBytes.
const RegistersSize = 8*(NumRegs+3) + FPStateSize

// Registers is the machine state of an execution context. Its format is
// opaque to the upcall runtime, which only snapshots it, stores it, and copies
// it out to user memory.
type Registers struct {
	IP    uint64
	SP    uint64
	Regs  [NumRegs]uint64
	Flags uint64

	// FPState is the raw floating point state. It is owned by the
	// Registers value, so snapshots must not share it.
	FPState []byte
}

// Clone returns a deep copy of r.
func (r *Registers) Clone() Registers {
	return deepcopy.Copy(*r).(Registers)
}

// SizeBytes returns the serialized size of r.
func (r *Registers) SizeBytes() int {
	return RegistersSize
}

// MarshalBytes serializes r into dst, which must be at least RegistersSize
// bytes long. Floating point state beyond FPStateSize is truncated.
func (r *Registers) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], r.IP)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], r.SP)
	dst = dst[8:]
	for _, reg := range r.Regs {
		hostarch.ByteOrder.PutUint64(dst[:8], reg)
		dst = dst[8:]
	}
	hostarch.ByteOrder.PutUint64(dst[:8], r.Flags)
	dst = dst[8:]
	n := copy(dst[:FPStateSize], r.FPState)
	clear(dst[n:FPStateSize])
	return dst[FPStateSize:]
}

// UnmarshalBytes deserializes r from src.
func (r *Registers) UnmarshalBytes(src []byte) []byte {
	r.IP = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	r.SP = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	for i := range r.Regs {
		r.Regs[i] = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	r.Flags = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	r.FPState = append(r.FPState[:0], src[:FPStateSize]...)
	return src[FPStateSize:]
}

// SetupUpcall arranges for r to enter handler on stack sp with the given
// arguments in the first argument registers.
func (r *Registers) SetupUpcall(handler, sp hostarch.Addr, args ...uint64) {
	if len(args) > NumRegs {
		panic(fmt.Sprintf("too many upcall arguments: %d", len(args)))
	}
	r.IP = uint64(handler)
	r.SP = uint64(sp)
	for i, a := range args {
		r.Regs[i] = a
	}
}

// String implements fmt.Stringer.
func (r *Registers) String() string {
	return fmt.Sprintf("ip=%#x sp=%#x", r.IP, r.SP)
}
