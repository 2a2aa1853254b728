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

// Package sa contains the user-visible ABI of the scheduler-activations
// upcall runtime: syscall numbers, upcall types, registration flags and the
// binary layout of stack descriptors and upcall frames.
package sa

import (
	"fmt"

	"gvisor.dev/upcalls/pkg/hostarch"
)

// Syscall numbers of the scheduler-activations surface.
const (
	SYS_SA_REGISTER       = 330
	SYS_SA_STACKS         = 331
	SYS_SA_ENABLE         = 332
	SYS_SA_SETCONCURRENCY = 333
	SYS_SA_YIELD          = 334
	SYS_SA_PREEMPT        = 335
)

// UpcallType identifies the kind of an upcall event.
type UpcallType int32

// Upcall types, as seen by the user handler.
const (
	SA_UPCALL_NEWPROC UpcallType = iota
	SA_UPCALL_PREEMPTED
	SA_UPCALL_BLOCKED
	SA_UPCALL_UNBLOCKED
	SA_UPCALL_SIGNAL
	SA_UPCALL_USER

	// SA_UPCALL_NTYPES is the number of upcall types.
	SA_UPCALL_NTYPES
)

var upcallTypeNames = [...]string{
	SA_UPCALL_NEWPROC:   "NEWPROC",
	SA_UPCALL_PREEMPTED: "PREEMPTED",
	SA_UPCALL_BLOCKED:   "BLOCKED",
	SA_UPCALL_UNBLOCKED: "UNBLOCKED",
	SA_UPCALL_SIGNAL:    "SIGNAL",
	SA_UPCALL_USER:      "USER",
}

// String implements fmt.Stringer.
func (t UpcallType) String() string {
	if t >= 0 && t < SA_UPCALL_NTYPES {
		return upcallTypeNames[t]
	}
	return fmt.Sprintf("UpcallType(%d)", int32(t))
}

// ParseUpcallType returns the UpcallType named by s.
func ParseUpcallType(s string) (UpcallType, bool) {
	for t, name := range upcallTypeNames {
		if name == s {
			return UpcallType(t), true
		}
	}
	return 0, false
}

// UpcallTypeNames returns the names of all upcall types in numeric order.
func UpcallTypeNames() []string {
	return append([]string(nil), upcallTypeNames[:]...)
}

// Flags accepted by sa_register.
const (
	// SA_FLAG_STACKGEN indicates that every donated stack carries a
	// user-visible generation word at the registered generation offset.
	SA_FLAG_STACKGEN = 0x1

	// SA_FLAGS_ALL is the set of all valid flags.
	SA_FLAGS_ALL = SA_FLAG_STACKGEN
)

// StackInfo describes one donated upcall stack.
//
// +marshal
type StackInfo struct {
	Base uint64
	Len  uint64
}

// SizeOfStackInfo is the size of a StackInfo struct.
const SizeOfStackInfo = 16

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (s *StackInfo) SizeBytes() int {
	return SizeOfStackInfo
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (s *StackInfo) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], s.Base)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], s.Len)
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (s *StackInfo) UnmarshalBytes(src []byte) []byte {
	s.Base = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	s.Len = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}

// Range returns the address range covered by the stack.
func (s *StackInfo) Range() (hostarch.AddrRange, bool) {
	return hostarch.Addr(s.Base).ToRange(s.Len)
}

// Frame is one entry of an upcall frame set. Every delivered event is
// described by three consecutive Frames written onto its stack in a fixed
// order: the upcall-delivering context itself, the event context and the
// interrupted context.
//
// +marshal
type Frame struct {
	// Context is the user address of the saved machine state of the
	// context this frame describes, or 0 if there is none.
	Context uint64

	// ID is the execution context ID, or -1 if there is none.
	ID int32

	// CPU is the virtual processor ID the context was bound to.
	CPU int32

	// Sig is the upcall type for the self frame, and the signal number
	// for SIGNAL upcalls.
	Sig int32

	// Code is a type-specific code; for USER upcalls it is the length of
	// the argument blob.
	Code int32

	// Arg is the user address of the argument blob, if any.
	Arg uint64
}

// SizeOfFrame is the size of a Frame struct.
const SizeOfFrame = 32

// FramesPerEvent is the number of Frames written for each delivered event.
const FramesPerEvent = 3

// Indices of frames within a frame set.
const (
	FrameSelf = iota
	FrameEvent
	FrameInterrupted
)

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (f *Frame) SizeBytes() int {
	return SizeOfFrame
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (f *Frame) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], f.Context)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(f.ID))
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(f.CPU))
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(f.Sig))
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(f.Code))
	dst = dst[4:]
	hostarch.ByteOrder.PutUint64(dst[:8], f.Arg)
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (f *Frame) UnmarshalBytes(src []byte) []byte {
	f.Context = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	f.ID = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	f.CPU = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	f.Sig = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	f.Code = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	f.Arg = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}

// GenerationSize is the size of the user-visible stack generation word.
const GenerationSize = 4

// PointerSize is the size of one entry of the upcall pointer array.
const PointerSize = 8
