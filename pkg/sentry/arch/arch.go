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

// Package arch describes the architecture-dependent state the upcall runtime
// handles: syscall arguments and the saved machine state of execution
// contexts.
package arch

import (
	"gvisor.dev/upcalls/pkg/hostarch"
)

// SyscallArgument is one raw syscall argument. Accessors are named after the
// C type the argument has and return the nearest Go type, so that sign and
// zero extension are applied consistently.
type SyscallArgument struct {
	Value uintptr
}

// SyscallArguments holds the six argument registers of a syscall.
type SyscallArguments [6]SyscallArgument

// Args packs vals into SyscallArguments. Unset trailing arguments are zero.
func Args(vals ...uintptr) SyscallArguments {
	var args SyscallArguments
	for i, v := range vals {
		args[i].Value = v
	}
	return args
}

// Pointer interprets a as a user address.
func (a SyscallArgument) Pointer() hostarch.Addr { return hostarch.Addr(a.Value) }

// Int interprets a as a C int.
func (a SyscallArgument) Int() int32 { return int32(a.Value) }

// Uint interprets a as a C unsigned int.
func (a SyscallArgument) Uint() uint32 { return uint32(a.Value) }

// Uint64 interprets a as a 64-bit unsigned value.
func (a SyscallArgument) Uint64() uint64 { return uint64(a.Value) }

// SizeT interprets a as a size_t.
func (a SyscallArgument) SizeT() uint { return uint(a.Value) }
