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

// Package usermem governs access to user memory.
package usermem

import (
	"context"

	"gvisor.dev/upcalls/pkg/hostarch"
)

// IO provides access to the contents of a virtual memory space.
//
// Implementations must be safe for concurrent use: the generation word of an
// upcall stack is read by the kernel while user space may be writing it.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error)

	// LoadUint32 atomically loads the uint32 value at addr and returns it.
	//
	// Preconditions: The caller must guarantee that addr is aligned to a 4-byte
	// boundary.
	LoadUint32(ctx context.Context, addr hostarch.Addr) (uint32, error)
}
