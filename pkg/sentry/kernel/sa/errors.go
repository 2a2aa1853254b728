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
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/upcalls/pkg/errors"
)

// Errors returned by the runtime. Each carries the errno reported to user
// space.
var (
	// ErrStackAlreadyRegistered is returned when a donated stack overlaps a
	// registered one.
	ErrStackAlreadyRegistered = errors.New(unix.EEXIST, "upcall stack overlaps a registered stack")

	// ErrTooManyStacks is returned when the per-concurrency stack cap is
	// reached.
	ErrTooManyStacks = errors.New(unix.ENOSPC, "too many upcall stacks registered")

	// ErrBadStack is returned for stacks too small or misaligned to hold an
	// upcall frame set.
	ErrBadStack = errors.New(unix.EINVAL, "unusable upcall stack")

	// ErrStackProtocol indicates that the application corrupted its stack
	// bookkeeping, e.g. the generation word is unreadable or a frame does
	// not fit on its stack.
	ErrStackProtocol = errors.New(unix.EFAULT, "upcall stack protocol violation")

	// ErrAlreadyRegistered is returned when replacing the handler of an
	// enabled process.
	ErrAlreadyRegistered = errors.New(unix.EBUSY, "upcall handler already registered")

	// ErrAlreadyEnabled is returned by a second Enable.
	ErrAlreadyEnabled = errors.New(unix.EBUSY, "scheduler activations already enabled")

	// ErrNoHandler is returned by Enable before Register.
	ErrNoHandler = errors.New(unix.EINVAL, "no upcall handler registered")

	// ErrNotEnabled is returned by per-thread operations outside SA mode.
	ErrNotEnabled = errors.New(unix.EINVAL, "scheduler activations not enabled")

	// ErrNoReserve indicates that a virtual processor lost its sleeper
	// reserve.
	ErrNoReserve = errors.New(unix.EDEADLK, "sleeper reserve is empty")

	// ErrNoStack indicates that no stack was free when one was mandatory.
	ErrNoStack = errors.New(unix.ENOSPC, "no free upcall stack")

	// ErrNoEvent indicates that no upcall event could be allocated when one
	// was mandatory.
	ErrNoEvent = errors.New(unix.ENOMEM, "no upcall event available")

	// ErrDoubleFault indicates a fault that cannot be reported with an
	// upcall.
	ErrDoubleFault = errors.New(unix.EFAULT, "unrecoverable fault during upcall delivery")
)

// fatalErrors terminate the LWP that hits them.
var fatalErrors = []error{
	ErrStackProtocol,
	ErrNoReserve,
	ErrNoStack,
	ErrNoEvent,
	ErrDoubleFault,
}

// Fatal returns true if err terminates the LWP that encountered it.
func Fatal(err error) bool {
	for _, f := range fatalErrors {
		if goerrors.Is(err, f) {
			return true
		}
	}
	return false
}
