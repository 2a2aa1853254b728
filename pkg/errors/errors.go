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

// Package errors defines the error type used for syscall failures throughout
// the upcall runtime.
package errors

import (
	"golang.org/x/sys/unix"
)

// Error is an errno paired with a human-readable message. Values are
// compared by identity; see package linuxerr for the canonical instances.
type Error struct {
	errno   unix.Errno
	message string
}

// New returns an *Error for errno with the given message.
func New(errno unix.Errno, message string) *Error {
	return &Error{errno: errno, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the errno e stands for.
func (e *Error) Errno() unix.Errno { return e.errno }

// Is allows errors.Is to match e against a bare unix.Errno.
func (e *Error) Is(target error) bool {
	errno, ok := target.(unix.Errno)
	return ok && errno == e.errno
}
