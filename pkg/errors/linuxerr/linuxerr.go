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

// Package linuxerr holds the canonical *errors.Error value for each errno the
// upcall runtime returns. Callers compare against these with ==, or with
// Equals when the error may have been wrapped.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/upcalls/pkg/errors"
)

// Errors returned by the upcall runtime and its syscall layer. Each Errno
// method returns the matching unix.Errno.
var (
	EPERM     = errors.New(unix.EPERM, "operation not permitted")
	ESRCH     = errors.New(unix.ESRCH, "no such process")
	EINTR     = errors.New(unix.EINTR, "interrupted system call")
	EAGAIN    = errors.New(unix.EAGAIN, "try again")
	ENOMEM    = errors.New(unix.ENOMEM, "out of memory")
	EFAULT    = errors.New(unix.EFAULT, "bad address")
	EBUSY     = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST    = errors.New(unix.EEXIST, "file exists")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC    = errors.New(unix.ENOSPC, "no space left on device")
	ENOSYS    = errors.New(unix.ENOSYS, "invalid system call number")
	EDEADLK   = errors.New(unix.EDEADLK, "resource deadlock would occur")
	EOVERFLOW = errors.New(unix.EOVERFLOW, "value too large for defined data type")
)

// errnoMap maps bare errnos back to their *errors.Error.
var errnoMap = map[unix.Errno]*errors.Error{
	unix.EPERM:     EPERM,
	unix.ESRCH:     ESRCH,
	unix.EINTR:     EINTR,
	unix.EAGAIN:    EAGAIN,
	unix.ENOMEM:    ENOMEM,
	unix.EFAULT:    EFAULT,
	unix.EBUSY:     EBUSY,
	unix.EEXIST:    EEXIST,
	unix.EINVAL:    EINVAL,
	unix.ENOSPC:    ENOSPC,
	unix.ENOSYS:    ENOSYS,
	unix.EDEADLK:   EDEADLK,
	unix.EOVERFLOW: EOVERFLOW,
}

// ErrorFromUnix returns the *errors.Error for a given unix.Errno. Errnos with
// no registered value are wrapped in a new *errors.Error.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	if err == 0 {
		return nil
	}
	if e, ok := errnoMap[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToUnix converts err to a unix.Errno. err may be any error that wraps an
// *errors.Error or a unix.Errno; anything else is reported as EINVAL.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var u unix.Errno
	if goerrors.As(err, &u) {
		return u
	}
	return unix.EINVAL
}

// Equals checks if a *errors.Error and a unix.Errno are equal.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	return e != nil && ToUnix(err) == e.Errno()
}
