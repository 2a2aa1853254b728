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
	"context"

	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/hostarch"
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	ksa "gvisor.dev/upcalls/pkg/sentry/kernel/sa"
)

// maxStacksPerCall is the most stack descriptors sa_stacks reads in one
// call. Larger requests are truncated and report a partial count.
const maxStacksPerCall = 1024

// Register implements sa_register(new_handler, old_handler_ptr, flags,
// generation_offset).
func Register(ctx context.Context, t *Task, args arch.SyscallArguments) (uintptr, error) {
	handler := args[0].Pointer()
	oldAddr := args[1].Pointer()
	flags := args[2].Uint()
	genOffset := args[3].Uint64()

	if flags&^abisa.SA_FLAGS_ALL != 0 {
		return 0, linuxerr.EINVAL
	}
	p, err := t.App.getOrCreateProcess()
	if err != nil {
		return 0, err
	}
	prev, err := p.Register(ksa.RegisterOpts{
		Handler:          handler,
		Flags:            flags,
		GenerationOffset: genOffset,
	})
	if err != nil {
		return 0, err
	}
	if oldAddr != 0 {
		var buf [8]byte
		hostarch.ByteOrder.PutUint64(buf[:], uint64(prev))
		if _, err := t.App.Mem.CopyOut(ctx, oldAddr, buf[:]); err != nil {
			return 0, linuxerr.EFAULT
		}
	}
	return 0, nil
}

// Stacks implements sa_stacks(count, stack_list_ptr). It returns the number
// of stacks accepted; an error is reported only if none were.
func Stacks(ctx context.Context, t *Task, args arch.SyscallArguments) (uintptr, error) {
	count := args[0].Int()
	addr := args[1].Pointer()

	if count < 0 {
		return 0, linuxerr.EINVAL
	}
	p, err := t.process()
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	count = min(count, maxStacksPerCall)

	buf := make([]byte, int(count)*abisa.SizeOfStackInfo)
	if _, err := t.App.Mem.CopyIn(ctx, addr, buf); err != nil {
		return 0, linuxerr.EFAULT
	}
	infos := make([]abisa.StackInfo, count)
	src := buf
	for i := range infos {
		src = infos[i].UnmarshalBytes(src)
	}

	n, err := p.DonateStacks(ctx, infos)
	if n > 0 {
		return uintptr(n), nil
	}
	return 0, err
}

// Enable implements sa_enable(). The caller becomes the occupant of the
// first virtual processor and receives a NEWPROC upcall on return.
func Enable(ctx context.Context, t *Task, args arch.SyscallArguments) (uintptr, error) {
	p, err := t.process()
	if err != nil {
		return 0, err
	}
	return 0, p.Enable(ctx, t.LWP)
}

// SetConcurrency implements sa_setconcurrency(n). It returns the number of
// virtual processors added.
func SetConcurrency(ctx context.Context, t *Task, args arch.SyscallArguments) (uintptr, error) {
	n := args[0].Int()

	p, err := t.process()
	if err != nil {
		return 0, ksa.ErrNotEnabled
	}
	added, err := p.SetConcurrency(ctx, int(n))
	return uintptr(added), err
}

// Yield implements sa_yield(). If nothing is pending for the caller's
// virtual processor, the caller idles until an upcall is queued.
func Yield(ctx context.Context, t *Task, args arch.SyscallArguments) (uintptr, error) {
	p, err := t.process()
	if err != nil {
		return 0, ksa.ErrNotEnabled
	}
	_, err = p.Yield(ctx, t.LWP)
	return 0, err
}

// Preempt implements sa_preempt(tid). The target's virtual processor
// receives a PREEMPTED upcall at its next delivery boundary.
func Preempt(ctx context.Context, t *Task, args arch.SyscallArguments) (uintptr, error) {
	tid := lwp.ID(args[0].Int())

	p, err := t.process()
	if err != nil {
		return 0, ksa.ErrNotEnabled
	}
	return 0, p.Preempt(tid)
}
