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

// Package sa implements the scheduler-activations system calls.
//
// Each syscall decodes its raw arguments, copies any user structures in or
// out through the process's usermem.IO and calls into the runtime in
// pkg/sentry/kernel/sa. Syscalls are dispatched by number through Table.
package sa

import (
	"context"
	"fmt"

	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/log"
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	ksa "gvisor.dev/upcalls/pkg/sentry/kernel/sa"
	"gvisor.dev/upcalls/pkg/sync"
	"gvisor.dev/upcalls/pkg/usermem"
)

// Application is the state shared by all threads of one process.
type Application struct {
	// Sched and Mem are the process's scheduler and address space.
	Sched lwp.Scheduler
	Mem   usermem.IO

	// Conf holds the runtime tunables used when the runtime is created by
	// the first sa_register.
	Conf ksa.Config

	mu sync.Mutex

	// proc is nil until the first sa_register.
	proc *ksa.Process
}

// Process returns the runtime of a, or nil if no handler was ever
// registered.
func (a *Application) Process() *ksa.Process {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proc
}

// getOrCreateProcess returns the runtime of a, creating it if needed.
func (a *Application) getOrCreateProcess() (*ksa.Process, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc == nil {
		p, err := ksa.New(a.Sched, a.Mem, a.Conf)
		if err != nil {
			return nil, fmt.Errorf("creating upcall runtime: %w", err)
		}
		a.proc = p
	}
	return a.proc, nil
}

// Task is the thread making a syscall.
type Task struct {
	App *Application
	LWP *lwp.LWP
}

// NewTask returns the Task for l in a.
func (a *Application) NewTask(l *lwp.LWP) *Task {
	return &Task{App: a, LWP: l}
}

// process returns the runtime, or ErrNoHandler if sa_register was never
// called.
func (t *Task) process() (*ksa.Process, error) {
	p := t.App.Process()
	if p == nil {
		return nil, ksa.ErrNoHandler
	}
	return p, nil
}

// SyscallFn is a syscall implementation.
type SyscallFn func(ctx context.Context, t *Task, args arch.SyscallArguments) (uintptr, error)

// Syscall describes one syscall.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// Fn is the implementation.
	Fn SyscallFn
}

// Table maps syscall numbers to their implementations.
var Table = map[uintptr]Syscall{
	abisa.SYS_SA_REGISTER:       {"sa_register", Register},
	abisa.SYS_SA_STACKS:         {"sa_stacks", Stacks},
	abisa.SYS_SA_ENABLE:         {"sa_enable", Enable},
	abisa.SYS_SA_SETCONCURRENCY: {"sa_setconcurrency", SetConcurrency},
	abisa.SYS_SA_YIELD:          {"sa_yield", Yield},
	abisa.SYS_SA_PREEMPT:        {"sa_preempt", Preempt},
}

// Lookup returns the syscall numbered sysno.
func Lookup(sysno uintptr) (Syscall, bool) {
	s, ok := Table[sysno]
	return s, ok
}

// Invoke executes syscall sysno on behalf of t.
func (t *Task) Invoke(ctx context.Context, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
	s, ok := Lookup(sysno)
	if !ok {
		return 0, linuxerr.ENOSYS
	}
	rv, err := s.Fn(ctx, t, args)
	if log.IsLogging(log.Debug) {
		if err != nil {
			log.Debugf("[%d] %s(%#x, %#x, %#x, %#x) = %d, %v", t.LWP.ID(), s.Name, args[0].Value, args[1].Value, args[2].Value, args[3].Value, rv, err)
		} else {
			log.Debugf("[%d] %s(%#x, %#x, %#x, %#x) = %d", t.LWP.ID(), s.Name, args[0].Value, args[1].Value, args[2].Value, args[3].Value, rv)
		}
	}
	return rv, err
}
