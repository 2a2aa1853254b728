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

// Package lwptest provides a deterministic lwp.Scheduler for tests and
// simulations.
//
// The Scheduler never runs anything. It keeps a FIFO run queue and a record of
// every call the runtime makes, so that tests can drive LWPs explicitly and
// assert on the scheduling decisions the runtime requested.
package lwptest

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	"gvisor.dev/upcalls/pkg/sync"
)

// OpKind identifies a recorded scheduler call.
type OpKind string

// Recorded scheduler calls.
const (
	OpSpawn     OpKind = "spawn"
	OpRunnable  OpKind = "runnable"
	OpDequeue   OpKind = "dequeue"
	OpYieldTo   OpKind = "yield-to"
	OpTerminate OpKind = "terminate"
)

// Op is one recorded scheduler call.
type Op struct {
	Kind OpKind
	ID   lwp.ID
}

func (o Op) String() string {
	return fmt.Sprintf("%s(%d)", o.Kind, o.ID)
}

// Scheduler is a deterministic lwp.Scheduler.
type Scheduler struct {
	mu sync.Mutex

	// nextID is the ID of the next spawned LWP.
	nextID lwp.ID

	// lwps holds every LWP ever created, by ID.
	lwps map[lwp.ID]*lwp.LWP

	// runQueue is the FIFO run queue.
	runQueue []*lwp.LWP

	// current is the LWP last yielded to.
	current *lwp.LWP

	exiting bool
	ncpu    int

	// The next spawnsOK spawns succeed and the failSpawns after them fail.
	spawnsOK   int
	failSpawns int

	// terminated maps terminated LWPs to the signal that killed them.
	terminated map[lwp.ID]unix.Signal

	// beforeDequeue runs once at the start of the next RemoveFromRunQueue.
	beforeDequeue func(l *lwp.LWP)

	history []Op
}

var _ lwp.Scheduler = (*Scheduler)(nil)

// New returns a Scheduler reporting ncpu CPUs.
func New(ncpu int) *Scheduler {
	return &Scheduler{
		nextID:     1,
		lwps:       make(map[lwp.ID]*lwp.LWP),
		ncpu:       ncpu,
		terminated: make(map[lwp.ID]unix.Signal),
	}
}

// newLWPLocked creates and registers an LWP with recognizable registers.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) newLWPLocked() *lwp.LWP {
	l := lwp.New(s.nextID)
	s.nextID++
	var regs arch.Registers
	regs.IP = 0x400000 + uint64(l.ID())*0x1000
	regs.SP = 0x7f0000000000 - uint64(l.ID())*0x100000
	regs.FPState = []byte{byte(l.ID())}
	l.SetRegisters(regs)
	s.lwps[l.ID()] = l
	return l
}

// NewThread creates an application thread that is already running, e.g. the
// process's main thread.
func (s *Scheduler) NewThread() *lwp.LWP {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.newLWPLocked()
	l.SetState(lwp.Running)
	s.current = l
	return l
}

// SpawnSuspended implements lwp.Scheduler.SpawnSuspended.
func (s *Scheduler) SpawnSuspended() (*lwp.LWP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawnsOK > 0 {
		s.spawnsOK--
	} else if s.failSpawns > 0 {
		s.failSpawns--
		return nil, linuxerr.ENOMEM
	}
	l := s.newLWPLocked()
	s.history = append(s.history, Op{OpSpawn, l.ID()})
	return l, nil
}

// MakeRunnable implements lwp.Scheduler.MakeRunnable.
func (s *Scheduler) MakeRunnable(l *lwp.LWP) {
	if l.SwitchState() == lwp.Switching {
		panic(fmt.Sprintf("MakeRunnable(%v) during occupancy handshake", l))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Op{OpRunnable, l.ID()})
	if l.State() == lwp.Zombie {
		return
	}
	l.SetState(lwp.Runnable)
	for _, q := range s.runQueue {
		if q == l {
			return
		}
	}
	s.runQueue = append(s.runQueue, l)
}

// RemoveFromRunQueue implements lwp.Scheduler.RemoveFromRunQueue.
func (s *Scheduler) RemoveFromRunQueue(l *lwp.LWP) {
	s.mu.Lock()
	hook := s.beforeDequeue
	s.beforeDequeue = nil
	s.mu.Unlock()
	if hook != nil {
		hook(l)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Op{OpDequeue, l.ID()})
	s.dequeueLocked(l)
}

// Preconditions: s.mu must be locked.
func (s *Scheduler) dequeueLocked(l *lwp.LWP) {
	for i, q := range s.runQueue {
		if q == l {
			s.runQueue = append(s.runQueue[:i], s.runQueue[i+1:]...)
			return
		}
	}
}

// YieldTo implements lwp.Scheduler.YieldTo.
func (s *Scheduler) YieldTo(l *lwp.LWP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Op{OpYieldTo, l.ID()})
	s.dequeueLocked(l)
	l.SetState(lwp.Running)
	s.current = l
}

// Current implements lwp.Scheduler.Current.
func (s *Scheduler) Current() *lwp.LWP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Lookup implements lwp.Scheduler.Lookup.
func (s *Scheduler) Lookup(id lwp.ID) *lwp.LWP {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lwps[id]
	if l == nil || l.State() == lwp.Zombie {
		return nil
	}
	return l
}

// Get returns the LWP with the given ID, including terminated ones.
func (s *Scheduler) Get(id lwp.ID) *lwp.LWP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lwps[id]
}

// IsExiting implements lwp.Scheduler.IsExiting.
func (s *Scheduler) IsExiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exiting
}

// NumCPU implements lwp.Scheduler.NumCPU.
func (s *Scheduler) NumCPU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ncpu
}

// Capture implements lwp.Scheduler.Capture.
func (s *Scheduler) Capture(l *lwp.LWP) arch.Registers {
	return l.Registers()
}

// Terminate implements lwp.Scheduler.Terminate.
func (s *Scheduler) Terminate(l *lwp.LWP, sig unix.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Op{OpTerminate, l.ID()})
	if _, ok := s.terminated[l.ID()]; !ok {
		s.terminated[l.ID()] = sig
	}
	s.dequeueLocked(l)
	l.SetState(lwp.Zombie)
}

// SetExiting marks the process as exiting.
func (s *Scheduler) SetExiting(exiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exiting = exiting
}

// SetNumCPU changes the reported hardware parallelism.
func (s *Scheduler) SetNumCPU(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ncpu = n
}

// FailSpawns makes the next n calls to SpawnSuspended fail with ENOMEM.
func (s *Scheduler) FailSpawns(n int) {
	s.FailSpawnsAfter(0, n)
}

// FailSpawnsAfter lets the next ok calls to SpawnSuspended succeed and makes
// the n calls after them fail with ENOMEM.
func (s *Scheduler) FailSpawnsAfter(ok, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnsOK = ok
	s.failSpawns = n
}

// BeforeNextDequeue arranges for f to run, without s.mu held, at the start
// of the next RemoveFromRunQueue call and before l leaves the run queue.
func (s *Scheduler) BeforeNextDequeue(f func(l *lwp.LWP)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeDequeue = f
}

// RunQueue returns the IDs on the run queue in order.
func (s *Scheduler) RunQueue() []lwp.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]lwp.ID, 0, len(s.runQueue))
	for _, l := range s.runQueue {
		ids = append(ids, l.ID())
	}
	return ids
}

// OnRunQueue returns true if l is on the run queue.
func (s *Scheduler) OnRunQueue(l *lwp.LWP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.runQueue {
		if q == l {
			return true
		}
	}
	return false
}

// Terminated returns the signal l was terminated with, if any.
func (s *Scheduler) Terminated(l *lwp.LWP) (unix.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.terminated[l.ID()]
	return sig, ok
}

// NumTerminated returns the number of terminated LWPs.
func (s *Scheduler) NumTerminated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.terminated)
}

// History returns every recorded call in order.
func (s *Scheduler) History() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.history...)
}

// Count returns the number of recorded calls of the given kind.
func (s *Scheduler) Count(kind OpKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.history {
		if op.Kind == kind {
			n++
		}
	}
	return n
}
