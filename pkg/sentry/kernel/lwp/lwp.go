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

// Package lwp defines kernel execution contexts (light-weight processes) as
// seen by the scheduler-activations runtime, and the Scheduler collaborator
// that owns their run queues.
//
// The runtime never schedules an LWP itself. It only records which virtual
// processor an LWP is bound to, flips the flags below, and asks the Scheduler
// to make LWPs runnable, remove them from run queues, or switch to them.
package lwp

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/upcalls/pkg/atomicbitops"
	"gvisor.dev/upcalls/pkg/ilist"
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sync"
)

// ID is an LWP identifier. IDs are unique within a Scheduler.
type ID int32

// NoID is the ID reported for absent contexts.
const NoID ID = -1

// NoVP is the VP binding of an LWP that is not bound to a virtual processor.
const NoVP int32 = -1

// RunState is a coarse representation of what the scheduler is doing with an
// LWP.
type RunState int32

const (
	// Suspended indicates that the LWP exists but will not run until it is
	// made runnable. Freshly spawned and cached LWPs are suspended. This
	// must be the zero value for RunState.
	Suspended RunState = iota

	// Runnable indicates that the LWP is on a run queue.
	Runnable

	// Running indicates that the LWP is executing.
	Running

	// Sleeping indicates that the LWP is blocked in the kernel.
	Sleeping

	// Zombie indicates that the LWP has been terminated.
	Zombie
)

func (s RunState) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// SwitchState guards occupancy transfer. An LWP in the Switching state is in
// the middle of handing its virtual processor to a replacement and must not be
// made runnable or re-entered by the runtime.
type SwitchState uint32

const (
	// Normal is the zero value of SwitchState.
	Normal SwitchState = iota

	// Switching indicates an occupancy handshake is in progress.
	Switching
)

func (s SwitchState) String() string {
	if s == Switching {
		return "switching"
	}
	return "normal"
}

// Flags are the scheduler-activations flags of an LWP.
type Flags uint32

const (
	// SAOwned marks an LWP created by the runtime to deliver upcalls.
	SAOwned Flags = 1 << iota

	// Blocking marks an LWP that handed its virtual processor to a
	// replacement and is blocked in the kernel.
	Blocking

	// Woken marks a Blocking LWP that became runnable and is parked on its
	// virtual processor's woken list.
	Woken

	// Idle marks an occupant parked in sa_yield.
	Idle

	// NeedRefill marks a replacement that must refill its virtual
	// processor's context cache before doing anything else.
	NeedRefill

	// Upcall marks an LWP that was handed a virtual processor to deliver
	// upcalls.
	Upcall

	// PreemptPending marks an LWP owed a PREEMPTED upcall.
	PreemptPending
)

var flagNames = []string{"sa-owned", "blocking", "woken", "idle", "need-refill", "upcall", "preempt-pending"}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	s := ""
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	return s
}

// LWP is a kernel execution context.
type LWP struct {
	// Entry links the LWP into either its virtual processor's context cache
	// or its woken list, never both. It is protected by the owning virtual
	// processor's mutex.
	ilist.Entry[*LWP]

	id ID

	state     atomicbitops.Int32
	switching atomicbitops.Uint32
	flags     atomicbitops.Uint32

	// vp is the ID of the virtual processor the LWP is bound to, or NoVP.
	vp atomicbitops.Int32

	// drain is set when the LWP should drain its virtual processor's upcall
	// queue at its next return to user space.
	drain atomicbitops.Bool

	regsMu sync.Mutex
	regs   arch.Registers
}

// New returns a suspended, unbound LWP with the given ID.
func New(id ID) *LWP {
	l := &LWP{id: id}
	l.vp.Store(NoVP)
	return l
}

// ID returns l's identifier.
func (l *LWP) ID() ID {
	return l.id
}

// State returns l's run state.
func (l *LWP) State() RunState {
	return RunState(l.state.Load())
}

// SetState sets l's run state.
func (l *LWP) SetState(s RunState) {
	l.state.Store(int32(s))
}

// SwitchState returns l's switch state.
func (l *LWP) SwitchState() SwitchState {
	return SwitchState(l.switching.Load())
}

// BeginSwitch moves l from Normal to Switching. It returns false if l is
// already Switching.
func (l *LWP) BeginSwitch() bool {
	return l.switching.CompareAndSwap(uint32(Normal), uint32(Switching))
}

// EndSwitch moves l back to Normal.
//
// Preconditions: l is Switching.
func (l *LWP) EndSwitch() {
	if !l.switching.CompareAndSwap(uint32(Switching), uint32(Normal)) {
		panic(fmt.Sprintf("LWP %d: EndSwitch without BeginSwitch", l.id))
	}
}

// Flags returns l's flags.
func (l *LWP) Flags() Flags {
	return Flags(l.flags.Load())
}

// HasFlags returns true if all of f are set on l.
func (l *LWP) HasFlags(f Flags) bool {
	return Flags(l.flags.Load())&f == f
}

// SetFlags sets f on l.
func (l *LWP) SetFlags(f Flags) {
	for {
		old := l.flags.Load()
		if l.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlags clears f on l.
func (l *LWP) ClearFlags(f Flags) {
	l.TestAndClearFlags(f)
}

// TestAndClearFlags clears f on l and returns true if any of f was set.
func (l *LWP) TestAndClearFlags(f Flags) bool {
	for {
		old := l.flags.Load()
		if l.flags.CompareAndSwap(old, old&^uint32(f)) {
			return Flags(old)&f != 0
		}
	}
}

// VP returns the ID of the virtual processor l is bound to, or NoVP.
func (l *LWP) VP() int32 {
	return l.vp.Load()
}

// Bind records that l belongs to virtual processor vp.
func (l *LWP) Bind(vp int32) {
	l.vp.Store(vp)
}

// Unbind clears l's virtual processor binding.
func (l *LWP) Unbind() {
	l.vp.Store(NoVP)
}

// RequestDrain asks l to drain its virtual processor at its next return to
// user space.
func (l *LWP) RequestDrain() {
	l.drain.Store(true)
}

// DrainRequested returns true if a drain has been requested for l.
func (l *LWP) DrainRequested() bool {
	return l.drain.Load()
}

// TakeDrainRequest clears and returns l's drain request.
func (l *LWP) TakeDrainRequest() bool {
	return l.drain.Swap(false)
}

// Registers returns a snapshot of l's machine state.
func (l *LWP) Registers() arch.Registers {
	l.regsMu.Lock()
	defer l.regsMu.Unlock()
	return l.regs.Clone()
}

// SetRegisters replaces l's machine state.
func (l *LWP) SetRegisters(r arch.Registers) {
	l.regsMu.Lock()
	l.regs = r
	l.regsMu.Unlock()
}

// UpdateRegisters applies fn to l's machine state.
func (l *LWP) UpdateRegisters(fn func(*arch.Registers)) {
	l.regsMu.Lock()
	fn(&l.regs)
	l.regsMu.Unlock()
}

// String implements fmt.Stringer.
func (l *LWP) String() string {
	return fmt.Sprintf("lwp %d [%s, vp %d, %s]", l.id, l.State(), l.VP(), l.Flags())
}

// Scheduler is the collaborator that owns run queues and context switches.
// All methods must be safe for concurrent use.
type Scheduler interface {
	// SpawnSuspended creates a new LWP in the calling process. The LWP is
	// Suspended and does not run until it is made runnable or yielded to.
	// Allocation failures are reported as ENOMEM or EAGAIN.
	SpawnSuspended() (*LWP, error)

	// MakeRunnable puts l on a run queue.
	//
	// Preconditions: l is not Switching.
	MakeRunnable(l *LWP)

	// RemoveFromRunQueue takes l off any run queue without running it.
	RemoveFromRunQueue(l *LWP)

	// YieldTo switches the current CPU to l.
	YieldTo(l *LWP)

	// Current returns the LWP running on the calling CPU.
	Current() *LWP

	// Lookup returns the LWP with the given ID, or nil.
	Lookup(id ID) *LWP

	// IsExiting returns true if the process is exiting.
	IsExiting() bool

	// NumCPU returns the current hardware parallelism available to the
	// process.
	NumCPU() int

	// Capture returns a snapshot of l's machine state.
	Capture(l *LWP) arch.Registers

	// Terminate kills l with the given signal.
	Terminate(l *LWP, sig unix.Signal)
}
