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
	"testing"

	"golang.org/x/sys/unix"
	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/hostarch"
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

func TestPreempt(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	if err := h.p.Preempt(h.main.ID()); err != ErrNotEnabled {
		t.Errorf("Preempt before Enable = %v, want %v", err, ErrNotEnabled)
	}
	h.setup(2)

	if err := h.p.Preempt(h.main.ID() + 100); err != linuxerr.ESRCH {
		t.Errorf("Preempt of an unknown thread = %v, want ESRCH", err)
	}
	state := h.main.State()
	if err := h.p.Preempt(h.main.ID()); err != nil {
		t.Fatalf("Preempt failed: %v", err)
	}
	if h.main.State() != state {
		t.Errorf("Preempt changed the target's state from %v to %v", state, h.main.State())
	}
	if !h.main.DrainRequested() {
		t.Errorf("Preempt did not request a drain")
	}
	u := h.expect(h.main, "PREEMPTED(1)")
	frames := h.readFrames(u, 0)
	if got := h.readRegs(frames[abisa.FrameEvent].Context); got.IP != uint64(testHandler) {
		t.Errorf("preempted context ip = %#x, want the state before delivery", got.IP)
	}
	if h.main.HasFlags(lwp.PreemptPending) {
		t.Errorf("preemption still pending after delivery")
	}
}

func TestSignal(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	h.setup(2)
	if err := h.p.Signal(h.main.ID(), 0); err != linuxerr.EINVAL {
		t.Errorf("Signal(0) = %v, want EINVAL", err)
	}
	if err := h.p.Signal(h.main.ID(), unix.SIGUSR1); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	u := h.expect(h.main, "SIGNAL(1, sig=10)")
	if got := h.readFrames(u, 0)[abisa.FrameEvent].Sig; got != int32(unix.SIGUSR1) {
		t.Errorf("event frame sig = %d, want %d", got, unix.SIGUSR1)
	}
}

func TestUserUpcall(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	h.setup(2)

	if err := h.p.UserUpcall(h.main, make([]byte, MaxUserArg+1), nil); err != linuxerr.EINVAL {
		t.Errorf("UserUpcall with an oversized argument = %v, want EINVAL", err)
	}

	arg := []byte("hello")
	runs := 0
	if err := h.p.UserUpcall(h.main, arg, func() { runs++ }); err != nil {
		t.Fatalf("UserUpcall failed: %v", err)
	}
	arg[0] = 'j'

	u := h.expect(h.main, "USER(1)")
	if runs != 1 {
		t.Errorf("destructor ran %d times after delivery, want 1", runs)
	}
	self := h.readFrames(u, 0)[abisa.FrameSelf]
	if self.Code != 5 || self.Arg == 0 {
		t.Fatalf("self frame = %+v, want a 5 byte argument", self)
	}
	got := make([]byte, self.Code)
	if _, err := h.mem.CopyIn(h.ctx, hostarch.Addr(self.Arg), got); err != nil {
		t.Fatalf("reading argument: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("argument = %q, want %q", got, "hello")
	}
}

func TestUserUpcallEventExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEvents = cfg.EventFreeList + 1
	h := newHarness(t, 1, cfg)
	h.setup(2)

	// The spare events can be queued; the reserve cannot.
	for i := 0; i < cfg.EventFreeList; i++ {
		if err := h.p.UserUpcall(h.main, nil, nil); err != nil {
			t.Fatalf("UserUpcall %d failed: %v", i, err)
		}
	}
	runs := 0
	if err := h.p.UserUpcall(h.main, nil, func() { runs++ }); err != linuxerr.EAGAIN {
		t.Errorf("UserUpcall beyond the event cap = %v, want EAGAIN", err)
	}
	if runs != 0 {
		t.Errorf("destructor of an upcall that was never queued ran")
	}
	if !h.vp(0).Snapshot().ReserveFull {
		t.Errorf("queueing upcalls consumed the reserve")
	}
}

func TestYield(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	if _, err := h.p.Yield(h.ctx, h.main); err != ErrNotEnabled {
		t.Errorf("Yield before Enable = %v, want %v", err, ErrNotEnabled)
	}
	h.setup(2)

	parked, err := h.p.Yield(h.ctx, h.main)
	if err != nil || !parked {
		t.Fatalf("Yield = %t, %v, want true, nil", parked, err)
	}
	if h.main.State() != lwp.Sleeping || !h.main.HasFlags(lwp.Idle) {
		t.Errorf("yielded occupant is %v with flags %v", h.main.State(), h.main.Flags())
	}

	// An event wakes the idle occupant.
	if err := h.p.Signal(h.main.ID(), unix.SIGUSR2); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if !h.sched.OnRunQueue(h.main) || h.main.HasFlags(lwp.Idle) {
		t.Errorf("signalled idle occupant is not runnable")
	}
	if parked, err := h.p.Yield(h.ctx, h.main); err != nil || parked {
		t.Errorf("Yield with an event pending = %t, %v, want false, nil", parked, err)
	}
	h.expect(h.main, "SIGNAL(1, sig=12)")
}

func TestYieldWakesOnUnblock(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	h.setup(4)
	a := h.main
	repl := h.block(a)
	h.expect(repl, "BLOCKED(1)")
	if parked, err := h.p.Yield(h.ctx, repl); err != nil || !parked {
		t.Fatalf("Yield = %t, %v, want true, nil", parked, err)
	}
	if !h.p.MarkWoken(a) {
		t.Fatalf("MarkWoken failed")
	}
	if !h.sched.OnRunQueue(repl) {
		t.Errorf("idle occupant not made runnable by a wakeup")
	}
	h.expect(repl, "UNBLOCKED(1, interrupted=2)")
}

// TestYieldRacesWakeup wakes a blocked context after Yield has marked the
// occupant idle but before the occupant leaves the run queue.
func TestYieldRacesWakeup(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	h.setup(4)
	a := h.main
	repl := h.block(a)
	h.expect(repl, "BLOCKED(1)")
	h.sched.BeforeNextDequeue(func(l *lwp.LWP) {
		if l != repl {
			t.Errorf("first dequeue of %v, want %v", l, repl)
			return
		}
		if !h.p.MarkWoken(a) {
			t.Errorf("MarkWoken failed")
		}
	})
	if parked, err := h.p.Yield(h.ctx, repl); err != nil || parked {
		t.Fatalf("Yield = %t, %v, want false, nil", parked, err)
	}
	if !h.sched.OnRunQueue(repl) {
		t.Errorf("occupant woken during Yield is not runnable")
	}
	h.expect(repl, "UNBLOCKED(1, interrupted=2)")
}

func TestYieldNotOccupant(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	h.setup(2)
	cached := h.sched.Lookup(h.vp(0).Snapshot().Cached[0])
	if _, err := h.p.Yield(h.ctx, cached); err != ErrNotEnabled {
		t.Errorf("Yield by a cached context = %v, want %v", err, ErrNotEnabled)
	}
}

// TestStacksWithoutGeneration checks that without generation words the
// stacks of a batch are released when the occupant yields.
func TestStacksWithoutGeneration(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	if _, err := h.p.Register(RegisterOpts{Handler: testHandler}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	h.donate(0, 1)
	if err := h.p.Enable(h.ctx, h.main); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if u, err := h.p.Drain(h.ctx, h.main); err != nil || u.Count() != 1 {
		t.Fatalf("Drain = %+v, %v, want NEWPROC", u, err)
	}
	if got := h.p.Stacks().NumFree(h.ctx); got != 0 {
		t.Fatalf("%d stacks free while the handler runs, want 0", got)
	}

	if parked, err := h.p.Yield(h.ctx, h.main); err != nil || !parked {
		t.Fatalf("Yield = %t, %v, want true, nil", parked, err)
	}
	if got := h.p.Stacks().NumFree(h.ctx); got != 1 {
		t.Fatalf("%d stacks free after Yield, want 1", got)
	}
	if err := h.p.Preempt(h.main.ID()); err != nil {
		t.Fatalf("Preempt failed: %v", err)
	}
	u, err := h.p.Drain(h.ctx, h.main)
	if err != nil || u.Count() != 1 || u.Events[0].Type != abisa.SA_UPCALL_PREEMPTED {
		t.Errorf("Drain = %+v, %v, want PREEMPTED on the released stack", u, err)
	}
}

func TestFault(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	h.setup(2)
	// Leave the upcall stack, as the thread library does once it has
	// picked a thread to run.
	h.main.UpdateRegisters(func(r *arch.Registers) { r.SP = 0x7f0000000000 })

	if err := h.p.Fault(h.ctx, h.main, 0x5000); err != nil {
		t.Fatalf("first fault failed: %v", err)
	}
	h.p.FaultResolved(h.main, 0x5000)
	if err := h.p.Fault(h.ctx, h.main, 0x5000); err != nil {
		t.Fatalf("fault after resolution failed: %v", err)
	}
	if err := h.p.Fault(h.ctx, h.main, 0x6000); err != nil {
		t.Fatalf("fault at a new address failed: %v", err)
	}
	if last, prev := h.vp(0).LastFaults(); last != 0x6000 || prev != 0x5000 {
		t.Errorf("LastFaults = %v, %v, want 0x6000, 0x5000", last, prev)
	}

	err := h.p.Fault(h.ctx, h.main, 0x6000)
	if err == nil || !Fatal(err) {
		t.Fatalf("repeated unresolved fault = %v, want %v", err, ErrDoubleFault)
	}
	if sig, ok := h.sched.Terminated(h.main); !ok || sig != unix.SIGILL {
		t.Errorf("faulting thread terminated = %v, %t, want SIGILL", sig, ok)
	}
	if !h.p.Exited() || len(h.p.VPs()) != 0 {
		t.Errorf("process not torn down after a double fault: exited %t, %d vps", h.p.Exited(), len(h.p.VPs()))
	}
}

func TestFaultOnUpcallStack(t *testing.T) {
	h := newHarness(t, 1, testConfig())
	h.setup(2)

	// setup delivered NEWPROC, so the main thread runs on an upcall stack.
	if !h.p.Stacks().Contains(hostarch.Addr(h.main.Registers().SP)) {
		t.Fatalf("main thread is not on an upcall stack")
	}
	if err := h.p.Fault(h.ctx, h.main, 0x5000); err == nil || !Fatal(err) {
		t.Errorf("fault on an upcall stack = %v, want %v", err, ErrDoubleFault)
	}
	if !h.p.Exited() {
		t.Errorf("process not torn down after a fault on an upcall stack")
	}
}
