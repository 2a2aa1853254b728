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

	"golang.org/x/sys/unix"
	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

// maxSignal is the largest valid signal number.
const maxSignal = 64

// lookupBound returns the LWP named tid and its virtual processor.
func (p *Process) lookupBound(tid lwp.ID) (*lwp.LWP, *VP, error) {
	if !p.enabled.Load() || p.isExiting() {
		return nil, nil, ErrNotEnabled
	}
	l := p.sched.Lookup(tid)
	if l == nil {
		return nil, nil, linuxerr.ESRCH
	}
	vp := p.vpFor(l)
	if vp == nil {
		return nil, nil, linuxerr.ESRCH
	}
	return l, vp, nil
}

// wake makes an idle occupant runnable so that it drains.
func (p *Process) wake(idle *lwp.LWP) {
	if idle != nil {
		p.sched.MakeRunnable(idle)
	}
}

// Preempt asks for a PREEMPTED upcall on tid's next return to user space.
// The target's scheduling state is left alone.
func (p *Process) Preempt(tid lwp.ID) error {
	l, vp, err := p.lookupBound(tid)
	if err != nil {
		return err
	}
	l.SetFlags(lwp.PreemptPending)

	vp.mu.Lock()
	var idle *lwp.LWP
	if vp.occupant == l {
		idle = vp.kickLocked()
	}
	vp.mu.Unlock()
	p.wake(idle)
	return nil
}

// Signal queues a SIGNAL upcall reporting signo for tid on tid's virtual
// processor.
func (p *Process) Signal(tid lwp.ID, signo unix.Signal) error {
	if signo <= 0 || signo > maxSignal {
		return linuxerr.EINVAL
	}
	l, vp, err := p.lookupBound(tid)
	if err != nil {
		return err
	}

	vp.mu.Lock()
	if vp.retired {
		vp.mu.Unlock()
		return linuxerr.ESRCH
	}
	e, ok := vp.newEventLocked()
	if !ok {
		vp.mu.Unlock()
		return linuxerr.EAGAIN
	}
	e.typ = abisa.SA_UPCALL_SIGNAL
	e.event = Deferred(l)
	e.sig = int32(signo)
	vp.queueLocked(e)
	idle := vp.kickLocked()
	vp.mu.Unlock()
	p.wake(idle)
	return nil
}

// UserUpcall queues a USER upcall for l carrying arg, which is copied. dtor,
// if not nil, runs exactly once after the upcall is delivered or discarded.
// If the upcall cannot be queued dtor is not run.
func (p *Process) UserUpcall(l *lwp.LWP, arg []byte, dtor func()) error {
	if len(arg) > MaxUserArg {
		return linuxerr.EINVAL
	}
	if !p.enabled.Load() || p.isExiting() {
		return ErrNotEnabled
	}
	vp := p.vpFor(l)
	if vp == nil {
		return ErrNotEnabled
	}

	vp.mu.Lock()
	if vp.retired {
		vp.mu.Unlock()
		return ErrNotEnabled
	}
	e, ok := vp.newEventLocked()
	if !ok {
		vp.mu.Unlock()
		return linuxerr.EAGAIN
	}
	e.typ = abisa.SA_UPCALL_USER
	e.event = Deferred(l)
	e.arg = append([]byte(nil), arg...)
	e.dtor = dtor
	vp.queueLocked(e)
	idle := vp.kickLocked()
	vp.mu.Unlock()
	p.wake(idle)
	return nil
}

// Yield is called by an occupant with nothing to run. Stacks of the last
// batch are released when they carry no generation word. If work is
// pending, Yield returns false and the caller drains it; otherwise the
// occupant idles until an event arrives and Yield returns true.
func (p *Process) Yield(ctx context.Context, l *lwp.LWP) (bool, error) {
	if p.isExiting() {
		p.exitFrom(ctx, l)
		return false, nil
	}
	if !p.enabled.Load() {
		return false, ErrNotEnabled
	}
	vp := p.vpFor(l)
	if vp == nil {
		return false, ErrNotEnabled
	}

	vp.mu.Lock()
	if vp.occupant != l || vp.retired {
		vp.mu.Unlock()
		return false, ErrNotEnabled
	}
	for _, s := range vp.delivered {
		p.stacks.MarkFree(s)
	}
	vp.delivered = vp.delivered[:0]
	if vp.pendingLocked() || l.DrainRequested() {
		vp.mu.Unlock()
		return false, nil
	}
	l.SetFlags(lwp.Idle)
	l.SetState(lwp.Sleeping)
	vp.mu.Unlock()

	p.sched.RemoveFromRunQueue(l)

	// A kick between the unlock and the dequeue cleared Idle and made l
	// runnable before it left the run queue. Undo the dequeue.
	vp.mu.Lock()
	retired := vp.retired
	woken := !retired && !l.HasFlags(lwp.Idle)
	vp.mu.Unlock()
	if woken {
		p.sched.MakeRunnable(l)
	}
	return !woken && !retired, nil
}
