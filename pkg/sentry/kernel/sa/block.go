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
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

// BlockResult tells the scheduler what to run after a blocking call has
// begun.
type BlockResult struct {
	// Deliver is true if the virtual processor was handed to Next, which
	// the caller must switch to.
	Deliver bool

	// Next is the replacement context.
	Next *lwp.LWP
}

// Proceed is the result of a block that does not hand off its virtual
// processor, either because l does not occupy one or because the handoff
// degraded.
var Proceed = BlockResult{}

// BeginBlock is called when l is about to block in the kernel. If l occupies
// a virtual processor, the processor is handed to a cached replacement, which
// will report a BLOCKED upcall for l when it returns to user space.
//
// BeginBlock never blocks. If no replacement context, stack or event is
// available, the block proceeds without an upcall and the virtual processor
// stays empty until l unblocks.
func (p *Process) BeginBlock(ctx context.Context, l *lwp.LWP) (BlockResult, error) {
	if p.isExiting() {
		p.exitFrom(ctx, l)
		return Proceed, nil
	}
	if !p.enabled.Load() {
		return Proceed, nil
	}
	vp := p.vpFor(l)
	if vp == nil {
		return Proceed, nil
	}
	if !l.BeginSwitch() {
		// Already in a handshake: l is blocking while delivering an upcall
		// or refilling its cache. Its virtual processor is not handed off.
		return Proceed, nil
	}
	defer l.EndSwitch()

	vp.mu.Lock()
	if vp.occupant != l || vp.retired {
		vp.mu.Unlock()
		return Proceed, nil
	}
	if !vp.reserve.Full() {
		vp.mu.Unlock()
		return Proceed, p.fatal(ctx, l, ErrNoReserve)
	}

	repl := vp.cache.take()
	if repl == nil {
		vp.mu.Unlock()
		p.degraded(l, degradedNoContext)
		return Proceed, nil
	}

	stack, err := p.stacks.AcquireFree(ctx)
	if err != nil {
		vp.cache.put(repl)
		vp.mu.Unlock()
		return Proceed, p.fatal(ctx, l, err)
	}
	if stack == nil {
		vp.cache.put(repl)
		vp.mu.Unlock()
		p.degraded(l, degradedNoStack)
		return Proceed, nil
	}

	e, ok := vp.reserve.Use(vp.newEventLocked)
	if !ok {
		p.stacks.MarkFree(stack)
		vp.cache.put(repl)
		vp.mu.Unlock()
		p.degraded(l, degradedNoEvent)
		return Proceed, nil
	}
	e.typ = abisa.SA_UPCALL_BLOCKED
	e.event = Deferred(l)
	e.stack = stack
	vp.queueLocked(e)

	l.SetFlags(lwp.Blocking)
	repl.ClearFlags(lwp.Idle)
	repl.SetFlags(lwp.NeedRefill | lwp.Upcall)
	repl.Bind(int32(vp.id))
	repl.RequestDrain()
	vp.occupant = repl
	vp.mu.Unlock()

	p.sched.MakeRunnable(repl)
	blocksMetric.Increment()
	p.Debugf("lwp %d blocked on vp %d, handed to lwp %d", l.ID(), vp.id, repl.ID())
	return BlockResult{Deliver: true, Next: repl}, nil
}

// degraded records a block that proceeds without an upcall.
func (p *Process) degraded(l *lwp.LWP, reason string) {
	degradedBlocksMetric.Increment(reason)
	p.limitedWarningf("lwp %d blocking without upcall: %s", l.ID(), reason)
}

// MarkWoken is called when l's blocking operation completes. If l gave up
// its virtual processor when it blocked, l is parked on the processor's woken
// list for the occupant to report, and MarkWoken returns true; the caller
// must not run l. Otherwise l simply continues and MarkWoken returns false.
func (p *Process) MarkWoken(l *lwp.LWP) bool {
	if p.isExiting() || !p.enabled.Load() {
		return false
	}
	vp := p.vpFor(l)
	if vp == nil {
		return false
	}

	vp.mu.Lock()
	if vp.retired || vp.occupant == l || !l.HasFlags(lwp.Blocking) {
		vp.mu.Unlock()
		l.ClearFlags(lwp.Blocking)
		return false
	}
	l.ClearFlags(lwp.Blocking)
	l.SetFlags(lwp.Woken)
	l.SetState(lwp.Suspended)
	vp.woken.PushBack(l)
	vp.nwoken++
	idle := vp.kickLocked()
	vp.mu.Unlock()

	p.sched.RemoveFromRunQueue(l)
	if idle != nil {
		p.sched.MakeRunnable(idle)
	}
	wokenMetric.Increment()
	p.Debugf("lwp %d woke, parked on vp %d", l.ID(), vp.id)
	return true
}
