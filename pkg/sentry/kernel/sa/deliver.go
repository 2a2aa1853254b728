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
	"fmt"

	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/hostarch"
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

const (
	// frameSetSize is the size of the frames written for one event.
	frameSetSize = abisa.FramesPerEvent * abisa.SizeOfFrame

	// regsBlobSize is the stack space taken by one saved context.
	regsBlobSize = (arch.RegistersSize + stackAlign - 1) &^ (stackAlign - 1)

	// arrayReserve is the space kept between the pointer array and the
	// lowest usable address, so that the handler's stack pointer stays on
	// the stack.
	arrayReserve = 2 * stackAlign
)

func alignUp(n int) int {
	return (n + stackAlign - 1) &^ (stackAlign - 1)
}

// footprint returns the stack space the frame set of e takes.
func (e *Event) footprint() int {
	n := frameSetSize + alignUp(len(e.arg))
	if e.event.Present() {
		n += regsBlobSize
	}
	if e.interrupted.Present() {
		n += regsBlobSize
	}
	return n
}

// Delivered describes one event of a delivered batch.
type Delivered struct {
	Type        abisa.UpcallType
	Event       lwp.ID
	Interrupted lwp.ID
	Sig         int32
	Stack       hostarch.AddrRange
	Frame       hostarch.Addr
}

// String implements fmt.Stringer.
func (d Delivered) String() string {
	if d.Type == abisa.SA_UPCALL_SIGNAL {
		return fmt.Sprintf("%s(%d, sig=%d)", d.Type, d.Event, d.Sig)
	}
	if d.Interrupted != lwp.NoID {
		return fmt.Sprintf("%s(%d, interrupted=%d)", d.Type, d.Event, d.Interrupted)
	}
	return fmt.Sprintf("%s(%d)", d.Type, d.Event)
}

// Upcall is one entry into the upcall handler.
type Upcall struct {
	// VP is the virtual processor the upcall was delivered on.
	VP VPID

	// Handler is the entry point.
	Handler hostarch.Addr

	// SP is the handler's initial stack pointer.
	SP hostarch.Addr

	// Array is the user address of the array of pointers to frame sets.
	Array hostarch.Addr

	// Events are the delivered events, in queue order.
	Events []Delivered
}

// Count returns the number of events in the batch.
func (u *Upcall) Count() int {
	return len(u.Events)
}

// Empty returns true if nothing was delivered.
func (u *Upcall) Empty() bool {
	return len(u.Events) == 0
}

// Drain is called when occ, the occupant of a virtual processor, returns to
// user space. It reports every woken context with an UNBLOCKED event, then
// delivers the processor's queued events as one batch: a frame set for each
// event is written to that event's stack, a pointer array is written below
// the first frame set, and occ's registers are redirected into the handler.
//
// An empty Upcall means occ simply continues. A fatal error means occ has
// been terminated and the process torn down.
func (p *Process) Drain(ctx context.Context, occ *lwp.LWP) (Upcall, error) {
	if p.isExiting() {
		p.exitFrom(ctx, occ)
		return Upcall{}, nil
	}
	if !p.enabled.Load() {
		return Upcall{}, nil
	}
	vp := p.vpFor(occ)
	if vp == nil {
		return Upcall{}, nil
	}

	// A replacement's first act is restocking the cache it came from.
	if occ.TestAndClearFlags(lwp.NeedRefill) {
		if err := vp.refillCache(ctx); err != nil && err != errExiting {
			p.limitedWarningf("vp %d: cache refill failed: %v", vp.id, err)
		}
	}
	handler := p.Handler()

	vp.mu.Lock()
	if vp.occupant != occ || vp.retired {
		vp.mu.Unlock()
		return Upcall{}, nil
	}
	occ.TakeDrainRequest()
	occ.ClearFlags(lwp.Upcall | lwp.Idle)

	if err := vp.reportWokenLocked(ctx, occ); err != nil {
		vp.mu.Unlock()
		return Upcall{}, p.fatal(ctx, occ, err)
	}
	if occ.TestAndClearFlags(lwp.PreemptPending) {
		if e, ok := vp.newEventLocked(); ok {
			e.typ = abisa.SA_UPCALL_PREEMPTED
			e.event = captureNow(p.sched, occ)
			vp.queueLocked(e)
		} else {
			p.limitedWarningf("vp %d: PREEMPTED for lwp %d dropped", vp.id, occ.ID())
		}
	}

	batch := vp.popAllLocked()
	if len(batch) == 0 {
		vp.mu.Unlock()
		return Upcall{}, nil
	}
	for _, e := range batch {
		e.event.Resolve(p.sched)
		e.interrupted.Resolve(p.sched)
	}
	batch, err := vp.prepareLocked(ctx, occ, batch)
	vp.mu.Unlock()
	if err != nil {
		return Upcall{}, p.fatal(ctx, occ, err)
	}

	u, err := p.deliver(ctx, occ, vp, handler, batch)

	vp.mu.Lock()
	if err != nil {
		vp.discardLocked(batch)
	} else {
		for _, e := range batch {
			if !p.stacks.UsesGeneration() {
				vp.delivered = append(vp.delivered, e.stack)
			}
			upcallsMetric.Increment(e.typ.String())
			vp.releaseEventLocked(e)
		}
	}
	vp.mu.Unlock()
	if err != nil {
		return Upcall{}, p.fatal(ctx, occ, err)
	}
	p.Debugf("vp %d: upcall on lwp %d with %d events", vp.id, occ.ID(), u.Count())
	return u, nil
}

// reportWokenLocked queues an UNBLOCKED event for every woken context and
// recycles the contexts into the cache. A woken context is reported exactly
// once; on error it stays on the woken list.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) reportWokenLocked(ctx context.Context, occ *lwp.LWP) error {
	p := vp.p
	for vp.nwoken > 0 {
		w := vp.woken.PopFront()
		stack, err := p.stacks.AcquireFree(ctx)
		if err == nil && stack == nil {
			err = ErrNoStack
		}
		if err != nil {
			vp.woken.PushFront(w)
			return err
		}
		e, ok := vp.newEventLocked()
		if !ok {
			p.stacks.MarkFree(stack)
			vp.woken.PushFront(w)
			return ErrNoEvent
		}
		vp.nwoken--

		// Earlier events may still refer to w, which is about to be
		// reused.
		vp.resolveDeferredLocked(w)
		e.typ = abisa.SA_UPCALL_UNBLOCKED
		e.event = captureNow(p.sched, w)
		e.interrupted = captureNow(p.sched, occ)
		e.stack = stack
		vp.queueLocked(e)
		vp.cache.put(w)
	}
	return nil
}

// prepareLocked assigns stacks to the events of batch that have none and
// trims batch to what the pointer array on the first stack can describe.
// Events trimmed off are queued again for the next drain. On error the batch
// has been discarded.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) prepareLocked(ctx context.Context, occ *lwp.LWP, batch []*Event) ([]*Event, error) {
	if err := vp.assignStackLocked(ctx, batch[0]); err != nil {
		vp.discardLocked(batch)
		return nil, err
	}
	first := batch[0]
	frame := int(first.stack.Top()) - first.footprint()
	room := (frame - int(first.stack.floor) - arrayReserve) / abisa.PointerSize
	if room < 1 {
		vp.discardLocked(batch)
		return nil, fmt.Errorf("%v cannot hold a %s frame set: %w", first.stack, first.typ, ErrStackProtocol)
	}
	if room < len(batch) {
		rest := batch[room:]
		batch = batch[:room]
		for i := len(rest) - 1; i >= 0; i-- {
			vp.events.PushFront(rest[i])
			vp.nevents++
		}
		occ.RequestDrain()
	}
	for i, e := range batch[1:] {
		if err := vp.assignStackLocked(ctx, e); err != nil {
			vp.discardLocked(batch)
			return nil, fmt.Errorf("event %d of %d: %w", i+2, len(batch), err)
		}
	}
	return batch, nil
}

// assignStackLocked gives e a stack if it has none.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) assignStackLocked(ctx context.Context, e *Event) error {
	if e.stack != nil {
		return nil
	}
	s, err := vp.p.stacks.AcquireFree(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNoStack
	}
	e.stack = s
	return nil
}

// discardLocked drops undelivered events, returning their stacks.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) discardLocked(batch []*Event) {
	for _, e := range batch {
		if e.stack != nil {
			vp.p.stacks.MarkFree(e.stack)
		}
		vp.releaseEventLocked(e)
	}
}

// deliver writes the frame sets of batch and the pointer array to user
// memory and points occ at the handler.
func (p *Process) deliver(ctx context.Context, occ *lwp.LWP, vp *VP, handler hostarch.Addr, batch []*Event) (Upcall, error) {
	u := Upcall{
		VP:      vp.id,
		Handler: handler,
		Events:  make([]Delivered, 0, len(batch)),
	}
	array := make([]byte, len(batch)*abisa.PointerSize)
	for i, e := range batch {
		frame, err := p.writeFrameSet(ctx, occ, vp.id, e)
		if err != nil {
			return Upcall{}, err
		}
		hostarch.ByteOrder.PutUint64(array[i*abisa.PointerSize:], uint64(frame))
		u.Events = append(u.Events, Delivered{
			Type:        e.typ,
			Event:       e.event.ID(),
			Interrupted: e.interrupted.ID(),
			Sig:         e.sig,
			Stack:       e.stack.Range(),
			Frame:       frame,
		})
	}

	u.Array = (u.Events[0].Frame - hostarch.Addr(len(array))).RoundDown(stackAlign)
	if err := p.copyOut(ctx, u.Array, array); err != nil {
		return Upcall{}, err
	}
	u.SP = u.Array - stackAlign
	occ.UpdateRegisters(func(r *arch.Registers) {
		r.SetupUpcall(handler, u.SP, uint64(len(batch)), uint64(u.Array))
	})
	return u, nil
}

// writeFrameSet writes e's saved contexts, argument blob and frames downward
// from the top of its stack, and returns the address of the frames.
func (p *Process) writeFrameSet(ctx context.Context, occ *lwp.LWP, vp VPID, e *Event) (hostarch.Addr, error) {
	top := e.stack.Top()
	if int(top)-e.footprint() < int(e.stack.floor) {
		return 0, fmt.Errorf("%v cannot hold a %s frame set: %w", e.stack, e.typ, ErrStackProtocol)
	}

	cur := top
	var interruptedAddr, eventAddr, argAddr hostarch.Addr
	if regs, ok := e.interrupted.Registers(); ok {
		cur -= regsBlobSize
		if err := p.copyOutRegs(ctx, cur, regs); err != nil {
			return 0, err
		}
		interruptedAddr = cur
	}
	if regs, ok := e.event.Registers(); ok {
		cur -= regsBlobSize
		if err := p.copyOutRegs(ctx, cur, regs); err != nil {
			return 0, err
		}
		eventAddr = cur
	}
	if len(e.arg) > 0 {
		cur -= hostarch.Addr(alignUp(len(e.arg)))
		if err := p.copyOut(ctx, cur, e.arg); err != nil {
			return 0, err
		}
		argAddr = cur
	}
	cur -= frameSetSize

	frames := [abisa.FramesPerEvent]abisa.Frame{
		abisa.FrameSelf: {
			ID:   int32(occ.ID()),
			CPU:  int32(vp),
			Sig:  int32(e.typ),
			Code: int32(len(e.arg)),
			Arg:  uint64(argAddr),
		},
		abisa.FrameEvent: {
			Context: uint64(eventAddr),
			ID:      int32(e.event.ID()),
			CPU:     e.event.VP(),
			Sig:     e.sig,
		},
		abisa.FrameInterrupted: {
			Context: uint64(interruptedAddr),
			ID:      int32(e.interrupted.ID()),
			CPU:     e.interrupted.VP(),
		},
	}
	buf := make([]byte, frameSetSize)
	dst := buf
	for i := range frames {
		dst = frames[i].MarshalBytes(dst)
	}
	if err := p.copyOut(ctx, cur, buf); err != nil {
		return 0, err
	}
	return cur, nil
}

func (p *Process) copyOutRegs(ctx context.Context, addr hostarch.Addr, regs *arch.Registers) error {
	buf := make([]byte, regs.SizeBytes())
	regs.MarshalBytes(buf)
	return p.copyOut(ctx, addr, buf)
}

func (p *Process) copyOut(ctx context.Context, addr hostarch.Addr, src []byte) error {
	if _, err := p.mem.CopyOut(ctx, addr, src); err != nil {
		return fmt.Errorf("writing %d bytes at %v: %v: %w", len(src), addr, err, ErrStackProtocol)
	}
	return nil
}
