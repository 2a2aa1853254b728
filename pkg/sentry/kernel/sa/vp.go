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
	"gvisor.dev/upcalls/pkg/ilist"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	"gvisor.dev/upcalls/pkg/sync"
)

// VPID identifies a virtual processor within a process. IDs are dense: the
// smallest unused ID is handed out first.
type VPID int32

// VP is a virtual processor: one unit of kernel-schedulable parallelism
// granted to the process, represented to the scheduler by its occupant.
//
// Lock order: Process.mu, then VP.mu, then StackRegistry.mu.
type VP struct {
	p  *Process
	id VPID

	mu sync.Mutex

	// occupant is the LWP currently representing the VP. It is non-nil
	// while the process lives and is not exiting. Protected by mu.
	occupant *lwp.LWP

	// cache holds suspended contexts ready to replace a blocking occupant.
	// Protected by mu.
	cache contextCache

	// events is the FIFO upcall event queue. Protected by mu.
	events  ilist.List[*Event]
	nevents int

	// woken holds contexts that unblocked while not occupying the VP.
	// Protected by mu.
	woken  ilist.List[*lwp.LWP]
	nwoken int

	// reserve guarantees that a block never fails for want of an event.
	// Protected by mu.
	reserve Reserve[*Event]

	// free holds spare events. Protected by mu.
	free  ilist.List[*Event]
	nfree int

	// lastFault and prevFault are the most recent fault addresses;
	// faultPending is set until lastFault is resolved. Protected by mu.
	lastFault    hostarch.Addr
	prevFault    hostarch.Addr
	faultPending bool

	// delivered holds the stacks of the last delivered batch when stacks
	// carry no generation word; they are released when the occupant
	// yields. Protected by mu.
	delivered []*Stack

	// retired is set once the VP is removed from the process. Protected by
	// mu.
	retired bool
}

// ID returns the VP's identifier.
func (vp *VP) ID() VPID {
	return vp.id
}

// Occupant returns the VP's current occupant.
func (vp *VP) Occupant() *lwp.LWP {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.occupant
}

// newEventLocked returns a spare event without blocking.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) newEventLocked() (*Event, bool) {
	if e := vp.free.PopFront(); e != nil {
		vp.nfree--
		return e, true
	}
	e, err := vp.p.allocEvent()
	if err != nil {
		return nil, false
	}
	return e, true
}

// releaseEventLocked recycles a consumed event: into the reserve if it is
// empty, else onto the free list, else back to the allocator.
//
// Preconditions: vp.mu must be locked. e is on no list.
func (vp *VP) releaseEventLocked(e *Event) {
	e.runDestructor()
	e.reset()
	switch {
	case vp.retired:
		vp.p.freeEvent(e)
	case !vp.reserve.Full():
		vp.reserve.Fill(e)
	case vp.nfree < vp.p.cfg.EventFreeList:
		vp.free.PushFront(e)
		vp.nfree++
	default:
		vp.p.freeEvent(e)
	}
}

// queueLocked appends e to the event queue.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) queueLocked(e *Event) {
	vp.events.PushBack(e)
	vp.nevents++
}

// popAllLocked empties the event queue in order.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) popAllLocked() []*Event {
	if vp.nevents == 0 {
		return nil
	}
	batch := make([]*Event, 0, vp.nevents)
	for e := vp.events.PopFront(); e != nil; e = vp.events.PopFront() {
		batch = append(batch, e)
	}
	vp.nevents = 0
	return batch
}

// pendingLocked returns true if the occupant has upcalls to deliver.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) pendingLocked() bool {
	return vp.nevents != 0 || vp.nwoken != 0 || vp.occupant.HasFlags(lwp.PreemptPending)
}

// kickLocked asks the occupant to reach a return-to-user boundary promptly.
// If the occupant is parked in sa_yield, it is returned so that the caller
// can make it runnable after dropping vp.mu.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) kickLocked() *lwp.LWP {
	occ := vp.occupant
	if occ == nil {
		return nil
	}
	occ.RequestDrain()
	if occ.TestAndClearFlags(lwp.Idle) {
		return occ
	}
	return nil
}

// resolveDeferredLocked captures l's state for every queued event that
// defers it. It must run before l is reused.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) resolveDeferredLocked(l *lwp.LWP) {
	sched := vp.p.sched
	for e := vp.events.Front(); e != nil; e = e.Next() {
		if e.event.References(l) {
			e.event.Resolve(sched)
		}
		if e.interrupted.References(l) {
			e.interrupted.Resolve(sched)
		}
	}
}

// queueNewProcLocked queues a NEWPROC upcall for the occupant.
//
// Preconditions: vp.mu must be locked.
func (vp *VP) queueNewProcLocked() error {
	e, ok := vp.newEventLocked()
	if !ok {
		return ErrNoEvent
	}
	e.typ = abisa.SA_UPCALL_NEWPROC
	e.event = Deferred(vp.occupant)
	vp.queueLocked(e)
	vp.occupant.RequestDrain()
	return nil
}

// refillCache spawns contexts until the cache holds Config.CacheTarget. It
// may block and must be called without locks held.
func (vp *VP) refillCache(ctx context.Context) error {
	for {
		vp.mu.Lock()
		n, retired := vp.cache.len(), vp.retired
		vp.mu.Unlock()
		if retired || n >= vp.p.cfg.CacheTarget {
			return nil
		}

		l, err := vp.p.spawn(ctx)
		if err != nil {
			return err
		}

		vp.mu.Lock()
		if vp.retired || vp.p.isExiting() {
			vp.mu.Unlock()
			vp.p.sched.Terminate(l, killSignal)
			return nil
		}
		l.Bind(int32(vp.id))
		vp.cache.put(l)
		vp.mu.Unlock()
	}
}

// VPSnapshot is a point-in-time view of a VP.
type VPSnapshot struct {
	ID          VPID
	Occupant    lwp.ID
	Cached      []lwp.ID
	Woken       []lwp.ID
	Queued      []string
	ReserveFull bool
	FreeEvents  int
}

// Snapshot returns a point-in-time view of vp.
func (vp *VP) Snapshot() VPSnapshot {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	s := VPSnapshot{
		ID:          vp.id,
		Occupant:    lwp.NoID,
		ReserveFull: vp.reserve.Full(),
		FreeEvents:  vp.nfree,
	}
	if vp.occupant != nil {
		s.Occupant = vp.occupant.ID()
	}
	for l := vp.cache.list.Front(); l != nil; l = l.Next() {
		s.Cached = append(s.Cached, l.ID())
	}
	for l := vp.woken.Front(); l != nil; l = l.Next() {
		s.Woken = append(s.Woken, l.ID())
	}
	for e := vp.events.Front(); e != nil; e = e.Next() {
		s.Queued = append(s.Queued, e.String())
	}
	return s
}

// String implements fmt.Stringer.
func (s VPSnapshot) String() string {
	return fmt.Sprintf("vp %d: occupant %d, cached %v, woken %v, queued %v, reserve %t, free %d",
		s.ID, s.Occupant, s.Cached, s.Woken, s.Queued, s.ReserveFull, s.FreeEvents)
}
