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
	"fmt"

	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/ilist"
)

// Event is an upcall event.
//
// An Event is on at most one list at a time: a virtual processor's event
// queue, its free list, or none while it is being delivered. Its fields are
// protected by the mutex of the virtual processor whose list it is on, and
// owned by the delivering LWP otherwise.
type Event struct {
	ilist.Entry[*Event]

	typ abisa.UpcallType

	// event is the context the upcall is about.
	event CapturedOrDeferred

	// interrupted is the context the upcall interrupted, if any.
	interrupted CapturedOrDeferred

	// stack is the stack the event's frame set is written on. It is
	// assigned at creation for BLOCKED and UNBLOCKED events and at delivery
	// otherwise.
	stack *Stack

	// sig is the signal number of SIGNAL events.
	sig int32

	// arg is handed verbatim to the handler, and dtor runs exactly once
	// when the event is delivered or discarded.
	arg  []byte
	dtor func()
}

// Type returns the upcall type of e.
func (e *Event) Type() abisa.UpcallType {
	return e.typ
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("%s(event=%d, interrupted=%d)", e.typ, e.event.ID(), e.interrupted.ID())
}

// runDestructor runs e's argument destructor if it has not run yet.
func (e *Event) runDestructor() {
	if dtor := e.dtor; dtor != nil {
		e.dtor = nil
		dtor()
	}
}

// reset clears e for reuse.
//
// Preconditions: e is not on a list and its destructor has run.
func (e *Event) reset() {
	*e = Event{}
}

// allocEvent allocates an event without blocking. It fails with ErrNoEvent
// when Config.MaxEvents events are live.
func (p *Process) allocEvent() (*Event, error) {
	if max := int64(p.cfg.MaxEvents); max > 0 {
		for {
			n := p.liveEvents.Load()
			if n >= max {
				return nil, ErrNoEvent
			}
			if p.liveEvents.CompareAndSwap(n, n+1) {
				return &Event{}, nil
			}
		}
	}
	p.liveEvents.Add(1)
	return &Event{}, nil
}

// freeEvent releases an event allocated by allocEvent.
func (p *Process) freeEvent(e *Event) {
	e.runDestructor()
	e.reset()
	if p.liveEvents.Add(-1) < 0 {
		panic("upcall event freed twice")
	}
}
