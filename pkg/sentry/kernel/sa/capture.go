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
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

type captureKind uint8

const (
	captureNone captureKind = iota
	captureCaptured
	captureDeferred
)

// CapturedOrDeferred is the machine state of a context named by an upcall
// event. It either holds a snapshot, or refers to the live context whose
// state is captured at delivery time.
//
// The zero value names no context.
type CapturedOrDeferred struct {
	kind captureKind
	id   lwp.ID
	vp   int32
	regs arch.Registers

	// live is set only for deferred captures.
	live *lwp.LWP
}

// Captured returns a snapshot of l with the given machine state.
func Captured(l *lwp.LWP, regs arch.Registers) CapturedOrDeferred {
	return CapturedOrDeferred{
		kind: captureCaptured,
		id:   l.ID(),
		vp:   l.VP(),
		regs: regs,
	}
}

// Deferred returns a reference to l whose state is captured later.
func Deferred(l *lwp.LWP) CapturedOrDeferred {
	return CapturedOrDeferred{
		kind: captureDeferred,
		id:   l.ID(),
		vp:   l.VP(),
		live: l,
	}
}

// captureNow snapshots l through the scheduler.
func captureNow(s lwp.Scheduler, l *lwp.LWP) CapturedOrDeferred {
	return Captured(l, s.Capture(l))
}

// Present returns true if c names a context.
func (c *CapturedOrDeferred) Present() bool {
	return c.kind != captureNone
}

// IsDeferred returns true if c's state has not been captured yet.
func (c *CapturedOrDeferred) IsDeferred() bool {
	return c.kind == captureDeferred
}

// ID returns the ID of the named context, or lwp.NoID.
func (c *CapturedOrDeferred) ID() lwp.ID {
	if c.kind == captureNone {
		return lwp.NoID
	}
	return c.id
}

// VP returns the virtual processor the context was bound to when c was made.
func (c *CapturedOrDeferred) VP() int32 {
	if c.kind == captureNone {
		return lwp.NoVP
	}
	return c.vp
}

// References returns true if c defers capture of l.
func (c *CapturedOrDeferred) References(l *lwp.LWP) bool {
	return c.kind == captureDeferred && c.live == l
}

// Resolve captures the state of a deferred context. It is a no-op otherwise.
func (c *CapturedOrDeferred) Resolve(s lwp.Scheduler) {
	if c.kind != captureDeferred {
		return
	}
	c.regs = s.Capture(c.live)
	c.live = nil
	c.kind = captureCaptured
}

// Registers returns the captured machine state. ok is false if c names no
// context or is still deferred.
func (c *CapturedOrDeferred) Registers() (regs *arch.Registers, ok bool) {
	if c.kind != captureCaptured {
		return nil, false
	}
	return &c.regs, true
}
