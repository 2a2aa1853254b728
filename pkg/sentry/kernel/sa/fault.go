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

	"gvisor.dev/upcalls/pkg/hostarch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

// Fault is called when l takes a page fault at addr. It returns
// ErrDoubleFault, having terminated l and torn down the process, if the fault cannot be reported
// without risking a delivery loop: l is running on an upcall stack, or addr
// faulted before and has not been resolved since.
func (p *Process) Fault(ctx context.Context, l *lwp.LWP, addr hostarch.Addr) error {
	if !p.enabled.Load() {
		return nil
	}
	vp := p.vpFor(l)
	if vp == nil {
		return nil
	}
	if sp := hostarch.Addr(l.Registers().SP); p.stacks.Contains(sp) {
		return p.fatal(ctx, l, fmt.Errorf("fault at %v with sp %v on an upcall stack: %w", addr, sp, ErrDoubleFault))
	}

	vp.mu.Lock()
	if vp.faultPending && vp.lastFault == addr {
		vp.mu.Unlock()
		return p.fatal(ctx, l, fmt.Errorf("repeated fault at %v: %w", addr, ErrDoubleFault))
	}
	vp.prevFault = vp.lastFault
	vp.lastFault = addr
	vp.faultPending = true
	vp.mu.Unlock()
	return nil
}

// FaultResolved is called once the fault at addr has been handled.
func (p *Process) FaultResolved(l *lwp.LWP, addr hostarch.Addr) {
	vp := p.vpFor(l)
	if vp == nil {
		return
	}
	vp.mu.Lock()
	defer vp.mu.Unlock()
	if vp.lastFault == addr {
		vp.faultPending = false
	}
}

// LastFaults returns the most recent and the previous fault addresses.
func (vp *VP) LastFaults() (last, prev hostarch.Addr) {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.lastFault, vp.prevFault
}
