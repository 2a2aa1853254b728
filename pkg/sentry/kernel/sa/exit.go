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

	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
)

// Exit tears down scheduler activations for the process. Queued events are
// discarded without being reported, cached and woken contexts are
// terminated, and every event and stack is released. Exit is idempotent, and
// every later operation on the process is a no-op.
func (p *Process) Exit(ctx context.Context) {
	p.exiting.Store(true)
	if p.exited.TestAndSet() {
		return
	}

	// Concurrency changes spawning contexts see exiting and stop; wait for
	// them before taking the table.
	p.concurrencyMu.Lock()
	defer p.concurrencyMu.Unlock()

	for _, vp := range p.VPs() {
		p.releaseVP(vp)
	}
	p.mu.Lock()
	p.vps = nil
	p.target = 0
	p.mu.Unlock()
	p.stacks.Release()

	if n := p.liveEvents.Load(); n != 0 {
		p.Warningf("%d upcall events outstanding after exit", n)
	}
	p.Infof("exited")
}

// Exited returns true once Exit has run.
func (p *Process) Exited() bool {
	return p.exited.Load()
}

// teardown retires vp. It discards queued events and returns the former
// occupant together with the cached and woken contexts, all unbound.
func (vp *VP) teardown() (*lwp.LWP, []*lwp.LWP) {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	if vp.retired {
		return nil, nil
	}
	vp.retired = true

	vp.discardLocked(vp.popAllLocked())
	vp.delivered = nil
	vp.p.releaseEventsLocked(vp)

	victims := vp.cache.drain()
	for w := vp.woken.PopFront(); w != nil; w = vp.woken.PopFront() {
		victims = append(victims, w)
	}
	vp.nwoken = 0
	for _, l := range victims {
		l.Unbind()
	}

	occ := vp.occupant
	vp.occupant = nil
	if occ != nil {
		occ.Unbind()
	}
	return occ, victims
}
