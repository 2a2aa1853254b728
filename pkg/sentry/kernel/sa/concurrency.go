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

	"gvisor.dev/upcalls/pkg/cleanup"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
)

// SetConcurrency requests n virtual processors and returns how many were
// created. Processors beyond the hardware parallelism are accepted but stay
// dormant until HardwareChanged finds room for them. Lowering the request
// never removes processors.
//
// If a processor cannot be created, every processor created by this call is
// removed again and SetConcurrency fails with ENOMEM.
func (p *Process) SetConcurrency(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, linuxerr.EINVAL
	}
	p.concurrencyMu.Lock()
	defer p.concurrencyMu.Unlock()
	if p.isExiting() {
		return 0, linuxerr.ESRCH
	}
	if !p.enabled.Load() {
		return 0, ErrNotEnabled
	}
	if p.cfg.MaxVPs > 0 && n > p.cfg.MaxVPs {
		n = p.cfg.MaxVPs
	}

	p.mu.Lock()
	prev := p.target
	p.target = n
	p.mu.Unlock()

	added, err := p.materialize(ctx)
	if err != nil {
		p.mu.Lock()
		p.target = prev
		p.mu.Unlock()
		return 0, err
	}
	p.Debugf("concurrency %d -> %d, %d virtual processors added", prev, n, added)
	return added, nil
}

// HardwareChanged materializes dormant virtual processors after the
// hardware parallelism grows. It returns how many were created.
func (p *Process) HardwareChanged(ctx context.Context) (int, error) {
	p.concurrencyMu.Lock()
	defer p.concurrencyMu.Unlock()
	if p.isExiting() || !p.enabled.Load() {
		return 0, nil
	}
	return p.materialize(ctx)
}

// numVPsLocked returns the number of live virtual processors.
//
// Preconditions: p.mu must be locked.
func (p *Process) numVPsLocked() int {
	return int(p.ids.GetNumOnes())
}

// materialize creates virtual processors until the target or the hardware
// parallelism is reached. Each new processor gets a fresh occupant, a filled
// cache and a NEWPROC upcall, and the occupants are made runnable once all
// of them exist.
//
// Preconditions: p.concurrencyMu must be locked.
func (p *Process) materialize(ctx context.Context) (int, error) {
	p.mu.RLock()
	want := min(p.target, p.sched.NumCPU())
	have := p.numVPsLocked()
	p.mu.RUnlock()
	if want <= have {
		return 0, nil
	}

	var created []*VP
	cu := cleanup.Make(func() {
		for _, vp := range created {
			if occ := p.releaseVP(vp); occ != nil {
				p.sched.Terminate(occ, killSignal)
			}
		}
	})
	defer cu.Clean()

	for i := have; i < want; i++ {
		occ, err := p.spawn(ctx)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		vp, err := p.newVPLocked(occ)
		p.mu.Unlock()
		if err != nil {
			p.sched.Terminate(occ, killSignal)
			return 0, err
		}
		created = append(created, vp)

		if err := vp.refillCache(ctx); err != nil {
			return 0, fmt.Errorf("filling cache of vp %d: %w", vp.id, err)
		}
		vp.mu.Lock()
		err = vp.queueNewProcLocked()
		vp.mu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("vp %d: %v: %w", vp.id, err, linuxerr.ENOMEM)
		}
	}
	cu.Release()

	for _, vp := range created {
		p.sched.MakeRunnable(vp.Occupant())
	}
	return len(created), nil
}
