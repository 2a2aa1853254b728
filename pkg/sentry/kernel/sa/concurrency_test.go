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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp/lwptest"
)

// TestSetConcurrencyBeyondHardware asks for four virtual processors on two
// CPUs.
func TestSetConcurrencyBeyondHardware(t *testing.T) {
	h := newHarness(t, 2, testConfig())
	newprocs := upcallsMetric.Value("NEWPROC")
	h.setup(4)

	added, err := h.p.SetConcurrency(h.ctx, 4)
	if err != nil || added != 1 {
		t.Fatalf("SetConcurrency(4) = %d, %v, want 1, nil", added, err)
	}
	s := h.p.Stats(h.ctx)
	if len(s.VirtualProc) != 2 || s.Dormant != 2 || s.Target != 4 {
		t.Fatalf("Stats = %d virtual processors, %d dormant, target %d; want 2, 2, 4", len(s.VirtualProc), s.Dormant, s.Target)
	}

	occ := h.vp(1).Occupant()
	if occ == nil || occ.VP() != 1 || !h.sched.OnRunQueue(occ) {
		t.Fatalf("vp 1 occupant %v is not bound and runnable", occ)
	}
	if got := len(h.vp(1).Snapshot().Cached); got != 1 {
		t.Errorf("vp 1 has %d cached contexts, want 1", got)
	}
	h.expect(occ, fmt.Sprintf("NEWPROC(%d)", occ.ID()))

	// NEWPROC fired once on each materialized processor.
	if got := upcallsMetric.Value("NEWPROC") - newprocs; got != 2 {
		t.Errorf("%d NEWPROC upcalls delivered, want 2", got)
	}

	// More hardware materializes the dormant processors.
	h.sched.SetNumCPU(3)
	added, err = h.p.HardwareChanged(h.ctx)
	if err != nil || added != 1 {
		t.Fatalf("HardwareChanged = %d, %v, want 1, nil", added, err)
	}
	if s := h.p.Stats(h.ctx); len(s.VirtualProc) != 3 || s.Dormant != 1 {
		t.Errorf("after HardwareChanged: %d virtual processors, %d dormant; want 3, 1", len(s.VirtualProc), s.Dormant)
	}
	occ = h.vp(2).Occupant()
	h.expect(occ, fmt.Sprintf("NEWPROC(%d)", occ.ID()))

	if added, err := h.p.HardwareChanged(h.ctx); err != nil || added != 0 {
		t.Errorf("HardwareChanged without new hardware = %d, %v, want 0, nil", added, err)
	}
}

func TestSetConcurrencyErrors(t *testing.T) {
	h := newHarness(t, 4, testConfig())
	if _, err := h.p.SetConcurrency(h.ctx, 2); err != ErrNotEnabled {
		t.Errorf("SetConcurrency before Enable = %v, want %v", err, ErrNotEnabled)
	}
	h.setup(2)
	for _, n := range []int{0, -1} {
		if _, err := h.p.SetConcurrency(h.ctx, n); err != linuxerr.EINVAL {
			t.Errorf("SetConcurrency(%d) = %v, want EINVAL", n, err)
		}
	}
	if added, err := h.p.SetConcurrency(h.ctx, 1); err != nil || added != 0 {
		t.Errorf("SetConcurrency(1) = %d, %v, want 0, nil", added, err)
	}
}

func TestSetConcurrencyMaxVPs(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVPs = 2
	h := newHarness(t, 8, cfg)
	h.setup(2)
	added, err := h.p.SetConcurrency(h.ctx, 8)
	if err != nil || added != 1 {
		t.Fatalf("SetConcurrency(8) = %d, %v, want 1, nil", added, err)
	}
	if s := h.p.Stats(h.ctx); s.Target != 2 || s.Dormant != 0 {
		t.Errorf("target %d, dormant %d; want 2, 0", s.Target, s.Dormant)
	}
}

func TestSetConcurrencyRollback(t *testing.T) {
	h := newHarness(t, 4, testConfig())
	h.setup(2)
	events := h.p.liveEvents.Load()
	runnable := h.sched.Count(lwptest.OpRunnable)

	// The third virtual processor cannot fill its cache.
	h.sched.FailSpawnsAfter(3, 1)
	added, err := h.p.SetConcurrency(h.ctx, 4)
	if !linuxerr.Equals(linuxerr.ENOMEM, err) || added != 0 {
		t.Fatalf("SetConcurrency with a failing spawn = %d, %v, want 0, ENOMEM", added, err)
	}

	s := h.p.Stats(h.ctx)
	if len(s.VirtualProc) != 1 || s.Target != 1 {
		t.Errorf("after rollback: %d virtual processors, target %d; want 1, 1", len(s.VirtualProc), s.Target)
	}
	if got := h.p.liveEvents.Load(); got != events {
		t.Errorf("%d live events after rollback, want %d", got, events)
	}
	if got := h.sched.NumTerminated(); got != 3 {
		t.Errorf("%d contexts terminated, want the 3 spawned", got)
	}
	if got := h.sched.Count(lwptest.OpRunnable); got != runnable {
		t.Errorf("rolled back occupants were made runnable")
	}

	// The IDs are reused once the allocation succeeds.
	added, err = h.p.SetConcurrency(h.ctx, 4)
	if err != nil || added != 3 {
		t.Fatalf("SetConcurrency(4) after recovery = %d, %v, want 3, nil", added, err)
	}
	var ids []VPID
	for _, vp := range h.p.VPs() {
		ids = append(ids, vp.ID())
	}
	if diff := cmp.Diff([]VPID{0, 1, 2, 3}, ids); diff != "" {
		t.Errorf("virtual processor IDs mismatch (-want +got):\n%s", diff)
	}
	for _, vp := range h.p.VPs() {
		if occ := vp.Occupant(); occ == nil || occ.VP() != int32(vp.ID()) || occ.State() == lwp.Zombie {
			t.Errorf("vp %d has occupant %v", vp.ID(), occ)
		}
	}
}
