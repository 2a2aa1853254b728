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
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	"gvisor.dev/upcalls/pkg/sync"
)

// fuzzState is the bookkeeping shared by the fuzz workers.
type fuzzState struct {
	mu sync.Mutex

	// blocked holds contexts that handed off their virtual processor and
	// have not been woken.
	blocked []*lwp.LWP

	// woken and unblocked count MarkWoken calls and UNBLOCKED deliveries.
	woken     map[lwp.ID]int
	unblocked map[lwp.ID]int

	// signaled and signals count queued and delivered SIGNAL upcalls.
	signaled int
	signals  int
}

// checkVP verifies the occupancy invariants of one virtual processor.
func checkVP(h *harness, vp *VP) error {
	s := vp.Snapshot()
	if s.Occupant == lwp.NoID {
		return fmt.Errorf("vp %d has no occupant", s.ID)
	}
	if slices.Contains(s.Cached, s.Occupant) || slices.Contains(s.Woken, s.Occupant) {
		return fmt.Errorf("vp %d: occupant %d is also cached or woken: %v", s.ID, s.Occupant, s)
	}
	for _, id := range append(append([]lwp.ID{s.Occupant}, s.Cached...), s.Woken...) {
		if got := h.sched.Get(id).VP(); got != int32(s.ID) {
			return fmt.Errorf("vp %d: lwp %d is bound to vp %d", s.ID, id, got)
		}
	}
	if !s.ReserveFull {
		return fmt.Errorf("vp %d: reserve is empty", s.ID)
	}
	return nil
}

// drainAndRecord drains occ, records UNBLOCKED deliveries and frees the
// batch's stacks.
func (f *fuzzState) drainAndRecord(h *harness, occ *lwp.LWP) (int, error) {
	u, err := h.p.Drain(h.ctx, occ)
	if err != nil {
		return 0, fmt.Errorf("Drain(%v): %w", occ, err)
	}
	f.mu.Lock()
	for _, d := range u.Events {
		switch d.Type {
		case abisa.SA_UPCALL_UNBLOCKED:
			f.unblocked[d.Event]++
		case abisa.SA_UPCALL_SIGNAL:
			f.signals++
		}
	}
	f.mu.Unlock()
	for _, d := range u.Events {
		if _, err := h.mem.AddUint32(d.Stack.Start, 1); err != nil {
			return 0, err
		}
	}
	return u.Count(), nil
}

// wakeOne wakes a random blocked context, which may belong to any virtual
// processor.
func (f *fuzzState) wakeOne(h *harness, rng *rand.Rand) error {
	f.mu.Lock()
	if len(f.blocked) == 0 {
		f.mu.Unlock()
		return nil
	}
	i := rng.Intn(len(f.blocked))
	l := f.blocked[i]
	f.blocked = append(f.blocked[:i], f.blocked[i+1:]...)
	f.mu.Unlock()

	if !h.p.MarkWoken(l) {
		return fmt.Errorf("MarkWoken(%v) of a blocked context = false", l)
	}
	f.mu.Lock()
	f.woken[l.ID()]++
	f.mu.Unlock()
	return nil
}

// TestConcurrentFuzz runs randomized block, wake, signal, yield and drain
// operations on every virtual processor in parallel. Each virtual processor
// must always have exactly one occupant that occupies nothing else, and
// every wakeup and signal must be reported exactly once.
func TestConcurrentFuzz(t *testing.T) {
	const (
		nvp        = 4
		iterations = 400
		maxBlocked = 12
	)
	cfg := testConfig()
	cfg.StacksPerVP = 32
	h := newHarness(t, nvp, cfg)
	h.setup(cfg.StacksPerVP)
	if added, err := h.p.SetConcurrency(h.ctx, nvp); err != nil || added != nvp-1 {
		t.Fatalf("SetConcurrency(%d) = %d, %v", nvp, added, err)
	}
	h.donate(cfg.StacksPerVP, 2*cfg.StacksPerVP)
	vps := h.p.VPs()
	for _, vp := range vps[1:] {
		h.drain(vp.Occupant())
	}

	f := &fuzzState{
		woken:     make(map[lwp.ID]int),
		unblocked: make(map[lwp.ID]int),
	}

	stop := make(chan struct{})
	checked := make(chan error, 1)
	go func() {
		// No context may ever occupy two virtual processors.
		owner := make(map[lwp.ID]VPID)
		for {
			select {
			case <-stop:
				checked <- nil
				return
			default:
			}
			for _, vp := range vps {
				id := vp.Snapshot().Occupant
				if prev, ok := owner[id]; ok && prev != vp.ID() {
					checked <- fmt.Errorf("lwp %d occupied vp %d and vp %d", id, prev, vp.ID())
					return
				}
				owner[id] = vp.ID()
			}
		}
	}()

	var g errgroup.Group
	for i, vp := range vps {
		rng := rand.New(rand.NewSource(int64(i + 1)))
		g.Go(func() error {
			for n := 0; n < iterations; n++ {
				switch rng.Intn(5) {
				case 0:
					f.mu.Lock()
					full := len(f.blocked) >= maxBlocked
					f.mu.Unlock()
					if full {
						break
					}
					occ := vp.Occupant()
					res, err := h.p.BeginBlock(h.ctx, occ)
					if err != nil {
						return fmt.Errorf("BeginBlock(%v): %w", occ, err)
					}
					if res.Deliver {
						f.mu.Lock()
						f.blocked = append(f.blocked, occ)
						f.mu.Unlock()
					}
				case 1:
					if err := f.wakeOne(h, rng); err != nil {
						return err
					}
				case 2:
					occ := vp.Occupant()
					switch err := h.p.Signal(occ.ID(), unix.SIGUSR1); err {
					case nil:
						f.mu.Lock()
						f.signaled++
						f.mu.Unlock()
					case linuxerr.EAGAIN:
					default:
						return fmt.Errorf("Signal(%v): %w", occ, err)
					}
				case 3:
					// A parked occupant is run again by the drain below,
					// as if a wakeup or a spurious schedule had resumed it.
					occ := vp.Occupant()
					if _, err := h.p.Yield(h.ctx, occ); err != nil {
						return fmt.Errorf("Yield(%v): %w", occ, err)
					}
				}
				if _, err := f.drainAndRecord(h, vp.Occupant()); err != nil {
					return err
				}
				if err := checkVP(h, vp); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	close(stop)
	if cerr := <-checked; cerr != nil {
		t.Error(cerr)
	}
	if err != nil {
		t.Fatal(err)
	}

	// Wake everything still blocked and drain until quiescent.
	for len(f.blocked) > 0 {
		if err := f.wakeOne(h, rand.New(rand.NewSource(0))); err != nil {
			t.Fatal(err)
		}
	}
	for _, vp := range vps {
		for {
			n, err := f.drainAndRecord(h, vp.Occupant())
			if err != nil {
				t.Fatal(err)
			}
			if n == 0 {
				break
			}
		}
	}

	if len(f.woken) == 0 {
		t.Fatalf("no context was ever woken")
	}
	if diff := cmp.Diff(f.woken, f.unblocked); diff != "" {
		t.Errorf("wakeups and UNBLOCKED deliveries differ (-woken +unblocked):\n%s", diff)
	}
	if f.signaled != f.signals {
		t.Errorf("%d signals queued, %d delivered", f.signaled, f.signals)
	}

	h.p.Exit(h.ctx)
	if n := h.p.liveEvents.Load(); n != 0 {
		t.Errorf("%d live events after exit, want 0", n)
	}
}
