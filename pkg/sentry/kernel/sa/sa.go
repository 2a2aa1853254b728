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

// Package sa implements the kernel half of scheduler activations: an N:M
// threading model in which a bounded set of virtual processors is multiplexed
// across many user-level threads, and the kernel reports blocking, unblocking
// and preemption to a user-level scheduler through upcalls delivered on
// user-supplied stacks.
//
// Upcalls are never delivered directly. Blocking hands the virtual processor
// to a cached replacement context and queues a BLOCKED event; waking parks
// the context on a woken list; the occupant drains both at its next return to
// user space, writing one frame set per event and entering the handler once
// with the whole batch.
package sa

import (
	"context"
	goerrors "errors"
	"fmt"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/atomicbitops"
	"gvisor.dev/upcalls/pkg/bitmap"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/hostarch"
	"gvisor.dev/upcalls/pkg/log"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	"gvisor.dev/upcalls/pkg/sync"
	"gvisor.dev/upcalls/pkg/usermem"
)

const (
	// fatalSignal terminates contexts that violate the upcall protocol.
	fatalSignal = unix.SIGILL

	// killSignal terminates contexts discarded at teardown.
	killSignal = unix.SIGKILL
)

// errExiting stops cache refills once the process is exiting.
var errExiting = goerrors.New("process exiting")

// Process is the scheduler-activations state of one application process.
type Process struct {
	sched lwp.Scheduler
	mem   usermem.IO
	cfg   Config

	logPrefix string
	limited   log.Logger

	stacks *StackRegistry

	// liveEvents counts allocated upcall events.
	liveEvents atomicbitops.Int64

	// enabled is set once Enable succeeds. It is only set with mu held.
	enabled atomicbitops.Bool

	// exiting is set once Exit begins, and exited once it has run.
	exiting atomicbitops.Bool
	exited  atomicbitops.Bool

	// concurrencyMu serializes Enable and concurrency changes, which may
	// block spawning contexts. It is ordered before mu.
	concurrencyMu sync.Mutex

	mu sync.RWMutex

	// handler is the upcall entry point. Protected by mu.
	handler hostarch.Addr

	// flags are the registration flags. Protected by mu.
	flags uint32

	// target is the requested concurrency. Protected by mu.
	target int

	// vps is indexed by VPID; released IDs hold nil. Protected by mu.
	vps []*VP

	// ids allocates VPIDs. Protected by mu.
	ids bitmap.Bitmap
}

// New returns the scheduler-activations state for a process scheduled by
// sched whose memory is accessed through mem.
func New(sched lwp.Scheduler, mem usermem.IO, cfg Config) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Process{
		sched:     sched,
		mem:       mem,
		cfg:       cfg,
		logPrefix: makeLogPrefix(lastProcessID.Add(1)),
		stacks:    NewStackRegistry(mem),
		ids:       bitmap.New(64),
	}
	p.limited = log.RateLimitedLogger(log.Log(), cfg.LogEvery)
	return p, nil
}

// Config returns the process's tunables.
func (p *Process) Config() Config {
	return p.cfg
}

// Stacks returns the stack registry.
func (p *Process) Stacks() *StackRegistry {
	return p.stacks
}

// Enabled returns true if the process is in SA mode.
func (p *Process) Enabled() bool {
	return p.enabled.Load()
}

// Handler returns the registered upcall handler.
func (p *Process) Handler() hostarch.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handler
}

// RegisterOpts are the arguments of Register.
type RegisterOpts struct {
	// Handler is the upcall entry point.
	Handler hostarch.Addr

	// Flags is a set of SA_FLAG_* values.
	Flags uint32

	// GenerationOffset is the offset of the generation word within each
	// stack, if SA_FLAG_STACKGEN is set.
	GenerationOffset uint64
}

// Register installs the upcall handler and returns the previous one.
//
// Before Enable the handler and flags may be replaced freely. Once enabled,
// only the same handler may be registered again.
func (p *Process) Register(opts RegisterOpts) (hostarch.Addr, error) {
	if opts.Flags&^abisa.SA_FLAGS_ALL != 0 {
		return 0, linuxerr.EINVAL
	}
	if p.isExiting() {
		return 0, linuxerr.ESRCH
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.handler
	if p.enabled.Load() && (opts.Handler != p.handler || opts.Flags != p.flags) {
		return prev, ErrAlreadyRegistered
	}
	if err := p.stacks.Configure(opts.Flags&abisa.SA_FLAG_STACKGEN != 0, opts.GenerationOffset); err != nil {
		return prev, err
	}
	p.handler = opts.Handler
	p.flags = opts.Flags
	p.Debugf("registered handler %v (previous %v), flags %#x", opts.Handler, prev, opts.Flags)
	return prev, nil
}

// stackLimitLocked returns the current stack cap.
//
// Preconditions: p.mu must be locked.
func (p *Process) stackLimitLocked() int {
	return p.cfg.StacksPerVP * max(1, p.target)
}

// DonateStacks registers stacks in order. It returns the number accepted
// before the first rejection, and the reason for that rejection.
func (p *Process) DonateStacks(ctx context.Context, infos []abisa.StackInfo) (int, error) {
	if p.isExiting() {
		return 0, linuxerr.ESRCH
	}
	p.mu.RLock()
	limit := p.stackLimitLocked()
	p.mu.RUnlock()

	for i, info := range infos {
		if err := p.stacks.Register(ctx, info, limit); err != nil {
			p.Debugf("stack %d (%#x+%#x) rejected: %v", i, info.Base, info.Len, err)
			return i, err
		}
	}
	return len(infos), nil
}

// Enable switches the process into SA mode. The calling LWP becomes the
// occupant of virtual processor 0 and receives a NEWPROC upcall at its next
// return to user space.
func (p *Process) Enable(ctx context.Context, l *lwp.LWP) error {
	p.concurrencyMu.Lock()
	defer p.concurrencyMu.Unlock()
	if p.isExiting() {
		return linuxerr.ESRCH
	}

	p.mu.Lock()
	if p.enabled.Load() {
		p.mu.Unlock()
		return ErrAlreadyEnabled
	}
	if p.handler == 0 {
		p.mu.Unlock()
		return ErrNoHandler
	}
	vp, err := p.newVPLocked(l)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if err := vp.refillCache(ctx); err != nil {
		p.releaseVP(vp)
		return fmt.Errorf("filling context cache: %w", err)
	}

	p.mu.Lock()
	p.target = 1
	p.enabled.Store(true)
	p.mu.Unlock()

	vp.mu.Lock()
	err = vp.queueNewProcLocked()
	vp.mu.Unlock()
	if err != nil {
		// The VP is fully set up; only the notification is lost.
		p.limitedWarningf("enable: NEWPROC for lwp %d dropped: %v", l.ID(), err)
	}
	p.Infof("enabled on lwp %d", l.ID())
	return nil
}

// newVPLocked creates a virtual processor occupied by occ, with its reserve
// and free list filled.
//
// Preconditions: p.mu must be locked.
func (p *Process) newVPLocked(occ *lwp.LWP) (*VP, error) {
	id, err := p.ids.Allocate()
	if err != nil {
		return nil, linuxerr.ENOMEM
	}
	vp := &VP{p: p, id: VPID(id)}
	for i := 0; i <= p.cfg.EventFreeList; i++ {
		e, err := p.allocEvent()
		if err != nil {
			vp.retired = true
			p.releaseEventsLocked(vp)
			p.ids.Remove(id)
			return nil, linuxerr.ENOMEM
		}
		vp.releaseEventLocked(e)
	}
	for int(id) >= len(p.vps) {
		p.vps = append(p.vps, nil)
	}
	p.vps[id] = vp
	vp.occupant = occ
	occ.Bind(int32(id))
	return vp, nil
}

// releaseEventsLocked frees vp's reserve and spare events.
//
// Preconditions: vp.mu must be locked, or vp must be unreachable.
func (p *Process) releaseEventsLocked(vp *VP) {
	if e, ok := vp.reserve.Drain(); ok {
		p.freeEvent(e)
	}
	for e := vp.free.PopFront(); e != nil; e = vp.free.PopFront() {
		p.freeEvent(e)
	}
	vp.nfree = 0
}

// releaseVP removes vp from the process and tears it down. It returns the
// former occupant, now unbound, which the caller disposes of.
func (p *Process) releaseVP(vp *VP) *lwp.LWP {
	p.mu.Lock()
	if int(vp.id) < len(p.vps) && p.vps[vp.id] == vp {
		p.vps[vp.id] = nil
		p.ids.Remove(uint32(vp.id))
	}
	p.mu.Unlock()

	occ, victims := vp.teardown()
	for _, l := range victims {
		p.sched.Terminate(l, killSignal)
	}
	return occ
}

// vpFor returns the virtual processor l is bound to, or nil.
func (p *Process) vpFor(l *lwp.LWP) *VP {
	id := l.VP()
	if id < 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(id) >= len(p.vps) {
		return nil
	}
	return p.vps[id]
}

// VP returns the virtual processor with the given ID, or nil.
func (p *Process) VP(id VPID) *VP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id < 0 || int(id) >= len(p.vps) {
		return nil
	}
	return p.vps[id]
}

// VPs returns the live virtual processors in ID order.
func (p *Process) VPs() []*VP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	vps := make([]*VP, 0, len(p.vps))
	for _, vp := range p.vps {
		if vp != nil {
			vps = append(vps, vp)
		}
	}
	return vps
}

// isExiting returns true once teardown has begun, locally or in the
// scheduler.
func (p *Process) isExiting() bool {
	return p.exiting.Load() || p.sched.IsExiting()
}

// exitFrom tears the process down on behalf of l, which is terminated.
func (p *Process) exitFrom(ctx context.Context, l *lwp.LWP) {
	p.Exit(ctx)
	p.sched.Terminate(l, killSignal)
}

// fatal terminates l for a protocol error and returns err. The process is
// torn down with it, as an unhandled fatalSignal would: l may occupy a
// virtual processor whose woken contexts and queued events can no longer be
// reported.
func (p *Process) fatal(ctx context.Context, l *lwp.LWP, err error) error {
	fatalMetric.Increment()
	p.limitedWarningf("terminating lwp %d: %v", l.ID(), err)
	p.sched.Terminate(l, fatalSignal)
	p.Exit(ctx)
	return err
}

// spawn allocates a suspended context, retrying transient allocation failures
// for up to Config.RefillBackoff.
func (p *Process) spawn(ctx context.Context) (*lwp.LWP, error) {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if p.cfg.RefillBackoff > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.cfg.RefillBackoff / 100
		eb.MaxInterval = p.cfg.RefillBackoff / 4
		eb.MaxElapsedTime = p.cfg.RefillBackoff
		b = eb
	}

	var l *lwp.LWP
	op := func() error {
		if p.isExiting() {
			return backoff.Permanent(errExiting)
		}
		nl, err := p.sched.SpawnSuspended()
		if err != nil {
			if linuxerr.Equals(linuxerr.ENOMEM, err) || linuxerr.Equals(linuxerr.EAGAIN, err) {
				return err
			}
			return backoff.Permanent(err)
		}
		l = nl
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if err == errExiting {
			return nil, err
		}
		return nil, fmt.Errorf("spawning context: %v: %w", err, linuxerr.ENOMEM)
	}
	return l, nil
}

// Stats is a point-in-time view of a process.
type Stats struct {
	Enabled     bool
	Exiting     bool
	Handler     hostarch.Addr
	Target      int
	Dormant     int
	Stacks      int
	FreeStacks  int
	LiveEvents  int64
	VirtualProc []VPSnapshot
}

// Stats returns a point-in-time view of p.
func (p *Process) Stats(ctx context.Context) Stats {
	vps := p.VPs()
	p.mu.RLock()
	s := Stats{
		Enabled: p.enabled.Load(),
		Exiting: p.exiting.Load(),
		Handler: p.handler,
		Target:  p.target,
	}
	p.mu.RUnlock()
	s.Stacks = p.stacks.Len()
	s.FreeStacks = p.stacks.NumFree(ctx)
	s.LiveEvents = p.liveEvents.Load()
	for _, vp := range vps {
		s.VirtualProc = append(s.VirtualProc, vp.Snapshot())
	}
	if s.Target > len(vps) {
		s.Dormant = s.Target - len(vps)
	}
	return s
}
