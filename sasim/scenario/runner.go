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

package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/errors/linuxerr"
	"gvisor.dev/upcalls/pkg/log"
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp"
	"gvisor.dev/upcalls/pkg/sentry/kernel/lwp/lwptest"
	ksa "gvisor.dev/upcalls/pkg/sentry/kernel/sa"
	sasys "gvisor.dev/upcalls/pkg/sentry/syscalls/sa"
	"gvisor.dev/upcalls/pkg/sync"
	"gvisor.dev/upcalls/pkg/usermem"
)

// Simulated address space layout.
const (
	handlerAddr = 0x401000
	listAddr    = 0x1000
	listSize    = 0xf000
	stackBase   = 0x10000

	// maxDrainRounds bounds the rounds of a drainall step.
	maxDrainRounds = 16
)

// Options configure a simulation.
type Options struct {
	// Runtime holds the runtime tunables.
	Runtime ksa.Config

	// NumCPU is the hardware parallelism of scenarios that set none.
	NumCPU int

	// MemSize is the size of the simulated address space.
	MemSize uint64
}

// DefaultOptions returns the default simulation options.
func DefaultOptions() Options {
	return Options{
		Runtime: ksa.DefaultConfig(),
		NumCPU:  2,
		MemSize: 16 << 20,
	}
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step    Step
	Outcome []string
	Err     error
}

// String implements fmt.Stringer.
func (r StepResult) String() string {
	var b strings.Builder
	b.WriteString(r.Step.String())
	if len(r.Outcome) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(r.Outcome, ", "))
	}
	if r.Err != nil {
		fmt.Fprintf(&b, " (%v)", r.Err)
	}
	return b.String()
}

// Result is the outcome of a scenario.
type Result struct {
	Name  string
	Steps []StepResult
	Stats ksa.Stats
}

// ExpectationError is returned when a step's outcome differs from the
// expected one.
type ExpectationError struct {
	Index int
	Step  Step
	Diff  string
}

// Error implements error.Error.
func (e *ExpectationError) Error() string {
	return fmt.Sprintf("step %d (%v): unexpected outcome (-want +got):\n%s", e.Index, e.Step, e.Diff)
}

// errNotQuiet is returned by a drain round that delivered something.
var errNotQuiet = errors.New("upcalls still pending")

type runner struct {
	ctx   context.Context
	sc    *Scenario
	sched *lwptest.Scheduler
	mem   *usermem.BytesIO
	app   *sasys.Application
	main  *lwp.LWP

	// named holds threads bound by a step's Name.
	named map[string]*lwp.LWP

	// donated is the number of stacks donated so far.
	donated int
}

// Run executes sc. It stops at the first step that fails or that does not
// have its expected outcome.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	ncpu := sc.NumCPU
	if ncpu == 0 {
		ncpu = opts.NumCPU
	}
	sched := lwptest.New(ncpu)
	mem := &usermem.BytesIO{Bytes: make([]byte, opts.MemSize)}
	r := &runner{
		ctx:   ctx,
		sc:    sc,
		sched: sched,
		mem:   mem,
		app:   &sasys.Application{Sched: sched, Mem: mem, Conf: opts.Runtime},
		main:  sched.NewThread(),
		named: make(map[string]*lwp.LWP),
	}
	res := &Result{Name: sc.Name}
	defer func() {
		if p := r.app.Process(); p != nil {
			res.Stats = p.Stats(ctx)
			p.Exit(ctx)
		}
	}()

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := r.step(step)
		res.Steps = append(res.Steps, StepResult{Step: step, Outcome: outcome, Err: err})
		log.Debugf("%s: step %d: %v", sc.Name, i, res.Steps[i])
		if err := checkErr(step, err); err != nil {
			return res, fmt.Errorf("step %d (%v): %w", i, step, err)
		}
		if diff := diffOutcome(step, outcome); diff != "" {
			return res, &ExpectationError{Index: i, Step: step, Diff: diff}
		}
	}
	return res, nil
}

// checkErr compares err against the errno step expects.
func checkErr(step Step, err error) error {
	if step.Err == "" {
		return err
	}
	if err == nil {
		return fmt.Errorf("succeeded, want %s", step.Err)
	}
	if got := unix.ErrnoName(linuxerr.ToUnix(err)); got != step.Err {
		return fmt.Errorf("got %s (%v), want %s", got, err, step.Err)
	}
	return nil
}

// diffOutcome compares outcome with step's expectation.
func diffOutcome(step Step, outcome []string) string {
	if len(step.Expect) == 0 {
		return ""
	}
	if step.Op == OpStats {
		have := make(map[string]bool, len(outcome))
		for _, kv := range outcome {
			have[kv] = true
		}
		var missing []string
		for _, kv := range step.Expect {
			if !have[kv] {
				missing = append(missing, kv)
			}
		}
		if len(missing) == 0 {
			return ""
		}
		return cmp.Diff(missing, outcome)
	}
	return cmp.Diff(step.Expect, outcome)
}

// RunAll executes scenarios concurrently, each in its own simulated
// process. Results are returned in input order.
func RunAll(ctx context.Context, scs []*Scenario, opts Options, parallelism int) ([]*Result, error) {
	results := make([]*Result, len(scs))
	g, gctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, sc := range scs {
		g.Go(func() error {
			res, err := Run(gctx, sc, opts)
			results[i] = res
			if err != nil {
				return fmt.Errorf("scenario %q: %w", sc.Name, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

func (r *runner) process() (*ksa.Process, error) {
	p := r.app.Process()
	if p == nil {
		return nil, ksa.ErrNoHandler
	}
	return p, nil
}

// thread resolves a thread name.
func (r *runner) thread(name string) (*lwp.LWP, error) {
	if name == "" {
		if p := r.app.Process(); p == nil || !p.Enabled() {
			return r.main, nil
		}
		name = "vp0"
	}
	if name == "main" {
		return r.main, nil
	}
	if l, ok := r.named[name]; ok {
		return l, nil
	}
	if rest, ok := strings.CutPrefix(name, "vp"); ok {
		id, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("bad thread name %q", name)
		}
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		vp := p.VP(ksa.VPID(id))
		if vp == nil {
			return nil, fmt.Errorf("no virtual processor %d", id)
		}
		if l := vp.Occupant(); l != nil {
			return l, nil
		}
		return nil, fmt.Errorf("virtual processor %d has no occupant", id)
	}
	return nil, fmt.Errorf("unknown thread %q", name)
}

func (r *runner) syscall(l *lwp.LWP, sysno uintptr, vals ...uintptr) (uintptr, error) {
	return r.app.NewTask(l).Invoke(r.ctx, sysno, arch.Args(vals...))
}

func (r *runner) stackSize() uint64 {
	if r.sc.StackSize != 0 {
		return r.sc.StackSize
	}
	return DefaultStackSize
}

// step executes one step and returns its outcome.
func (r *runner) step(step Step) ([]string, error) {
	l, err := r.thread(step.Thread)
	if err != nil {
		return nil, err
	}
	if step.Name != "" {
		r.named[step.Name] = l
	}

	switch step.Op {
	case OpRegister:
		var flags uintptr
		if r.sc.Generation {
			flags = abisa.SA_FLAG_STACKGEN
		}
		_, err := r.syscall(l, abisa.SYS_SA_REGISTER, handlerAddr, 0, flags, 0)
		return nil, err

	case OpStacks:
		n, err := r.donate(l, step.N)
		return []string{fmt.Sprintf("accepted=%d", n)}, err

	case OpEnable:
		_, err := r.syscall(l, abisa.SYS_SA_ENABLE)
		return nil, err

	case OpSetConcurrency:
		added, err := r.syscall(l, abisa.SYS_SA_SETCONCURRENCY, uintptr(step.N))
		return []string{fmt.Sprintf("added=%d", added)}, err

	case OpHardware:
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		r.sched.SetNumCPU(step.N)
		added, err := p.HardwareChanged(r.ctx)
		return []string{fmt.Sprintf("added=%d", added)}, err

	case OpBlock:
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		res, err := p.BeginBlock(r.ctx, l)
		if err != nil {
			return nil, err
		}
		if !res.Deliver {
			return []string{"proceed"}, nil
		}
		l.SetState(lwp.Sleeping)
		r.sched.YieldTo(res.Next)
		return []string{"handoff"}, nil

	case OpWake:
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		if p.MarkWoken(l) {
			return []string{"woken"}, nil
		}
		return []string{"ignored"}, nil

	case OpDrain:
		u, err := r.drain(l)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, d := range u.Events {
			out = append(out, d.String())
		}
		return out, nil

	case OpDrainAll:
		return r.drainAll()

	case OpPreempt:
		_, err := r.syscall(l, abisa.SYS_SA_PREEMPT, uintptr(l.ID()))
		return nil, err

	case OpSignal:
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		return nil, p.Signal(l.ID(), unix.Signal(step.N))

	case OpUser:
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		return nil, p.UserUpcall(l, []byte(step.Arg), nil)

	case OpYield:
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		idle, err := p.Yield(r.ctx, l)
		if err != nil {
			return nil, err
		}
		if idle {
			return []string{"idle"}, nil
		}
		return []string{"pending"}, nil

	case OpStats:
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		return statsOutcome(p.Stats(r.ctx)), nil

	case OpExit:
		p, err := r.process()
		if err != nil {
			return nil, err
		}
		r.sched.SetExiting(true)
		p.Exit(r.ctx)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

// donate writes n fresh stack descriptors to the list area and passes them
// to sa_stacks.
func (r *runner) donate(l *lwp.LWP, n int) (int, error) {
	size := r.stackSize()
	if n*abisa.SizeOfStackInfo > listSize {
		return 0, fmt.Errorf("cannot donate %d stacks in one call", n)
	}
	buf := make([]byte, n*abisa.SizeOfStackInfo)
	dst := buf
	for i := 0; i < n; i++ {
		info := abisa.StackInfo{Base: stackBase + uint64(r.donated+i)*size, Len: size}
		dst = info.MarshalBytes(dst)
	}
	if _, err := r.mem.CopyOut(r.ctx, listAddr, buf); err != nil {
		return 0, err
	}
	accepted, err := r.syscall(l, abisa.SYS_SA_STACKS, uintptr(n), listAddr)
	r.donated += int(accepted)
	return int(accepted), err
}

// drain drains l and, under the generation protocol, hands the batch's
// stacks back the way a handler finishing with them would.
func (r *runner) drain(l *lwp.LWP) (ksa.Upcall, error) {
	p, err := r.process()
	if err != nil {
		return ksa.Upcall{}, err
	}
	u, err := p.Drain(r.ctx, l)
	if err != nil {
		return u, err
	}
	if r.sc.Generation {
		for _, d := range u.Events {
			if _, err := r.mem.AddUint32(d.Stack.Start, 1); err != nil {
				return u, fmt.Errorf("releasing stack %v: %w", d.Stack, err)
			}
		}
	}
	return u, nil
}

// drainAll drains every virtual processor in parallel, one goroutine each,
// until a round delivers nothing.
func (r *runner) drainAll() ([]string, error) {
	p, err := r.process()
	if err != nil {
		return nil, err
	}
	var (
		mu  sync.Mutex
		out []string
	)
	round := func() error {
		var (
			g         errgroup.Group
			delivered bool
		)
		for _, vp := range p.VPs() {
			g.Go(func() error {
				occ := vp.Occupant()
				if occ == nil {
					return nil
				}
				u, err := r.drain(occ)
				if err != nil {
					return backoff.Permanent(fmt.Errorf("vp %d: %w", vp.ID(), err))
				}
				mu.Lock()
				defer mu.Unlock()
				for _, d := range u.Events {
					out = append(out, fmt.Sprintf("vp%d: %v", vp.ID(), d))
					delivered = true
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if delivered {
			return errNotQuiet
		}
		return nil
	}
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxDrainRounds)
	if err := backoff.Retry(round, b); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// statsOutcome flattens stats into "key=value" entries.
func statsOutcome(s ksa.Stats) []string {
	var queued, woken, cached int
	for _, vp := range s.VirtualProc {
		queued += len(vp.Queued)
		woken += len(vp.Woken)
		cached += len(vp.Cached)
	}
	return []string{
		fmt.Sprintf("enabled=%t", s.Enabled),
		fmt.Sprintf("handler=%#x", uint64(s.Handler)),
		fmt.Sprintf("target=%d", s.Target),
		fmt.Sprintf("vps=%d", len(s.VirtualProc)),
		fmt.Sprintf("dormant=%d", s.Dormant),
		fmt.Sprintf("stacks=%d", s.Stacks),
		fmt.Sprintf("free_stacks=%d", s.FreeStacks),
		fmt.Sprintf("live_events=%d", s.LiveEvents),
		fmt.Sprintf("queued=%d", queued),
		fmt.Sprintf("woken=%d", woken),
		fmt.Sprintf("cached=%d", cached),
	}
}
