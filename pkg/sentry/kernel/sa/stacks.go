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

	"github.com/google/btree"
	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/hostarch"
	"gvisor.dev/upcalls/pkg/sentry/arch"
	"gvisor.dev/upcalls/pkg/sync"
	"gvisor.dev/upcalls/pkg/usermem"
)

const (
	// stackAlign is the alignment of upcall stack pointers.
	stackAlign = 16

	// MaxUserArg is the largest argument blob a USER upcall may carry.
	MaxUserArg = 256

	// eventFootprint is the most stack space one event's frame set uses:
	// the frames, two saved contexts and an argument blob, each aligned.
	eventFootprint = abisa.FramesPerEvent*abisa.SizeOfFrame + 2*arch.RegistersSize + MaxUserArg + 4*stackAlign

	// MinStackSize is the smallest stack accepted, excluding the space below
	// the generation word.
	MinStackSize = eventFootprint + 4*abisa.PointerSize + stackAlign
)

// Stack is a registered upcall stack.
type Stack struct {
	rng hostarch.AddrRange

	// floor is the lowest address frames may be written at. It lies above
	// the generation word.
	floor hostarch.Addr

	// kgen is the kernel generation. In generation mode the stack is free
	// iff kgen equals the user generation. Protected by StackRegistry.mu.
	kgen uint32

	// inUse tracks freeness when stacks carry no generation word.
	// Protected by StackRegistry.mu.
	inUse bool
}

// Range returns the stack's address range.
func (s *Stack) Range() hostarch.AddrRange {
	return s.rng
}

// Top returns the aligned top of the stack.
func (s *Stack) Top() hostarch.Addr {
	return s.rng.End.RoundDown(stackAlign)
}

// Floor returns the lowest address frames may be written at on s.
func (s *Stack) Floor() hostarch.Addr {
	return s.floor
}

// String implements fmt.Stringer.
func (s *Stack) String() string {
	return fmt.Sprintf("stack %v", s.rng)
}

// stackLess orders stacks by address. Overlapping stacks compare equal, so a
// lookup with any overlapping range finds the registered stack.
func stackLess(a, b *Stack) bool {
	return a.rng.End <= b.rng.Start
}

// StackRegistry tracks the stacks donated by a process.
type StackRegistry struct {
	mem usermem.IO

	mu sync.Mutex

	// tree holds every registered stack. Protected by mu.
	tree *btree.BTreeG[*Stack]

	// next is where the next free-stack search starts. Protected by mu.
	next hostarch.Addr

	// generation is true if stacks carry a user generation word at
	// genOffset from their base. Both are immutable once a stack is
	// registered. Protected by mu.
	generation bool
	genOffset  hostarch.Addr
}

// NewStackRegistry returns an empty registry reading generation words through
// mem.
func NewStackRegistry(mem usermem.IO) *StackRegistry {
	return &StackRegistry{
		mem:  mem,
		tree: btree.NewG(2, stackLess),
	}
}

// Configure selects how freeness is tracked. It fails with
// ErrAlreadyRegistered once stacks exist and the mode would change.
func (r *StackRegistry) Configure(generation bool, genOffset uint64) error {
	if generation && genOffset%abisa.GenerationSize != 0 {
		return fmt.Errorf("generation offset %#x is not aligned: %w", genOffset, ErrBadStack)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tree.Len() != 0 && (r.generation != generation || r.genOffset != hostarch.Addr(genOffset)) {
		return ErrAlreadyRegistered
	}
	r.generation = generation
	r.genOffset = hostarch.Addr(genOffset)
	return nil
}

// UsesGeneration returns true if stacks carry a user generation word.
func (r *StackRegistry) UsesGeneration() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Register adds a stack. limit is the current stack cap.
func (r *StackRegistry) Register(ctx context.Context, info abisa.StackInfo, limit int) error {
	rng, ok := info.Range()
	if !ok || rng.Start%stackAlign != 0 {
		return fmt.Errorf("%#x+%#x: %w", info.Base, info.Len, ErrBadStack)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	floor := rng.Start
	if r.generation {
		floor = rng.Start + r.genOffset + abisa.GenerationSize
	}
	if floor < rng.Start || floor > rng.End || rng.End-floor < MinStackSize {
		return fmt.Errorf("%v: %w", rng, ErrBadStack)
	}

	probe := &Stack{rng: rng}
	if old, ok := r.tree.Get(probe); ok {
		// Without generation words, donating a used stack again is how user
		// space releases it.
		if !r.generation && old.rng == rng && old.inUse {
			old.inUse = false
			return nil
		}
		return ErrStackAlreadyRegistered
	}
	if r.tree.Len() >= limit {
		return ErrTooManyStacks
	}

	s := &Stack{rng: rng, floor: floor}
	if r.generation {
		ugen, err := r.mem.LoadUint32(ctx, rng.Start+r.genOffset)
		if err != nil {
			return fmt.Errorf("reading generation of %v: %w", rng, err)
		}
		s.kgen = ugen
	}
	r.tree.ReplaceOrInsert(s)
	stacksRegisteredMetric.Increment()
	return nil
}

// isFreeLocked reports whether s may be handed out.
//
// Preconditions: r.mu must be locked.
func (r *StackRegistry) isFreeLocked(ctx context.Context, s *Stack) (bool, error) {
	if !r.generation {
		return !s.inUse, nil
	}
	ugen, err := r.mem.LoadUint32(ctx, s.rng.Start+r.genOffset)
	if err != nil {
		return false, fmt.Errorf("reading generation of %v: %v: %w", s.rng, err, ErrStackProtocol)
	}
	return ugen == s.kgen, nil
}

// Preconditions: r.mu must be locked.
func (r *StackRegistry) markUsedLocked(s *Stack) {
	if r.generation {
		s.kgen++
	} else {
		s.inUse = true
	}
}

// AcquireFree returns a free stack and marks it used. The search starts where
// the previous one left off and wraps around. It returns (nil, nil) if no
// stack is free, and an ErrStackProtocol error if a generation word cannot be
// read.
func (r *StackRegistry) AcquireFree(ctx context.Context) (*Stack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		found *Stack
		err   error
	)
	visit := func(s *Stack) bool {
		var free bool
		free, err = r.isFreeLocked(ctx, s)
		if err != nil {
			return false
		}
		if free {
			found = s
			return false
		}
		return true
	}
	pivot := &Stack{rng: hostarch.AddrRange{Start: r.next, End: r.next + 1}}
	r.tree.AscendGreaterOrEqual(pivot, visit)
	if found == nil && err == nil {
		r.tree.AscendLessThan(pivot, visit)
	}
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}
	r.markUsedLocked(found)
	r.next = found.rng.End
	return found, nil
}

// MarkUsed marks s used. A generation-tracked stack then stays used until
// user space bumps its generation once more.
func (r *StackRegistry) MarkUsed(s *Stack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markUsedLocked(s)
}

// MarkFree returns a stack acquired for an event that was never delivered.
func (r *StackRegistry) MarkFree(s *Stack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation {
		s.kgen--
	} else {
		s.inUse = false
	}
}

// Contains returns true if addr lies within a registered stack.
func (r *StackRegistry) Contains(addr hostarch.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Has(&Stack{rng: hostarch.AddrRange{Start: addr, End: addr + 1}})
}

// Len returns the number of registered stacks.
func (r *StackRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// NumFree returns the number of free stacks. Unreadable stacks count as used.
func (r *StackRegistry) NumFree(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	r.tree.Ascend(func(s *Stack) bool {
		if free, err := r.isFreeLocked(ctx, s); err == nil && free {
			n++
		}
		return true
	})
	return n
}

// Generation returns the kernel generation of s.
func (r *StackRegistry) Generation(s *Stack) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.kgen
}

// Release forgets every stack. It is only used at teardown.
func (r *StackRegistry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Clear(false)
	r.next = 0
}
