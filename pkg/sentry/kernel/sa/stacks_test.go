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
	"errors"
	"testing"

	abisa "gvisor.dev/upcalls/pkg/abi/sa"
	"gvisor.dev/upcalls/pkg/hostarch"
	"gvisor.dev/upcalls/pkg/usermem"
)

func newTestRegistry(t *testing.T, generation bool) (*StackRegistry, *usermem.BytesIO) {
	t.Helper()
	mem := &usermem.BytesIO{Bytes: make([]byte, testMemSize)}
	r := NewStackRegistry(mem)
	if err := r.Configure(generation, 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	return r, mem
}

func TestStackRegister(t *testing.T) {
	for _, tc := range []struct {
		name string
		info abisa.StackInfo
		want error
	}{
		{
			name: "ok",
			info: testStack(1),
		},
		{
			name: "duplicate",
			info: testStack(0),
			want: ErrStackAlreadyRegistered,
		},
		{
			name: "overlaps start",
			info: abisa.StackInfo{Base: testStackBase - 0x1000, Len: 2 * 0x1000},
			want: ErrStackAlreadyRegistered,
		},
		{
			name: "contained",
			info: abisa.StackInfo{Base: testStackBase + 0x100, Len: 0x800},
			want: ErrStackAlreadyRegistered,
		},
		{
			name: "too small",
			info: abisa.StackInfo{Base: 0x100000, Len: MinStackSize - 1},
			want: ErrBadStack,
		},
		{
			name: "misaligned",
			info: abisa.StackInfo{Base: 0x100008, Len: testStackSize},
			want: ErrBadStack,
		},
		{
			name: "wraps",
			info: abisa.StackInfo{Base: ^uint64(0) - 0xfff, Len: testStackSize},
			want: ErrBadStack,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestRegistry(t, true)
			if err := r.Register(context.Background(), testStack(0), 16); err != nil {
				t.Fatalf("Register(%+v) failed: %v", testStack(0), err)
			}
			if err := r.Register(context.Background(), tc.info, 16); !errors.Is(err, tc.want) {
				t.Errorf("Register(%+v) = %v, want %v", tc.info, err, tc.want)
			}
		})
	}
}

func TestStackLimit(t *testing.T) {
	r, _ := newTestRegistry(t, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := r.Register(ctx, testStack(i), 3); err != nil {
			t.Fatalf("Register(%d) failed: %v", i, err)
		}
	}
	if err := r.Register(ctx, testStack(3), 3); err != ErrTooManyStacks {
		t.Errorf("Register beyond the limit = %v, want %v", err, ErrTooManyStacks)
	}
	if err := r.Register(ctx, testStack(3), 4); err != nil {
		t.Errorf("Register with a raised limit failed: %v", err)
	}
}

func TestStackRegisterReadsGeneration(t *testing.T) {
	r, mem := newTestRegistry(t, true)
	ctx := context.Background()
	if err := mem.StoreUint32(testStackBase, 7); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, testStack(0), 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s, err := r.AcquireFree(ctx)
	if err != nil || s == nil {
		t.Fatalf("AcquireFree = %v, %v, want the stack", s, err)
	}
	if got := r.Generation(s); got != 8 {
		t.Errorf("kernel generation after use = %d, want 8", got)
	}
}

// TestStackReuseSafety checks that a used stack is not handed out again until
// user space bumps its generation, and that a bump only frees it once.
func TestStackReuseSafety(t *testing.T) {
	r, mem := newTestRegistry(t, true)
	ctx := context.Background()
	const n = 4
	for i := 0; i < n; i++ {
		if err := r.Register(ctx, testStack(i), n); err != nil {
			t.Fatalf("Register(%d) failed: %v", i, err)
		}
	}

	for round := 0; round < 3; round++ {
		used := make(map[hostarch.AddrRange]bool)
		for i := 0; i < n; i++ {
			s, err := r.AcquireFree(ctx)
			if err != nil || s == nil {
				t.Fatalf("round %d: AcquireFree %d = %v, %v", round, i, s, err)
			}
			if used[s.Range()] {
				t.Fatalf("round %d: %v handed out twice", round, s)
			}
			used[s.Range()] = true
		}
		if s, err := r.AcquireFree(ctx); s != nil || err != nil {
			t.Fatalf("round %d: AcquireFree with every stack used = %v, %v, want nil, nil", round, s, err)
		}
		if got := r.NumFree(ctx); got != 0 {
			t.Errorf("round %d: %d stacks free, want 0", round, got)
		}

		// Free only the first stack; the others must stay used.
		if _, err := mem.AddUint32(testStackBase, 1); err != nil {
			t.Fatal(err)
		}
		s, err := r.AcquireFree(ctx)
		if err != nil || s == nil || s.Range().Start != testStackBase {
			t.Fatalf("round %d: AcquireFree after freeing stack 0 = %v, %v", round, s, err)
		}
		if s, _ := r.AcquireFree(ctx); s != nil {
			t.Fatalf("round %d: %v returned without a generation bump", round, s)
		}

		// Free them all for the next round.
		for i := 0; i < n; i++ {
			if _, err := mem.AddUint32(hostarch.Addr(testStack(i).Base), 1); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestStackMarkFreeUndoesUse(t *testing.T) {
	for _, generation := range []bool{true, false} {
		r, _ := newTestRegistry(t, generation)
		ctx := context.Background()
		if err := r.Register(ctx, testStack(0), 1); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		s, _ := r.AcquireFree(ctx)
		if s == nil {
			t.Fatalf("generation=%t: no stack", generation)
		}
		r.MarkFree(s)
		if again, _ := r.AcquireFree(ctx); again != s {
			t.Errorf("generation=%t: AcquireFree after MarkFree = %v, want %v", generation, again, s)
		}
	}
}

func TestStackRoundRobin(t *testing.T) {
	r, mem := newTestRegistry(t, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := r.Register(ctx, testStack(i), 3); err != nil {
			t.Fatalf("Register(%d) failed: %v", i, err)
		}
	}
	var got []uint64
	for i := 0; i < 6; i++ {
		s, err := r.AcquireFree(ctx)
		if err != nil || s == nil {
			t.Fatalf("AcquireFree %d = %v, %v", i, s, err)
		}
		got = append(got, uint64(s.Range().Start))
		if _, err := mem.AddUint32(s.Range().Start, 1); err != nil {
			t.Fatal(err)
		}
	}
	for i, start := range got {
		if want := testStack(i % 3).Base; start != want {
			t.Errorf("acquisition %d returned stack at %#x, want %#x", i, start, want)
		}
	}
}

func TestStackWithoutGeneration(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	ctx := context.Background()
	if err := r.Register(ctx, testStack(0), 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s, _ := r.AcquireFree(ctx)
	if s == nil {
		t.Fatalf("no stack")
	}
	if again, _ := r.AcquireFree(ctx); again != nil {
		t.Fatalf("used stack returned again")
	}
	// Donating the exact range again releases it.
	if err := r.Register(ctx, testStack(0), 1); err != nil {
		t.Fatalf("re-donating a used stack failed: %v", err)
	}
	if again, _ := r.AcquireFree(ctx); again != s {
		t.Errorf("AcquireFree after re-donation = %v, want %v", again, s)
	}
	// A free stack cannot be donated twice.
	r.MarkFree(s)
	if err := r.Register(ctx, testStack(0), 2); err != ErrStackAlreadyRegistered {
		t.Errorf("donating a free stack again = %v, want %v", err, ErrStackAlreadyRegistered)
	}
}

func TestStackUnreadableGeneration(t *testing.T) {
	r, mem := newTestRegistry(t, true)
	ctx := context.Background()
	if err := r.Register(ctx, testStack(0), 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	mem.Bytes = mem.Bytes[:testStackBase]
	if _, err := r.AcquireFree(ctx); !errors.Is(err, ErrStackProtocol) || !Fatal(err) {
		t.Errorf("AcquireFree with an unreadable generation = %v, want %v", err, ErrStackProtocol)
	}
	if got := r.NumFree(ctx); got != 0 {
		t.Errorf("NumFree = %d, want unreadable stacks counted as used", got)
	}
}

func TestStackContains(t *testing.T) {
	r, _ := newTestRegistry(t, true)
	if err := r.Register(context.Background(), testStack(2), 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	info := testStack(2)
	rng, _ := info.Range()
	for _, tc := range []struct {
		addr hostarch.Addr
		want bool
	}{
		{rng.Start, true},
		{rng.End - 1, true},
		{rng.End, false},
		{rng.Start - 1, false},
	} {
		if got := r.Contains(tc.addr); got != tc.want {
			t.Errorf("Contains(%v) = %t, want %t", tc.addr, got, tc.want)
		}
	}
}

func TestConfigureModeLocked(t *testing.T) {
	r, _ := newTestRegistry(t, true)
	if err := r.Configure(true, 2); !errors.Is(err, ErrBadStack) {
		t.Errorf("Configure with a misaligned offset = %v, want %v", err, ErrBadStack)
	}
	if err := r.Register(context.Background(), testStack(0), 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Configure(true, 0); err != nil {
		t.Errorf("Configure with the same mode failed: %v", err)
	}
	if err := r.Configure(false, 0); err != ErrAlreadyRegistered {
		t.Errorf("Configure changing the mode = %v, want %v", err, ErrAlreadyRegistered)
	}
}
