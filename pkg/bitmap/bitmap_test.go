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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAllocateReusesLowest(t *testing.T) {
	b := New(4)
	for want := uint32(0); want < 70; want++ {
		got, err := b.Allocate()
		if err != nil {
			t.Fatalf("Allocate() failed: %v", err)
		}
		if got != want {
			t.Fatalf("Allocate() = %d, want %d", got, want)
		}
	}
	b.Remove(3)
	b.Remove(65)
	if got, _ := b.Allocate(); got != 3 {
		t.Errorf("Allocate() after Remove(3) = %d, want 3", got)
	}
	if got, _ := b.Allocate(); got != 65 {
		t.Errorf("Allocate() after Remove(65) = %d, want 65", got)
	}
	if got, _ := b.Allocate(); got != 70 {
		t.Errorf("Allocate() on full prefix = %d, want 70", got)
	}
	if got, want := b.GetNumOnes(), uint32(71); got != want {
		t.Errorf("GetNumOnes() = %d, want %d", got, want)
	}
}

func TestAddRemoveContains(t *testing.T) {
	var b Bitmap
	if !b.IsEmpty() {
		t.Fatalf("zero Bitmap is not empty")
	}
	for _, i := range []uint32{1, 5, 64, 200} {
		b.Add(i)
	}
	if diff := cmp.Diff([]uint32{1, 5, 64, 200}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
	if !b.Contains(64) || b.Contains(63) || b.Contains(1000) {
		t.Errorf("Contains() returned unexpected results")
	}
	b.Remove(64)
	b.Remove(1000) // Out of range removals are ignored.
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes() = %d, want 3", got)
	}
	if got, err := b.FirstZero(1); err != nil || got != 2 {
		t.Errorf("FirstZero(1) = (%d, %v), want (2, nil)", got, err)
	}
}
