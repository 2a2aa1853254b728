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

// Package bitmap provides a growable bitmap used as a dense ID allocator.
package bitmap

import (
	"errors"
	"math"
	"math/bits"
)

// MaxBitEntryLimit is the largest bit index a Bitmap will hand out.
const MaxBitEntryLimit uint32 = math.MaxInt32

var (
	errNoZero    = errors.New("bitmap has no unset bits")
	errOutOfBits = errors.New("bitmap is at its size limit")
)

// Bitmap is a set of small non-negative integers. The zero value is an empty
// set. Allocate always returns the lowest clear bit, so released IDs are
// reused before the set grows.
type Bitmap struct {
	// ones is the population count of words.
	ones uint32

	// words holds bit i in words[i/64] at position i%64.
	words []uint64
}

func split(i uint32) (int, uint64) {
	return int(i / 64), uint64(1) << (i % 64)
}

// New returns an empty Bitmap with room for size bits before it must grow.
func New(size uint32) Bitmap {
	return Bitmap{words: make([]uint64, (size+63)/64)}
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.ones == 0
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.ones
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	w, m := split(i)
	return w < len(b.words) && b.words[w]&m != 0
}

// FirstZero returns the lowest unset bit at or above start that lies within
// the bitmap's current size.
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	w, _ := split(start)
	for ; w < len(b.words); w++ {
		word := b.words[w]
		if w == int(start/64) {
			// Mask off the bits below start.
			word |= uint64(1)<<(start%64) - 1
		}
		if word != math.MaxUint64 {
			return uint32(w*64 + bits.TrailingZeros64(^word)), nil
		}
	}
	return MaxBitEntryLimit, errNoZero
}

// Allocate sets and returns the lowest unset bit, growing the bitmap when
// every bit is taken.
func (b *Bitmap) Allocate() (uint32, error) {
	i, err := b.FirstZero(0)
	if err != nil {
		i = uint32(len(b.words) * 64)
		if i >= MaxBitEntryLimit {
			return MaxBitEntryLimit, errOutOfBits
		}
	}
	b.Add(i)
	return i, nil
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	w, m := split(i)
	if w >= len(b.words) {
		b.words = append(b.words, make([]uint64, w-len(b.words)+1)...)
	}
	if b.words[w]&m == 0 {
		b.words[w] |= m
		b.ones++
	}
}

// Remove clears bit i. Bits beyond the bitmap's size are already clear.
func (b *Bitmap) Remove(i uint32) {
	w, m := split(i)
	if w < len(b.words) && b.words[w]&m != 0 {
		b.words[w] &^= m
		b.ones--
	}
}

// ToSlice returns the set bits in ascending order.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.ones)
	for w, word := range b.words {
		for word != 0 {
			tz := bits.TrailingZeros64(word)
			out = append(out, uint32(w*64+tz))
			word &= word - 1
		}
	}
	return out
}
