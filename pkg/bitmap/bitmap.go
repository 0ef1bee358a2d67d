// Copyright 2024 The Madrona Authors.
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

// Package bitmap provides a fixed-size bitmap keyed by uint64 indexes.
package bitmap

import (
	"math/bits"
)

// Bitmap implements an efficient bitmap.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint64

	// bitBlock holds the bits, 64 entries per word.
	bitBlock []uint64
}

// New creates a new empty Bitmap capable of holding size bits.
func New(size uint64) Bitmap {
	return Bitmap{bitBlock: make([]uint64, (size+63)/64)}
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return uint64(len(b.bitBlock)) * 64
}

// IsEmpty returns true iff no bits are set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of bits set.
func (b *Bitmap) GetNumOnes() uint64 {
	return b.numOnes
}

// Contains returns true iff bit i is set.
func (b *Bitmap) Contains(i uint64) bool {
	return b.bitBlock[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint64) {
	index, offset := i/64, i%64
	if b.bitBlock[index]&(1<<offset) == 0 {
		b.bitBlock[index] |= 1 << offset
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint64) {
	index, offset := i/64, i%64
	if b.bitBlock[index]&(1<<offset) != 0 {
		b.bitBlock[index] &^= 1 << offset
		b.numOnes--
	}
}

// FirstZero returns the index of the first unset bit at or above start. ok
// is false if every bit from start up is set.
func (b *Bitmap) FirstZero(start uint64) (bit uint64, ok bool) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return 0, false
	}
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := bits.TrailingZeros64(^w)
			return uint64(r) + uint64(i)*64, true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}
