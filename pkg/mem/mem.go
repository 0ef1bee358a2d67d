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

// Package mem defines the address types and page arithmetic shared by the
// Madrona memory subsystem. Madrona targets x86-64 only, so page geometry
// is fixed at build time.
package mem

// Page geometry for x86-64 4K pages.
const (
	// PageShift is the log2 of PageSize.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift
)

// Bounds of the user half of the canonical address space. The first 64 KiB
// stay unmapped so null-pointer arithmetic faults instead of dereferencing
// page zero.
const (
	// MinUserAddr is the lowest virtual address a user mapping may
	// occupy.
	MinUserAddr Addr = 0x0000000000010000

	// MaxUserAddr is the exclusive upper bound on user mappings: the top
	// of the lower canonical half, minus one guard page.
	MaxUserAddr Addr = 0x00007ffffffff000
)

// Addr represents a user virtual address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic("rounding up wraps around")
	}
	return addr
}

// IsPageAligned returns true if v is a multiple of the page size.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageOffset returns the offset of v into its containing page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// AddLength returns v + length. ok is true iff the result did not wrap
// around.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// AddPages returns the address n pages above v. ok is true iff the result
// did not wrap around.
func (v Addr) AddPages(n uint64) (end Addr, ok bool) {
	return v.AddLength(n << PageShift)
}

// ToRange returns [v, v+length). ok is true iff the end did not wrap
// around.
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PhysAddr represents a physical address.
type PhysAddr uint64

// PageNumber returns the physical page frame number containing p.
func (p PhysAddr) PageNumber() uint64 {
	return uint64(p >> PageShift)
}

// IsPageAligned returns true if p is a multiple of the page size.
func (p PhysAddr) IsPageAligned() bool {
	return p&(PageSize-1) == 0
}

// AddPages returns the physical address n pages above p.
func (p PhysAddr) AddPages(n uint64) PhysAddr {
	return p + PhysAddr(n<<PageShift)
}

// PagesToBytes returns the byte length of n pages.
func PagesToBytes(n uint64) uint64 {
	return n << PageShift
}

// BytesToPages returns the number of whole pages needed to hold length
// bytes.
func BytesToPages(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}
