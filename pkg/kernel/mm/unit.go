// Copyright 2025 The Madrona Authors.
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

package mm

import (
	"github.com/madrona-os/madrona/pkg/errors/kerr"
	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/mem"
)

// MapUnit is one contiguous virtual-address reservation within an address
// space, with uniform backing and protection. Units are created by the
// loader and the mmap path, split by protection changes and fixed
// placement, and destroyed when fully unmapped or replaced.
//
// All fields are guarded by the owning AddressSpace's mapLock.
type MapUnit struct {
	// base is the lowest virtual address of the unit.
	base mem.Addr

	// pages is the unit's capacity in pages.
	pages uint64

	// flags is the unit's protection and behavior.
	flags memmap.Flags

	// file is the backing object, or nil for private anonymous memory.
	// The unit holds a counted reference.
	file memmap.File

	// fileOff is the page offset into file of the unit's first page.
	fileOff uint64

	// runs holds the resolved physical extents. A page inside the
	// capacity with no run has not faulted in yet.
	runs []*PageRun

	// ops resolves faults and releases frames for the unit's backing.
	ops unitOps
}

// NewAnonUnit returns a private anonymous unit of pages pages at base.
// Pages read as zeroes on first touch. Pass the unit to one of the
// AddressSpace insertion operations to make it live.
func NewAnonUnit(base mem.Addr, pages uint64, flags memmap.Flags) *MapUnit {
	return &MapUnit{
		base:  base,
		pages: pages,
		flags: flags,
		ops:   anonOps{},
	}
}

// NewFileUnit returns a unit of pages pages at base backed by file
// starting at page offset fileOff. The unit takes its own reference on
// file.
func NewFileUnit(base mem.Addr, pages uint64, flags memmap.Flags, file memmap.File, fileOff uint64) *MapUnit {
	file.IncRef()
	u := &MapUnit{
		base:    base,
		pages:   pages,
		flags:   flags,
		file:    file,
		fileOff: fileOff,
	}
	if flags&memmap.Shared != 0 {
		u.ops = sharedOps{}
	} else {
		u.ops = privateFileOps{}
	}
	return u
}

// Base returns the unit's lowest virtual address.
func (u *MapUnit) Base() mem.Addr {
	return u.base
}

// Pages returns the unit's capacity in pages.
func (u *MapUnit) Pages() uint64 {
	return u.pages
}

// Flags returns the unit's protection and behavior flags.
func (u *MapUnit) Flags() memmap.Flags {
	return u.flags
}

// Range returns the unit's virtual address range.
func (u *MapUnit) Range() mem.AddrRange {
	return mem.AddrRange{Start: u.base, End: u.top()}
}

func (u *MapUnit) top() mem.Addr {
	return u.base + mem.Addr(mem.PagesToBytes(u.pages))
}

// fork returns a shallow duplicate of u: same placement, flags, and
// backing reference, empty run list. Duplicating physical pages, where
// required, is the caller's job.
func (u *MapUnit) fork() *MapUnit {
	nu := &MapUnit{
		base:    u.base,
		pages:   u.pages,
		flags:   u.flags,
		file:    u.file,
		fileOff: u.fileOff,
		ops:     u.ops,
	}
	if nu.file != nil {
		nu.file.IncRef()
	}
	return nu
}

// dropBacking releases the unit's file reference, if any.
func (u *MapUnit) dropBacking() {
	if u.file != nil {
		u.file.DecRef()
		u.file = nil
	}
}

// pageFault resolves a fault at va within the unit. Permission checks
// come first: a None unit or an access class the flags do not grant is a
// SegFault. If the page already has a run the existing translation is
// reinstalled and no frame is allocated. Otherwise the backing's fill
// hook supplies the page, a single-page run is attached and coalesced,
// and the translation is installed. Returns the number of pages newly
// made resident (0 or 1).
//
// Preconditions: the address space's mapLock is locked for writing.
// u.Range().Contains(va).
func (u *MapUnit) pageFault(pt memmap.PageTable, frames memmap.FrameAllocator, va mem.Addr, cause memmap.FaultCause) (uint64, error) {
	if !u.flags.Allows(cause) {
		return 0, kerr.SegFault
	}
	page := va.RoundDown()
	idx := uint64(page-u.base) >> mem.PageShift
	if r, off := u.findRun(idx); r != nil {
		// Already resolved; a racing fault on another CPU got here
		// first. Reinstall the translation and report success.
		if err := pt.Map(page, r.pa.AddPages(off), u.flags); err != nil {
			return 0, err
		}
		return 0, nil
	}
	pa, err := u.ops.fill(u, frames, idx)
	if err != nil {
		return 0, err
	}
	if err := pt.Map(page, pa, u.flags); err != nil {
		u.ops.release(u, frames, &PageRun{pa: pa, idx: idx, rank: 0})
		return 0, err
	}
	u.attachRun(pa, idx)
	return 1, nil
}

// unitOps is a mapping unit's backing-specific behavior: how a faulting
// page gets its content and where detached frames go.
type unitOps interface {
	// fill produces the physical page backing unit page idx.
	fill(u *MapUnit, frames memmap.FrameAllocator, idx uint64) (mem.PhysAddr, error)

	// release disposes of a run detached from the unit.
	release(u *MapUnit, frames memmap.FrameAllocator, r *PageRun)
}

// anonOps backs private anonymous units. Pages are owned frames, zeroed
// on fill and freed on release.
type anonOps struct{}

func (anonOps) fill(u *MapUnit, frames memmap.FrameAllocator, idx uint64) (mem.PhysAddr, error) {
	pa, ok := frames.Allocate(0)
	if !ok {
		return 0, kerr.NoMemory
	}
	clear(frames.Slice(pa, 0))
	return pa, nil
}

func (anonOps) release(u *MapUnit, frames memmap.FrameAllocator, r *PageRun) {
	frames.Free(r.pa, r.rank)
}

// privateFileOps backs private file units. Page content is copied out of
// the file into owned frames, so later stores stay invisible to the file
// and to other mappings.
type privateFileOps struct{}

func (privateFileOps) fill(u *MapUnit, frames memmap.FrameAllocator, idx uint64) (mem.PhysAddr, error) {
	pa, ok := frames.Allocate(0)
	if !ok {
		return 0, kerr.NoMemory
	}
	if err := u.file.ReadPage(frames.Slice(pa, 0), u.fileOff+idx); err != nil {
		frames.Free(pa, 0)
		return 0, err
	}
	return pa, nil
}

func (privateFileOps) release(u *MapUnit, frames memmap.FrameAllocator, r *PageRun) {
	frames.Free(r.pa, r.rank)
}

// sharedOps backs shared units. Pages belong to the backing object and
// are attached in place; detaching reports back instead of freeing.
type sharedOps struct{}

func (sharedOps) fill(u *MapUnit, frames memmap.FrameAllocator, idx uint64) (mem.PhysAddr, error) {
	return u.file.FaultPage(u.fileOff + idx)
}

func (sharedOps) release(u *MapUnit, frames memmap.FrameAllocator, r *PageRun) {
	u.file.ReleasePages(u.fileOff+r.idx, r.pages())
}
