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

// Map inserts u at its chosen base. Any overlap with an existing unit
// fails with Exists; no collision resolution is attempted.
func (as *AddressSpace) Map(u *MapUnit) error {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	return as.insertLocked(u)
}

// MapAnyAddress inserts u at the first gap large enough for it, ignoring
// the unit's requested base. The search walks the ordered index upward
// from the lowest mapped unit. Fails with NoMemory when no gap fits.
func (as *AddressSpace) MapAnyAddress(u *MapUnit) error {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	if u.pages == 0 {
		return kerr.Invalid
	}
	base, err := as.findGapLocked(u.pages)
	if err != nil {
		return err
	}
	u.base = base
	return as.insertLocked(u)
}

// MapOrRebase inserts u at its chosen base, falling back to the address
// search of MapAnyAddress if the base is taken.
func (as *AddressSpace) MapOrRebase(u *MapUnit) error {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	err := as.insertLocked(u)
	if !kerr.Equals(kerr.Exists, err) {
		return err
	}
	base, err := as.findGapLocked(u.pages)
	if err != nil {
		return err
	}
	u.base = base
	return as.insertLocked(u)
}

// MapReplace inserts u at its chosen base, displacing whatever is there:
// units fully covered are deleted, units overlapped at an edge are
// shrunk, and a unit strictly containing the range is divided around it.
func (as *AddressSpace) MapReplace(u *MapUnit) error {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	if u.pages == 0 || !u.base.IsPageAligned() {
		return kerr.Invalid
	}
	r, ok := u.base.ToRange(mem.PagesToBytes(u.pages))
	if !ok || r.Start < mem.MinUserAddr || r.End > mem.MaxUserAddr {
		return kerr.Invalid
	}
	for {
		c := as.collideLocked(r)
		if c == nil {
			break
		}
		as.resolveCollisionLocked(c, r)
	}
	return as.insertLocked(u)
}

// MapRegion maps an anonymous region at a fixed base, displacing anything
// already there, and returns the unit. Loaders use it to place segments
// at their linked addresses.
func (as *AddressSpace) MapRegion(base mem.Addr, pages uint64, flags memmap.Flags) (*MapUnit, error) {
	u := NewAnonUnit(base, pages, flags)
	if err := as.MapReplace(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Unmap removes u from the address space, releasing its translations,
// frames, and backing reference. Fails with NoEnt if u is not mapped
// here.
func (as *AddressSpace) Unmap(u *MapUnit) error {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	got, ok := as.index.Get(u)
	if !ok || got != u {
		return kerr.NoEnt
	}
	as.deleteLocked(u)
	return nil
}

// UnmapRange removes all mappings in [base, base+pages*PageSize),
// shrinking or dividing units that cross the boundaries. Gaps in the
// range are fine; unmapping nothing is not an error.
func (as *AddressSpace) UnmapRange(base mem.Addr, pages uint64) error {
	if !base.IsPageAligned() || pages == 0 {
		return kerr.Invalid
	}
	r, ok := base.ToRange(mem.PagesToBytes(pages))
	if !ok {
		return kerr.Invalid
	}
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	for {
		c := as.collideLocked(r)
		if c == nil {
			return nil
		}
		as.resolveCollisionLocked(c, r)
	}
}

// resolveCollisionLocked removes the overlap between unit c and the range
// r by one of four cases: delete c when r covers it, divide c when r is
// strictly inside it, or shrink the overlapped edge.
//
// Preconditions: mapLock is locked for writing. c overlaps r.
func (as *AddressSpace) resolveCollisionLocked(c *MapUnit, r mem.AddrRange) {
	cr := c.Range()
	frames := as.platform.Frames()
	switch {
	case r.IsSupersetOf(cr):
		as.deleteLocked(c)
		return
	case cr.Start < r.Start && r.End < cr.End:
		as.divideLocked(c, r)
	case cr.Start < r.Start:
		// The overlap is c's top edge [r.Start, cr.End).
		cut := uint64(cr.End-r.Start) >> mem.PageShift
		as.mappedPages -= c.shrinkTop(as.pt, frames, cut)
	default:
		// The overlap is c's bottom edge [cr.Start, r.End). The base
		// changes, so the index entry is rebuilt around the shrink.
		cut := uint64(r.End-cr.Start) >> mem.PageShift
		as.index.Delete(c)
		as.mappedPages -= c.shrinkBottom(as.pt, frames, cut)
		as.index.ReplaceOrInsert(c)
	}
	if as.heap != nil {
		as.brk.Start = as.heap.base
	}
	if checkInvariants {
		as.validateLocked()
	}
}

// divideLocked splits c around the strictly interior range r: c keeps the
// pages below r, a new unit keeps the pages above it with their resolved
// runs, and the pages of r itself are released.
//
// Preconditions: mapLock is locked for writing. c.base < r.Start and
// r.End < c.top(), both page-aligned.
func (as *AddressSpace) divideLocked(c *MapUnit, r mem.AddrRange) {
	as.splitLocked(c, r.End)
	s := uint64(r.Start-c.base) >> mem.PageShift
	as.mappedPages -= c.shrinkTop(as.pt, as.platform.Frames(), c.pages-s)
}

// findGapLocked returns the base of the first gap of at least pages pages
// above the lowest mapped unit, or MinUserAddr when nothing is mapped.
// Fails with NoMemory when no gap fits below the top of the user range.
//
// Preconditions: mapLock is locked. pages > 0.
func (as *AddressSpace) findGapLocked(pages uint64) (mem.Addr, error) {
	length := mem.PagesToBytes(pages)
	prevTop := mem.MinUserAddr
	var base mem.Addr
	found := false
	first := true
	as.index.Ascend(func(u *MapUnit) bool {
		if first {
			// Gaps below the lowest unit are not considered; the
			// low range is the loader's.
			first = false
			prevTop = u.top()
			return true
		}
		if u.base > prevTop && uint64(u.base-prevTop) >= length {
			base = prevTop
			found = true
			return false
		}
		prevTop = u.top()
		return true
	})
	if !found {
		if prevTop <= mem.MaxUserAddr && uint64(mem.MaxUserAddr-prevTop) >= length {
			base = prevTop
			found = true
		}
	}
	if !found {
		return 0, kerr.NoMemory
	}
	return base, nil
}
