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

// Package mm implements per-process virtual memory: the address-space
// container, the mapping units it is made of, and the physical page runs
// resolved into them.
//
// The loader, the syscall layer, and the trap layer are the only
// consumers. The loader places segments and the initial heap; the syscall
// layer drives the mmap/munmap/mprotect/brk equivalents; the trap layer
// feeds hardware page faults into AddressSpace.PageFault.
//
// Lock model: AddressSpace.mapLock is the only lock in this package. It
// is read-locked for lookups and write-locked for every structural
// mutation. File-backed fault resolution calls into the backing
// memmap.File with mapLock held for writing, so one faulting thread per
// process resolves file faults at a time.
package mm

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/madrona-os/madrona/pkg/errors/kerr"
	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/log"
	"github.com/madrona-os/madrona/pkg/mem"
	"github.com/madrona-os/madrona/pkg/refs"
)

// checkInvariants enables consistency checks after mutating operations.
// It stays on in development builds; the checks walk every unit and are
// too slow for release kernels.
const checkInvariants = true

// indexDegree is the branching factor of the interval index. Process
// mapping counts are small, so a shallow tree suffices.
const indexDegree = 8

// asState tracks the lifecycle of an AddressSpace. States only advance.
type asState uint8

const (
	// asCreated means the space exists and holds no units yet.
	asCreated asState = iota

	// asPopulated means at least one unit has been inserted.
	asPopulated

	// asDeinitializing means teardown is draining units.
	asDeinitializing

	// asFreed means the page table is gone. Any further use is a bug.
	asFreed
)

func unitLess(a, b *MapUnit) bool {
	return a.base < b.base
}

// AddressSpace is the virtual memory of one process: an interval index of
// MapUnits over the user address range, the page table translating them,
// and the heap bookkeeping for the brk syscall family.
//
// An AddressSpace is shared by the tasks of a process via IncUsers and
// DecUsers; the last DecUsers tears it down.
type AddressSpace struct {
	// users counts the tasks sharing this address space.
	users refs.Refs

	platform memmap.Platform
	pt       memmap.PageTable

	// mapLock guards all fields below.
	mapLock sync.RWMutex

	// index orders the units by base address. It never contains
	// overlapping units, and always holds exactly the units of the
	// units slice.
	index *btree.BTreeG[*MapUnit]

	// units lists the same units in insertion order, for enumeration.
	units []*MapUnit

	// heap is the unit backing the brk range, nil before HeapInit. A
	// zero-capacity heap is an anchor: it lives only here, entering the
	// index once it gains pages.
	heap *MapUnit

	// brk spans from the heap base to the current break. The break is
	// byte-exact; the heap unit's capacity is the break rounded up to
	// whole pages.
	brk mem.AddrRange

	state asState

	// mappedPages counts resident pages across all units.
	mappedPages uint64

	// maxMappedPages is the high-water mark of mappedPages.
	maxMappedPages uint64
}

// NewAddressSpace returns an empty address space with a fresh page table.
// When stackPages > 0, an anonymous grow-down stack of that many pages is
// mapped against the top of the user range.
func NewAddressSpace(platform memmap.Platform, stackPages uint64) (*AddressSpace, error) {
	pt, err := platform.NewPageTable()
	if err != nil {
		return nil, kerr.NoMemory
	}
	as := &AddressSpace{
		platform: platform,
		pt:       pt,
		index:    btree.NewG(indexDegree, unitLess),
	}
	as.users.InitRefs()
	if stackPages > 0 {
		base := mem.MaxUserAddr - mem.Addr(mem.PagesToBytes(stackPages))
		stack := NewAnonUnit(base, stackPages, memmap.Write|memmap.User|memmap.GrowDown)
		as.mapLock.Lock()
		err := as.insertLocked(stack)
		as.mapLock.Unlock()
		if err != nil {
			pt.Free()
			return nil, err
		}
	}
	return as, nil
}

// IncUsers adds a task reference to the address space.
func (as *AddressSpace) IncUsers() {
	as.users.IncRef()
}

// DecUsers drops a task reference. The last reference tears the address
// space down: every unit is drained and the page table is freed.
func (as *AddressSpace) DecUsers() {
	as.users.DecRef(as.destroy)
}

func (as *AddressSpace) destroy() {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.state = asDeinitializing
	frames := as.platform.Frames()
	for _, u := range as.units {
		u.unmapRegion(as.pt, frames, 0, u.pages)
		u.dropBacking()
	}
	as.units = nil
	as.index = nil
	as.heap = nil
	as.brk = mem.AddrRange{}
	as.mappedPages = 0
	as.pt.Free()
	as.state = asFreed
	log.Debugf("mm: address space torn down")
}

// checkLiveLocked panics if the address space has been torn down.
//
// Preconditions: mapLock is locked.
func (as *AddressSpace) checkLiveLocked() {
	if as.state >= asDeinitializing {
		panic("mm: use of torn-down AddressSpace")
	}
}

// findLocked returns the unit containing va, or nil.
//
// Preconditions: mapLock is locked.
func (as *AddressSpace) findLocked(va mem.Addr) *MapUnit {
	var found *MapUnit
	as.index.DescendLessOrEqual(&MapUnit{base: va}, func(u *MapUnit) bool {
		if va < u.top() {
			found = u
		}
		return false
	})
	return found
}

// nextAboveLocked returns the lowest unit with base above va, or nil.
//
// Preconditions: mapLock is locked.
func (as *AddressSpace) nextAboveLocked(va mem.Addr) *MapUnit {
	var next *MapUnit
	as.index.AscendGreaterOrEqual(&MapUnit{base: va + 1}, func(u *MapUnit) bool {
		next = u
		return false
	})
	return next
}

// collideLocked returns the lowest-based unit overlapping r, or nil.
//
// Preconditions: mapLock is locked. r.WellFormed().
func (as *AddressSpace) collideLocked(r mem.AddrRange) *MapUnit {
	if u := as.findLocked(r.Start); u != nil {
		return u
	}
	var c *MapUnit
	as.index.AscendGreaterOrEqual(&MapUnit{base: r.Start}, func(u *MapUnit) bool {
		if u.base < r.End {
			c = u
		}
		return false
	})
	return c
}

// insertLocked validates u's range and inserts it into the index and the
// enumeration list. Shared anonymous units are given their backing object
// here, so that forks of the unit attach to the same pages.
//
// Preconditions: mapLock is locked for writing.
func (as *AddressSpace) insertLocked(u *MapUnit) error {
	if u.pages == 0 || !u.base.IsPageAligned() {
		return kerr.Invalid
	}
	r, ok := u.base.ToRange(mem.PagesToBytes(u.pages))
	if !ok || r.Start < mem.MinUserAddr || r.End > mem.MaxUserAddr {
		return kerr.Invalid
	}
	if as.collideLocked(r) != nil {
		return kerr.Exists
	}
	if u.file == nil && u.flags&memmap.Shared != 0 {
		u.file = newSharedAnon(as.platform.Frames())
		u.ops = sharedOps{}
	}
	as.index.ReplaceOrInsert(u)
	as.units = append(as.units, u)
	if as.state == asCreated {
		as.state = asPopulated
	}
	if checkInvariants {
		as.validateLocked()
	}
	return nil
}

// removeLocked takes u out of the index and the enumeration list. The
// unit's runs and backing are untouched.
//
// Preconditions: mapLock is locked for writing. u is in the index.
func (as *AddressSpace) removeLocked(u *MapUnit) {
	if _, ok := as.index.Delete(u); !ok {
		panic(fmt.Sprintf("mm: removing unknown unit %s", u.Range()))
	}
	for i, o := range as.units {
		if o == u {
			as.units = append(as.units[:i], as.units[i+1:]...)
			break
		}
	}
}

// deleteLocked removes u entirely: index, list, translations, frames,
// and backing reference. Heap bookkeeping is cleared if u is the heap.
//
// Preconditions: mapLock is locked for writing. u is in the index.
func (as *AddressSpace) deleteLocked(u *MapUnit) {
	as.removeLocked(u)
	as.mappedPages -= u.unmapRegion(as.pt, as.platform.Frames(), 0, u.pages)
	u.dropBacking()
	if u == as.heap {
		as.heap = nil
		as.brk = mem.AddrRange{}
	}
	if checkInvariants {
		as.validateLocked()
	}
}

// UsedRegion returns the span from the lowest mapped address to the
// highest, taking the heap's break into account. ok is false when
// nothing is mapped and no heap is installed.
func (as *AddressSpace) UsedRegion() (mem.AddrRange, bool) {
	as.mapLock.RLock()
	defer as.mapLock.RUnlock()
	var r mem.AddrRange
	var any bool
	if as.index.Len() > 0 {
		lo, _ := as.index.Min()
		hi, _ := as.index.Max()
		r = mem.AddrRange{Start: lo.base, End: hi.top()}
		any = true
	}
	if as.heap != nil {
		heapTop := as.brk.End.MustRoundUp()
		if !any {
			r = mem.AddrRange{Start: as.heap.base, End: heapTop}
			any = true
		} else {
			if as.heap.base < r.Start {
				r.Start = as.heap.base
			}
			if heapTop > r.End {
				r.End = heapTop
			}
		}
	}
	return r, any
}

// ResidentSize returns the number of resident bytes.
func (as *AddressSpace) ResidentSize() uint64 {
	as.mapLock.RLock()
	defer as.mapLock.RUnlock()
	return mem.PagesToBytes(as.mappedPages)
}

// MaxResidentSize returns the high-water mark of ResidentSize.
func (as *AddressSpace) MaxResidentSize() uint64 {
	as.mapLock.RLock()
	defer as.mapLock.RUnlock()
	return mem.PagesToBytes(as.maxMappedPages)
}

// Translate returns the physical address backing va, if the page is
// resident.
func (as *AddressSpace) Translate(va mem.Addr) (mem.PhysAddr, bool) {
	as.mapLock.RLock()
	defer as.mapLock.RUnlock()
	u := as.findLocked(va)
	if u == nil {
		return 0, false
	}
	idx := uint64(va.RoundDown()-u.base) >> mem.PageShift
	r, off := u.findRun(idx)
	if r == nil {
		return 0, false
	}
	return r.pa.AddPages(off) + mem.PhysAddr(va.PageOffset()), true
}

// addResidentLocked feeds the RSS counters.
//
// Preconditions: mapLock is locked for writing.
func (as *AddressSpace) addResidentLocked(pages uint64) {
	as.mappedPages += pages
	if as.mappedPages > as.maxMappedPages {
		as.maxMappedPages = as.mappedPages
	}
}

// validateLocked panics unless the address space's structural invariants
// hold: well-formed non-overlapping unit ranges, index and list agreeing,
// valid rank alignment on every run, non-overlapping runs inside their
// capacity, rank-0 runs only in grow-down units, and an RSS counter
// matching the attached runs.
//
// Preconditions: mapLock is locked.
func (as *AddressSpace) validateLocked() {
	if as.index.Len() != len(as.units) {
		panic(fmt.Sprintf("mm: index holds %d units, list holds %d", as.index.Len(), len(as.units)))
	}
	inList := make(map[*MapUnit]bool, len(as.units))
	for _, u := range as.units {
		inList[u] = true
	}
	var prev *MapUnit
	var resident uint64
	as.index.Ascend(func(u *MapUnit) bool {
		if !inList[u] {
			panic(fmt.Sprintf("mm: unit %s in index but not in list", u.Range()))
		}
		if u.pages == 0 || !u.base.IsPageAligned() {
			panic(fmt.Sprintf("mm: malformed unit %s", u.Range()))
		}
		if prev != nil && prev.top() > u.base {
			panic(fmt.Sprintf("mm: units %s and %s overlap", prev.Range(), u.Range()))
		}
		resident += validateRuns(u)
		prev = u
		return true
	})
	if as.heap != nil && as.heap.pages == 0 {
		if got, ok := as.index.Get(as.heap); ok && got == as.heap {
			panic("mm: zero-capacity heap anchor is indexed")
		}
	}
	if resident != as.mappedPages {
		panic(fmt.Sprintf("mm: RSS counter %d, runs hold %d pages", as.mappedPages, resident))
	}
}

func validateRuns(u *MapUnit) uint64 {
	var resident uint64
	for i, r := range u.runs {
		if r.pa.PageNumber()%(1<<r.rank) != 0 || r.idx%(1<<r.rank) != 0 {
			panic(fmt.Sprintf("mm: misaligned %s in unit %s", r, u.Range()))
		}
		if r.end() > u.pages {
			panic(fmt.Sprintf("mm: %s outside unit %s capacity", r, u.Range()))
		}
		if u.flags&memmap.GrowDown != 0 && r.rank != 0 {
			panic(fmt.Sprintf("mm: wide %s in grow-down unit %s", r, u.Range()))
		}
		for _, o := range u.runs[:i] {
			if r.idx < o.end() && o.idx < r.end() {
				panic(fmt.Sprintf("mm: runs %s and %s overlap in unit %s", o, r, u.Range()))
			}
		}
		resident += r.pages()
	}
	return resident
}
