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
	"fmt"
	"math/bits"

	"github.com/madrona-os/madrona/pkg/errors/kerr"
	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/mem"
)

// maxRunRank is the largest rank attachRun coalesces to. It matches the
// largest run the frame arena hands out, so every run in a unit can be
// duplicated by a single same-rank allocation at fork.
const maxRunRank uint8 = 10

// PageRun records a rank-aligned contiguous physical extent resolved into
// a mapping unit: 1<<rank pages at physical address pa, backing the unit's
// pages [idx, idx+1<<rank).
//
// Both the physical page number and idx are multiples of 1<<rank. Runs in
// a unit's list are kept in the order they were created, not sorted by
// address, and never overlap.
type PageRun struct {
	pa   mem.PhysAddr
	idx  uint64
	rank uint8
}

// pages returns the run length in pages.
func (r *PageRun) pages() uint64 {
	return 1 << r.rank
}

// end returns the unit page index just above the run.
func (r *PageRun) end() uint64 {
	return r.idx + r.pages()
}

// String implements fmt.Stringer.String.
func (r *PageRun) String() string {
	return fmt.Sprintf("run{%#x idx %d rank %d}", uint64(r.pa), r.idx, r.rank)
}

// carveRuns appends to out the minimal set of valid runs covering n pages
// of physical memory starting at pa, placed at unit page index idx: each
// step emits the largest power-of-two run that the remaining length, the
// physical page number, and the index are all aligned to.
//
// Preconditions: pa is page-aligned.
func carveRuns(out []*PageRun, pa mem.PhysAddr, idx, n uint64) []*PageRun {
	pn := pa.PageNumber()
	for n > 0 {
		r := uint8(bits.Len64(n) - 1)
		if a := uint8(bits.TrailingZeros64(pn)); pn != 0 && a < r {
			r = a
		}
		if a := uint8(bits.TrailingZeros64(idx)); idx != 0 && a < r {
			r = a
		}
		out = append(out, &PageRun{pa: mem.PhysAddr(pn << mem.PageShift), idx: idx, rank: r})
		pn += 1 << r
		idx += 1 << r
		n -= 1 << r
	}
	return out
}

// findRun returns the run covering unit page index idx and the offset of
// idx within it, or nil if the page has not been resolved.
func (u *MapUnit) findRun(idx uint64) (*PageRun, uint64) {
	for _, r := range u.runs {
		if idx >= r.idx && idx < r.end() {
			return r, idx - r.idx
		}
	}
	return nil, 0
}

// attachRun records a freshly resolved page at index idx backed by pa,
// then widens it by absorbing buddy runs while the merged extent stays
// physically contiguous and rank-aligned.
func (u *MapUnit) attachRun(pa mem.PhysAddr, idx uint64) {
	r := &PageRun{pa: pa, idx: idx, rank: 0}
	if u.flags&memmap.GrowDown != 0 {
		// Down-growth renumbers every page index by one; only rank-0
		// runs stay aligned under that, so stacks skip coalescing.
		u.runs = append(u.runs, r)
		return
	}
	for r.rank < maxRunRank {
		j := -1
		buddyIdx := r.idx ^ (1 << r.rank)
		for i, o := range u.runs {
			if o.idx == buddyIdx && o.rank == r.rank {
				j = i
				break
			}
		}
		if j < 0 {
			break
		}
		lo, hi := r, u.runs[j]
		if hi.idx < lo.idx {
			lo, hi = hi, lo
		}
		if lo.pa.AddPages(lo.pages()) != hi.pa || lo.pa.PageNumber()%(1<<(r.rank+1)) != 0 {
			break
		}
		u.runs = append(u.runs[:j], u.runs[j+1:]...)
		r = &PageRun{pa: lo.pa, idx: lo.idx, rank: r.rank + 1}
	}
	u.runs = append(u.runs, r)
}

// detachRuns carves the page-index range [lo, hi) out of u's run list and
// returns the detached pieces. Boundary-crossing runs are split with
// carveRuns so that both the kept and the detached pieces remain valid
// runs.
//
// When rebaseDetached is set the detached pieces are carved at idx-lo,
// ready for insertion into a unit whose page 0 is u's page lo. When
// shiftSurvivors is set every kept piece above the cut is re-carved hi
// pages lower, for removal of the cut from the bottom of the unit.
//
// Preconditions: lo < hi. shiftSurvivors requires lo == 0. rebaseDetached
// and shiftSurvivors are mutually exclusive.
func (u *MapUnit) detachRuns(lo, hi uint64, rebaseDetached, shiftSurvivors bool) []*PageRun {
	if checkInvariants {
		if lo >= hi {
			panic(fmt.Sprintf("detachRuns: empty cut [%d, %d)", lo, hi))
		}
		if shiftSurvivors && (lo != 0 || rebaseDetached) {
			panic("detachRuns: survivor shift requires a bottom cut")
		}
	}
	var kept, detached []*PageRun
	for _, r := range u.runs {
		s, e := max(r.idx, lo), min(r.end(), hi)
		if s >= e {
			// No intersection. A bottom cut still renumbers runs
			// above it.
			if shiftSurvivors && r.idx >= hi {
				kept = carveRuns(kept, r.pa, r.idx-hi, r.pages())
			} else {
				kept = append(kept, r)
			}
			continue
		}
		if r.idx < s {
			kept = carveRuns(kept, r.pa, r.idx, s-r.idx)
		}
		detachedIdx := s
		if rebaseDetached {
			detachedIdx = s - lo
		}
		detached = carveRuns(detached, r.pa.AddPages(s-r.idx), detachedIdx, e-s)
		if e < r.end() {
			survivorIdx := e
			if shiftSurvivors {
				survivorIdx = e - hi
			}
			kept = carveRuns(kept, r.pa.AddPages(e-r.idx), survivorIdx, r.end()-e)
		}
	}
	u.runs = kept
	return detached
}

// releaseDetached unmaps every page of the detached runs from pt and hands
// their frames back through the unit's release hook. The runs' indices
// must still be in u's current index space (called before any base
// adjustment). Returns the number of pages released.
func (u *MapUnit) releaseDetached(pt memmap.PageTable, frames memmap.FrameAllocator, detached []*PageRun) uint64 {
	var released uint64
	for _, r := range detached {
		for i := uint64(0); i < r.pages(); i++ {
			pt.Unmap(u.base + mem.Addr(mem.PagesToBytes(r.idx+i)))
		}
		u.ops.release(u, frames, r)
		released += r.pages()
	}
	return released
}

// unmapRegion detaches every run piece intersecting the unit pages
// [pageOff, pageOff+pages), removes their translations from pt, and
// releases their frames. It is the primitive under shrink, divide, and
// unit teardown. Returns the number of pages released.
//
// Preconditions: the address space's mapLock is locked for writing.
// pageOff+pages <= u.pages.
func (u *MapUnit) unmapRegion(pt memmap.PageTable, frames memmap.FrameAllocator, pageOff, pages uint64) uint64 {
	if pages == 0 || len(u.runs) == 0 {
		return 0
	}
	detached := u.detachRuns(pageOff, pageOff+pages, false, false)
	return u.releaseDetached(pt, frames, detached)
}

// reinsertRegion moves the run pieces covering the unit pages
// [pageOff, pageOff+pages) into target, rebasing their indices so that
// u's page pageOff becomes target's page 0. The pages keep their frames
// and their page-table entries; only bookkeeping moves. Used when a unit
// is divided so the displaced portion keeps its resolved pages.
//
// Preconditions: the address space's mapLock is locked for writing.
// target.base == u.base + pageOff*PageSize. pageOff+pages <= u.pages.
func (u *MapUnit) reinsertRegion(target *MapUnit, pageOff, pages uint64) {
	if pages == 0 || len(u.runs) == 0 {
		return
	}
	detached := u.detachRuns(pageOff, pageOff+pages, true, false)
	target.runs = append(target.runs, detached...)
}

// shrinkTop releases the top pages of the unit and reduces its capacity.
// Returns the number of resident pages released.
//
// Preconditions: the address space's mapLock is locked for writing.
// 0 < pages < u.pages.
func (u *MapUnit) shrinkTop(pt memmap.PageTable, frames memmap.FrameAllocator, pages uint64) uint64 {
	released := u.unmapRegion(pt, frames, u.pages-pages, pages)
	u.pages -= pages
	return released
}

// shrinkBottom releases the bottom pages of the unit, raises its base,
// and renumbers the surviving runs. File-backed units advance their file
// offset so the surviving pages keep their backing. Returns the number of
// resident pages released.
//
// Preconditions: the address space's mapLock is locked for writing.
// 0 < pages < u.pages. The caller owns the interval index entry for u
// and must reindex it, since the unit's base changes.
func (u *MapUnit) shrinkBottom(pt memmap.PageTable, frames memmap.FrameAllocator, pages uint64) uint64 {
	var released uint64
	if len(u.runs) > 0 {
		detached := u.detachRuns(0, pages, false, true)
		released = u.releaseDetached(pt, frames, detached)
	}
	u.base += mem.Addr(mem.PagesToBytes(pages))
	u.pages -= pages
	if u.file != nil {
		u.fileOff += pages
	}
	return released
}

// copyPages duplicates every resolved page of u into freshly allocated
// frames attached to target. Installing the copies in a page table is the
// caller's job. On allocation failure every copy made so far is freed and
// target is left untouched.
//
// Preconditions: the address space's mapLock is locked. u owns its frames
// (the unit is not Shared).
func (u *MapUnit) copyPages(target *MapUnit, frames memmap.FrameAllocator) error {
	var copied []*PageRun
	for _, r := range u.runs {
		pa, ok := frames.Allocate(r.rank)
		if !ok {
			for _, c := range copied {
				frames.Free(c.pa, c.rank)
			}
			return kerr.NoMemory
		}
		copy(frames.Slice(pa, r.rank), frames.Slice(r.pa, r.rank))
		copied = append(copied, &PageRun{pa: pa, idx: r.idx, rank: r.rank})
	}
	target.runs = append(target.runs, copied...)
	return nil
}
