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

// ProtectRange applies the protection bits of prot to every page of
// [base, base+pages*PageSize). Units crossing the range's boundaries are
// split so the change lands exactly; Shared and GrowDown are preserved.
// Resolved pages are retranslated with the new flags; a change to None
// removes their translations while keeping their frames, so restoring
// access later finds the content intact.
//
// The whole range is checked before anything changes: a gap fails with
// NoEnt, and a file-backed unit whose file forbids the requested access
// fails with NoAccess. On failure no unit is modified.
func (as *AddressSpace) ProtectRange(base mem.Addr, pages uint64, prot memmap.Flags) error {
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

	// Collect the affected units in address order, requiring full
	// coverage.
	var affected []*MapUnit
	for cursor := r.Start; cursor < r.End; {
		u := as.findLocked(cursor)
		if u == nil {
			return kerr.NoEnt
		}
		affected = append(affected, u)
		cursor = u.top()
	}

	// Validate against every backing before touching anything, interior
	// and boundary units alike.
	for _, u := range affected {
		if u.file != nil && prot.Escalates(u.file.MaxPerms()) {
			return kerr.NoAccess
		}
	}

	// Split the boundary units so flags apply to whole units only.
	if first := affected[0]; first.base < r.Start {
		affected[0] = as.splitLocked(first, r.Start)
	}
	if last := affected[len(affected)-1]; last.top() > r.End {
		as.splitLocked(last, r.End)
	}

	for _, u := range affected {
		as.reprotectLocked(u, prot)
	}
	if checkInvariants {
		as.validateLocked()
	}
	return nil
}

// reprotectLocked rewrites u's flags and retranslates its resolved pages.
//
// Preconditions: mapLock is locked for writing.
func (as *AddressSpace) reprotectLocked(u *MapUnit, prot memmap.Flags) {
	u.flags = u.flags.ApplyProtection(prot)
	inaccessible := u.flags&memmap.None != 0
	for _, r := range u.runs {
		for i := uint64(0); i < r.pages(); i++ {
			va := u.base + mem.Addr(mem.PagesToBytes(r.idx+i))
			if inaccessible {
				as.pt.Unmap(va)
			} else if err := as.pt.Map(va, r.pa.AddPages(i), u.flags); err != nil {
				// Retranslation replaces a live entry; the page
				// table cannot need new structures for it.
				panic("mm: retranslating a resolved page failed")
			}
		}
	}
}

// splitLocked cuts u in two at addr: u keeps [u.base, addr) and the
// returned unit owns [addr, u.top()) together with the resolved runs of
// that span. Translations do not change.
//
// Preconditions: mapLock is locked for writing. addr is page-aligned and
// strictly inside u.
func (as *AddressSpace) splitLocked(u *MapUnit, addr mem.Addr) *MapUnit {
	cut := uint64(addr-u.base) >> mem.PageShift
	if checkInvariants {
		if cut == 0 || cut >= u.pages || !addr.IsPageAligned() {
			panic("mm: split point outside the unit")
		}
	}
	nu := u.fork()
	nu.base = addr
	nu.pages = u.pages - cut
	if nu.file != nil {
		nu.fileOff = u.fileOff + cut
	}
	u.reinsertRegion(nu, cut, u.pages-cut)
	u.pages = cut
	if err := as.insertLocked(nu); err != nil {
		panic("mm: inserting the upper half of a split unit failed")
	}
	return nu
}
