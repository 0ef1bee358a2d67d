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
	"time"

	"github.com/madrona-os/madrona/pkg/errors/kerr"
	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/log"
	"github.com/madrona-os/madrona/pkg/mem"
)

// faultLog throttles fault rejection messages. A process spinning on a
// wild pointer must not flood the console.
var faultLog = log.BasicRateLimitedLogger(5 * time.Second)

// PageFault resolves a hardware page fault at va. The trap layer calls it
// on every user page-fault exception with the access class decoded from
// the error code.
//
// The containing unit is found under the read lock first; resolution then
// reacquires the lock for writing and looks the unit up again, since it
// may have been unmapped in between. A fault one page below a grow-down
// unit extends that unit downward before resolving.
//
// Returns NoEnt when no unit covers va, SegFault when the unit's flags
// deny the access, and NoMemory when no frame is available.
func (as *AddressSpace) PageFault(va mem.Addr, cause memmap.FaultCause) error {
	as.mapLock.RLock()
	as.checkLiveLocked()
	u, _ := as.faultUnitLocked(va)
	as.mapLock.RUnlock()
	if u == nil {
		faultLog.Warningf("mm: %s fault at %#x: no mapping", cause, uint64(va))
		return kerr.NoEnt
	}

	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	u, grow := as.faultUnitLocked(va)
	if u == nil {
		// The unit vanished between the two acquisitions.
		return kerr.NoEnt
	}
	if grow {
		if !u.flags.Allows(cause) {
			faultLog.Warningf("mm: %s fault at %#x: %s denies it", cause, uint64(va), u.flags)
			return kerr.SegFault
		}
		if err := as.extendDownLocked(u); err != nil {
			return err
		}
	}
	added, err := u.pageFault(as.pt, as.platform.Frames(), va, cause)
	if err != nil {
		if kerr.Equals(kerr.SegFault, err) {
			faultLog.Warningf("mm: %s fault at %#x: %s denies it", cause, uint64(va), u.flags)
		}
		return err
	}
	as.addResidentLocked(added)
	if checkInvariants {
		as.validateLocked()
	}
	return nil
}

// faultUnitLocked returns the unit a fault at va should resolve in. When
// va has no unit but sits exactly one page below a grow-down unit, that
// unit is returned with grow set.
//
// Preconditions: mapLock is locked.
func (as *AddressSpace) faultUnitLocked(va mem.Addr) (u *MapUnit, grow bool) {
	if u := as.findLocked(va); u != nil {
		return u, false
	}
	page := va.RoundDown()
	if n := as.nextAboveLocked(va); n != nil && n.flags&memmap.GrowDown != 0 && n.base == page+mem.PageSize {
		return n, true
	}
	return nil, false
}

// extendDownLocked grows u one page downward: the base drops by a page,
// the capacity rises by one, and every run index shifts up by one. The
// index entry is rebuilt because the base is its key.
//
// Preconditions: mapLock is locked for writing. u is in the index. The
// page below u is unmapped.
func (as *AddressSpace) extendDownLocked(u *MapUnit) error {
	if u.base-mem.PageSize < mem.MinUserAddr {
		// The stack hit the bottom of the user range.
		return kerr.SegFault
	}
	as.index.Delete(u)
	u.base -= mem.PageSize
	u.pages++
	for _, r := range u.runs {
		r.idx++
	}
	as.index.ReplaceOrInsert(u)
	return nil
}
