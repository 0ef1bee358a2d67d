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
	"github.com/google/btree"

	"github.com/madrona-os/madrona/pkg/cleanup"
	"github.com/madrona-os/madrona/pkg/errors/kerr"
	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/mem"
)

// CloneAndCopy duplicates the address space for fork. Every unit is
// duplicated with the same placement, flags, and backing reference.
// Private units with resident pages get eager copies: fresh frames,
// content copied byte for byte, translations installed in the clone's
// page table. Shared units re-attach to the same backing and fault their
// pages back in lazily. A zero-capacity heap anchor is forked specially
// so the clone keeps an independent anchor.
//
// On any failure the partially built clone is torn down completely and
// NoMemory (or the underlying error) is returned.
func (as *AddressSpace) CloneAndCopy() (*AddressSpace, error) {
	pt, err := as.platform.NewPageTable()
	if err != nil {
		return nil, kerr.NoMemory
	}
	as2 := &AddressSpace{
		platform: as.platform,
		pt:       pt,
		index:    btree.NewG(indexDegree, unitLess),
	}
	as2.users.InitRefs()
	cu := cleanup.Make(as2.DecUsers)
	defer cu.Clean()

	// The read lock keeps the parent's units and runs stable; faults and
	// structural changes take it for writing.
	as.mapLock.RLock()
	defer as.mapLock.RUnlock()
	as.checkLiveLocked()

	frames := as.platform.Frames()
	for _, u := range as.units {
		nu := u.fork()
		// as2 is private to this function; its lock is not contended.
		if err := as2.insertLocked(nu); err != nil {
			nu.dropBacking()
			return nil, err
		}
		if u.flags&(memmap.Shared|memmap.None) == 0 && len(u.runs) > 0 {
			if err := u.copyPages(nu, frames); err != nil {
				return nil, err
			}
			var added uint64
			for _, r := range nu.runs {
				for i := uint64(0); i < r.pages(); i++ {
					va := nu.base + mem.Addr(mem.PagesToBytes(r.idx+i))
					if err := pt.Map(va, r.pa.AddPages(i), nu.flags); err != nil {
						as2.addResidentLocked(added)
						return nil, err
					}
				}
				added += r.pages()
			}
			as2.addResidentLocked(added)
		}
		if u == as.heap {
			as2.heap = nu
			as2.brk = as.brk
		}
	}
	if as.heap != nil && as.heap.pages == 0 {
		as2.heap = as.heap.fork()
		as2.brk = as.brk
	}
	if checkInvariants {
		as2.validateLocked()
	}
	cu.Release()
	return as2, nil
}
