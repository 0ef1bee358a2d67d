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

// HeapInit installs the heap anchor at base: a zero-capacity anonymous
// unit that HeapGrow extends. The anchor joins the interval index only
// once it has pages. Fails with Exists if a heap is already installed,
// and Invalid for an unaligned or non-user base.
//
// The loader calls this once, after placing the program segments.
func (as *AddressSpace) HeapInit(base mem.Addr) error {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	if as.heap != nil {
		return kerr.Exists
	}
	if !base.IsPageAligned() || base < mem.MinUserAddr || base >= mem.MaxUserAddr {
		return kerr.Invalid
	}
	as.heap = NewAnonUnit(base, 0, memmap.Write|memmap.User)
	as.brk = mem.AddrRange{Start: base, End: base}
	return nil
}

// HeapGrow advances the break by bytes and returns the new break. The
// break is byte-exact: capacity only changes when the break crosses into
// a new page, so small growths stay bookkeeping-only. Growth fails with
// MaxSize when the new capacity would collide with the next mapping or
// leave the user range, and Uninitialized before HeapInit. New pages
// fault in lazily.
func (as *AddressSpace) HeapGrow(bytes uint64) (mem.Addr, error) {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	if as.heap == nil {
		return 0, kerr.Uninitialized
	}
	newBrk, ok := as.brk.End.AddLength(bytes)
	if !ok || newBrk > mem.MaxUserAddr {
		return 0, kerr.MaxSize
	}
	heap := as.heap
	newCap := mem.BytesToPages(uint64(newBrk - heap.base))
	if newCap > heap.pages {
		oldTop := heap.top()
		newTop := heap.base + mem.Addr(mem.PagesToBytes(newCap))
		if as.collideLocked(mem.AddrRange{Start: oldTop, End: newTop}) != nil {
			return 0, kerr.MaxSize
		}
		if heap.pages == 0 {
			// The anchor gains its first pages and enters the
			// index.
			heap.pages = newCap
			if err := as.insertLocked(heap); err != nil {
				heap.pages = 0
				return 0, err
			}
		} else {
			heap.pages = newCap
			if checkInvariants {
				as.validateLocked()
			}
		}
	}
	as.brk.End = newBrk
	return newBrk, nil
}

// HeapShrink pulls the break back by bytes and returns the new break.
// Whole pages falling above the new capacity are unmapped and freed.
// Shrinking below the heap base collapses the heap to zero capacity and
// leaves the break at the base. Fails with MaxSize when bytes exceeds
// the break itself, and Uninitialized before HeapInit.
func (as *AddressSpace) HeapShrink(bytes uint64) (mem.Addr, error) {
	as.mapLock.Lock()
	defer as.mapLock.Unlock()
	as.checkLiveLocked()
	if as.heap == nil {
		return 0, kerr.Uninitialized
	}
	if bytes > uint64(as.brk.End) {
		return 0, kerr.MaxSize
	}
	heap := as.heap
	newBrk := as.brk.End - mem.Addr(bytes)
	if newBrk < heap.base {
		newBrk = heap.base
	}
	newCap := mem.BytesToPages(uint64(newBrk - heap.base))
	if newCap < heap.pages {
		if newCap == 0 {
			as.removeLocked(heap)
			as.mappedPages -= heap.unmapRegion(as.pt, as.platform.Frames(), 0, heap.pages)
			heap.pages = 0
		} else {
			as.mappedPages -= heap.shrinkTop(as.pt, as.platform.Frames(), heap.pages-newCap)
		}
		if checkInvariants {
			as.validateLocked()
		}
	}
	as.brk.End = newBrk
	return newBrk, nil
}

// Brk returns the current break address, or 0 before HeapInit.
func (as *AddressSpace) Brk() mem.Addr {
	as.mapLock.RLock()
	defer as.mapLock.RUnlock()
	if as.heap == nil {
		return 0
	}
	return as.brk.End
}
