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

// Package pgalloc provides the physical frame arena used when the kernel
// tree is built and exercised on a host.
//
// An Arena stands in for the boot-time buddy allocator: physical memory is
// a host memory file mapped into the process, physical addresses are
// offsets into it, and frames are handed out as rank-aligned power-of-two
// runs. Arena implements memmap.FrameAllocator.
package pgalloc

import (
	"fmt"
	"math/bits"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/madrona-os/madrona/pkg/bitmap"
	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/log"
	"github.com/madrona-os/madrona/pkg/mem"
)

// MaxRank is the largest run rank the arena hands out: 1<<MaxRank pages,
// 4 MiB with 4K pages.
const MaxRank uint8 = 10

// Arena is a physical frame allocator over a host memory file.
type Arena struct {
	mu sync.Mutex

	fd      int
	mapping []byte

	totalPages uint64
	freePages  uint64
	maxRank    uint8

	// free[r] holds the page numbers of the free rank-r blocks.
	free [][]uint64

	// allocated tracks per-page allocation state. Frees of free frames
	// and overlapping allocations are allocator corruption and panic.
	allocated bitmap.Bitmap
}

// NewArena creates an arena of totalPages frames backed by a fresh memory
// file.
func NewArena(totalPages uint64) (*Arena, error) {
	if totalPages == 0 {
		return nil, fmt.Errorf("pgalloc: empty arena")
	}
	fd, err := unix.MemfdCreate("madrona-frames", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("pgalloc: memfd_create failed: %v", err)
	}
	size := int64(mem.PagesToBytes(totalPages))
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pgalloc: ftruncate to %d bytes failed: %v", size, err)
	}
	mapping, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pgalloc: mmap of %d bytes failed: %v", size, err)
	}

	maxRank := MaxRank
	if highest := uint8(bits.Len64(totalPages) - 1); highest < maxRank {
		maxRank = highest
	}
	a := &Arena{
		fd:         fd,
		mapping:    mapping,
		totalPages: totalPages,
		freePages:  totalPages,
		maxRank:    maxRank,
		free:       make([][]uint64, maxRank+1),
		allocated:  bitmap.New(totalPages),
	}
	a.seed()
	log.Debugf("pgalloc: arena of %d pages, max rank %d", totalPages, maxRank)
	return a, nil
}

// seed carves the arena into the largest aligned blocks that fit and
// populates the free lists with them.
func (a *Arena) seed() {
	pn := uint64(0)
	remaining := a.totalPages
	for remaining > 0 {
		r := uint8(bits.Len64(remaining) - 1)
		if r > a.maxRank {
			r = a.maxRank
		}
		if align := uint8(bits.TrailingZeros64(pn)); pn != 0 && align < r {
			r = align
		}
		a.free[r] = append(a.free[r], pn)
		pn += 1 << r
		remaining -= 1 << r
	}
}

// Allocate implements memmap.FrameAllocator.Allocate.
func (a *Arena) Allocate(rank uint8) (mem.PhysAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rank > a.maxRank {
		return 0, false
	}
	r := rank
	for ; r <= a.maxRank; r++ {
		if len(a.free[r]) > 0 {
			break
		}
	}
	if r > a.maxRank {
		return 0, false
	}

	last := len(a.free[r]) - 1
	pn := a.free[r][last]
	a.free[r] = a.free[r][:last]

	// Split down to the requested rank, keeping the lower half at each
	// step and freeing the upper buddy.
	for r > rank {
		r--
		a.free[r] = append(a.free[r], pn+(1<<r))
	}

	for i := uint64(0); i < 1<<rank; i++ {
		a.allocated.Add(pn + i)
	}
	a.freePages -= 1 << rank
	return mem.PhysAddr(pn << mem.PageShift), true
}

// Free implements memmap.FrameAllocator.Free.
//
// The freed run need not match an earlier Allocate call exactly: a large
// allocation may come back as several smaller rank-aligned pieces, which
// coalesce again as their buddies arrive.
func (a *Arena) Free(pa mem.PhysAddr, rank uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pn := pa.PageNumber()
	a.check(pa, rank)
	for i := uint64(0); i < 1<<rank; i++ {
		if !a.allocated.Contains(pn + i) {
			panic(fmt.Sprintf("pgalloc: freeing free frame %#x", (pn+i)<<mem.PageShift))
		}
		a.allocated.Remove(pn + i)
	}
	a.freePages += 1 << rank

	// Merge with free buddies while possible.
	r := rank
	for r < a.maxRank {
		buddy := pn ^ (1 << r)
		if !a.takeFree(r, buddy) {
			break
		}
		if buddy < pn {
			pn = buddy
		}
		r++
	}
	a.free[r] = append(a.free[r], pn)
}

// takeFree removes block pn from the rank-r free list, returning false if
// it is not there.
func (a *Arena) takeFree(r uint8, pn uint64) bool {
	l := a.free[r]
	for i, b := range l {
		if b == pn {
			l[i] = l[len(l)-1]
			a.free[r] = l[:len(l)-1]
			return true
		}
	}
	return false
}

// Slice implements memmap.FrameAllocator.Slice.
func (a *Arena) Slice(pa mem.PhysAddr, rank uint8) []byte {
	a.check(pa, rank)
	start := uint64(pa)
	end := start + mem.PagesToBytes(1<<rank)
	return a.mapping[start:end:end]
}

// check panics unless [pa, pa+(1<<rank)*PageSize) is a rank-aligned run
// inside the arena.
func (a *Arena) check(pa mem.PhysAddr, rank uint8) {
	pn := pa.PageNumber()
	if !pa.IsPageAligned() || pn%(1<<rank) != 0 {
		panic(fmt.Sprintf("pgalloc: misaligned rank-%d run at %#x", rank, uint64(pa)))
	}
	if rank > a.maxRank || pn+(1<<rank) > a.totalPages {
		panic(fmt.Sprintf("pgalloc: rank-%d run at %#x outside arena of %d pages", rank, uint64(pa), a.totalPages))
	}
}

// TotalPages returns the arena size in pages.
func (a *Arena) TotalPages() uint64 {
	return a.totalPages
}

// FreePages returns the number of free pages.
func (a *Arena) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freePages
}

// AllocatedPages returns the number of allocated pages. Tests use it to
// assert that teardown returned every frame.
func (a *Arena) AllocatedPages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalPages - a.freePages
}

// Destroy unmaps the arena and closes its file. No method may be called
// after Destroy.
func (a *Arena) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mapping != nil {
		unix.Munmap(a.mapping)
		a.mapping = nil
	}
	if a.fd >= 0 {
		unix.Close(a.fd)
		a.fd = -1
	}
}

var _ memmap.FrameAllocator = (*Arena)(nil)
