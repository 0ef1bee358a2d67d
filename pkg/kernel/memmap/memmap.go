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

// Package memmap defines the contracts between the address-space manager
// and its collaborators: the architecture paging layer, the physical frame
// allocator, and the VFS.
package memmap

import (
	"github.com/madrona-os/madrona/pkg/mem"
)

// PageTable is a per-address-space translation structure. The concrete
// implementation encodes architecture paging formats; the mapping layer
// only installs, removes, and discards entries.
//
// PageTable methods take page-aligned addresses and are not safe for
// concurrent use; callers serialize through the owning address space's
// lock.
type PageTable interface {
	// Map installs a translation from the virtual page at va to the
	// physical page at pa with the given flags. Mapping an
	// already-mapped page replaces its entry; protection changes are
	// applied this way. Returns an error only when the implementation
	// cannot allocate translation structures.
	//
	// Preconditions: va and pa are page-aligned.
	Map(va mem.Addr, pa mem.PhysAddr, flags Flags) error

	// Unmap removes the translation for the virtual page at va, if any.
	//
	// Preconditions: va is page-aligned.
	Unmap(va mem.Addr)

	// Free releases the translation structures. No method may be called
	// after Free.
	Free()
}

// FrameAllocator hands out power-of-two runs of physical pages. A run of
// rank r holds 1<<r pages and its base is aligned to 1<<r pages.
//
// Frames allocated as one run may be freed as several smaller runs, so
// long as each freed piece is itself rank-aligned; the splitting machinery
// in the mapping layer relies on this.
type FrameAllocator interface {
	// Allocate returns the base of a free rank-aligned run of 1<<rank
	// pages, marking it allocated. ok is false when no run of that rank
	// can be carved out of the remaining frames.
	Allocate(rank uint8) (pa mem.PhysAddr, ok bool)

	// Free returns a rank-aligned run of 1<<rank pages at pa to the
	// allocator.
	//
	// Preconditions: the pages of [pa, pa+(1<<rank)*PageSize) are
	// allocated and pa is aligned to the rank.
	Free(pa mem.PhysAddr, rank uint8)

	// Slice returns the memory of the run at pa as a byte slice. The
	// slice stays valid until the run is freed.
	//
	// Preconditions: the run is allocated and pa is aligned to the
	// rank.
	Slice(pa mem.PhysAddr, rank uint8) []byte
}

// File is a memory-mappable backing object: the VFS side of a file-backed
// mapping. Offsets are in whole pages from the start of the mappable
// region.
//
// A mapping unit holds one counted reference on its File for its lifetime.
// ReadPage and FaultPage may block on storage I/O; per the locking model
// they are called with the owning address space's lock held, so only one
// faulting thread per process resolves file content at a time.
type File interface {
	// IncRef increments the reference count on the file.
	IncRef()

	// DecRef decrements the reference count on the file.
	DecRef()

	// ReadPage copies the content of the file page at pageOff into dst,
	// which is exactly one page long. Private mappings populate their
	// own frames this way.
	ReadPage(dst []byte, pageOff uint64) error

	// FaultPage returns the physical page backing pageOff, bringing it
	// in from storage if needed. The page remains owned by the file;
	// shared mappings attach it without copying and report detachment
	// through ReleasePages.
	FaultPage(pageOff uint64) (mem.PhysAddr, error)

	// ReleasePages informs the file that a shared mapping of
	// [pageOff, pageOff+pages) was removed.
	ReleasePages(pageOff, pages uint64)

	// MaxPerms returns the widest protection a mapping of this file may
	// carry. Protection changes beyond it are refused.
	MaxPerms() Flags
}

// Platform bundles what a new address space needs from the machine: fresh
// page tables and the physical frame allocator.
type Platform interface {
	// NewPageTable returns an empty page table.
	NewPageTable() (PageTable, error)

	// Frames returns the physical frame allocator.
	Frames() FrameAllocator
}
