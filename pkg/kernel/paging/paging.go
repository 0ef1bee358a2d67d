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

// Package paging provides the software page table and host platform used
// when the kernel tree is built and exercised on a host.
//
// Table records translations in a map instead of hardware paging
// structures. It keeps the same contract as the real page tables: mapping
// a mapped page replaces the translation, unmapping an unmapped page is a
// no-op, and any use after Free panics.
package paging

import (
	"fmt"
	"sync"

	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/mem"
)

// Entry is a single translation.
type Entry struct {
	PA    mem.PhysAddr
	Flags memmap.Flags
}

// Table is an in-memory page table. It implements memmap.PageTable.
type Table struct {
	mu      sync.Mutex
	entries map[mem.Addr]Entry
	freed   bool
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[mem.Addr]Entry)}
}

// Map implements memmap.PageTable.Map.
func (t *Table) Map(va mem.Addr, pa mem.PhysAddr, flags memmap.Flags) error {
	if !va.IsPageAligned() || !pa.IsPageAligned() {
		panic(fmt.Sprintf("paging: misaligned translation %#x -> %#x", uint64(va), uint64(pa)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive()
	t.entries[va] = Entry{PA: pa, Flags: flags}
	return nil
}

// Unmap implements memmap.PageTable.Unmap.
func (t *Table) Unmap(va mem.Addr) {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("paging: misaligned unmap at %#x", uint64(va)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive()
	delete(t.entries, va)
}

// Free implements memmap.PageTable.Free.
func (t *Table) Free() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive()
	t.freed = true
	t.entries = nil
}

func (t *Table) checkLive() {
	if t.freed {
		panic("paging: use of freed page table")
	}
}

// Lookup returns the translation for va, if any.
func (t *Table) Lookup(va mem.Addr) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive()
	e, ok := t.entries[va.RoundDown()]
	return e, ok
}

// Len returns the number of mapped pages.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkLive()
	return len(t.entries)
}

// Platform ties a frame allocator to a page table factory. It implements
// memmap.Platform.
type Platform struct {
	frames memmap.FrameAllocator
}

// NewPlatform returns a Platform drawing frames from frames.
func NewPlatform(frames memmap.FrameAllocator) *Platform {
	return &Platform{frames: frames}
}

// NewPageTable implements memmap.Platform.NewPageTable.
func (p *Platform) NewPageTable() (memmap.PageTable, error) {
	return NewTable(), nil
}

// Frames implements memmap.Platform.Frames.
func (p *Platform) Frames() memmap.FrameAllocator {
	return p.frames
}

var (
	_ memmap.PageTable = (*Table)(nil)
	_ memmap.Platform  = (*Platform)(nil)
)
