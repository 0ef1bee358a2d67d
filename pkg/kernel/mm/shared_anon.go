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
	"sync"

	"github.com/madrona-os/madrona/pkg/errors/kerr"
	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/mem"
	"github.com/madrona-os/madrona/pkg/refs"
)

// sharedAnon backs shared anonymous units. It owns its pages: mappings
// attach and detach freely, every attachment of a page offset sees the
// same frame, and the frames live until the last mapping reference drops.
// A fork of a shared anonymous unit therefore shares memory with its
// parent.
type sharedAnon struct {
	refs   refs.Refs
	frames memmap.FrameAllocator

	mu sync.Mutex
	// pages maps page offsets to their frames, filled on first fault.
	pages map[uint64]mem.PhysAddr
}

func newSharedAnon(frames memmap.FrameAllocator) *sharedAnon {
	s := &sharedAnon{
		frames: frames,
		pages:  make(map[uint64]mem.PhysAddr),
	}
	s.refs.InitRefs()
	return s
}

// IncRef implements memmap.File.IncRef.
func (s *sharedAnon) IncRef() {
	s.refs.IncRef()
}

// DecRef implements memmap.File.DecRef.
func (s *sharedAnon) DecRef() {
	s.refs.DecRef(s.destroy)
}

func (s *sharedAnon) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pa := range s.pages {
		s.frames.Free(pa, 0)
	}
	s.pages = nil
}

// FaultPage implements memmap.File.FaultPage. The first fault of an
// offset allocates and zeroes its frame; later faults, from any mapping,
// return the same frame.
func (s *sharedAnon) FaultPage(pageOff uint64) (mem.PhysAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pa, ok := s.pages[pageOff]; ok {
		return pa, nil
	}
	pa, ok := s.frames.Allocate(0)
	if !ok {
		return 0, kerr.NoMemory
	}
	clear(s.frames.Slice(pa, 0))
	s.pages[pageOff] = pa
	return pa, nil
}

// ReadPage implements memmap.File.ReadPage.
func (s *sharedAnon) ReadPage(dst []byte, pageOff uint64) error {
	pa, err := s.FaultPage(pageOff)
	if err != nil {
		return err
	}
	copy(dst, s.frames.Slice(pa, 0))
	return nil
}

// ReleasePages implements memmap.File.ReleasePages. Pages stay resident
// in the object so other mappings keep seeing them; the destructor frees
// them.
func (s *sharedAnon) ReleasePages(pageOff, pages uint64) {
}

// MaxPerms implements memmap.File.MaxPerms.
func (s *sharedAnon) MaxPerms() memmap.Flags {
	return memmap.Write | memmap.Exec | memmap.User
}

var _ memmap.File = (*sharedAnon)(nil)
