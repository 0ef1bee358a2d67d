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
	"io"
	"strings"

	"github.com/madrona-os/madrona/pkg/kernel/memmap"
)

// DumpMaps writes a maps-style listing of the address space to w, one
// line per unit in address order: range, flags, file page offset,
// resident pages, and what backs the unit.
func (as *AddressSpace) DumpMaps(w io.Writer) {
	as.mapLock.RLock()
	defer as.mapLock.RUnlock()
	as.index.Ascend(func(u *MapUnit) bool {
		var resident uint64
		for _, r := range u.runs {
			resident += r.pages()
		}
		fmt.Fprintf(w, "%012x-%012x %s %8x %5d %s\n",
			uint64(u.base), uint64(u.top()), u.flags, u.fileOff, resident, as.unitTagLocked(u))
		return true
	})
	if as.heap != nil && as.heap.pages == 0 {
		fmt.Fprintf(w, "%012x-%012x %s %8x %5d [heap]\n",
			uint64(as.heap.base), uint64(as.heap.base), as.heap.flags, 0, 0)
	}
}

// unitTagLocked names what backs u, the way a maps file would.
//
// Preconditions: mapLock is locked.
func (as *AddressSpace) unitTagLocked(u *MapUnit) string {
	switch {
	case u == as.heap:
		return "[heap]"
	case u.flags&memmap.GrowDown != 0:
		return "[stack]"
	case u.file == nil:
		return "[anon]"
	default:
		if _, ok := u.file.(*sharedAnon); ok {
			return "[shared]"
		}
		return "[file]"
	}
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	var b strings.Builder
	as.DumpMaps(&b)
	return b.String()
}

var _ fmt.Stringer = (*AddressSpace)(nil)
