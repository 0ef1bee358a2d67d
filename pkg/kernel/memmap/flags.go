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

package memmap

// Flags describe the protection and behavior of a mapping. Mapped memory
// is always readable unless None is set; there is no separate read bit.
type Flags uint32

const (
	// Write permits stores through the mapping.
	Write Flags = 1 << iota

	// Exec permits instruction fetches from the mapping.
	Exec

	// User permits user-mode access. Mappings without User are
	// kernel-only.
	User

	// None marks the range reserved but inaccessible. Any fault on a
	// None mapping is an access violation.
	None

	// Shared propagates stores to the backing object, making them
	// visible through every other mapping of it. Non-shared mappings
	// own private copies of their pages.
	Shared

	// GrowDown allows the mapping to extend one page below its base on
	// a fault immediately under it. Used for stacks.
	GrowDown
)

// permMask covers the bits that protection changes may modify. Backing and
// growth behavior (Shared, GrowDown) are fixed at map time.
const permMask = Write | Exec | User | None

// FaultCause is the access class of a page fault, derived from the
// hardware fault's error code by the trap layer.
type FaultCause uint8

const (
	// FaultRead is a data read.
	FaultRead FaultCause = iota

	// FaultWrite is a data write.
	FaultWrite

	// FaultExec is an instruction fetch.
	FaultExec
)

// Allows returns true if a mapping with flags f may service a fault of the
// given cause.
func (f Flags) Allows(cause FaultCause) bool {
	if f&None != 0 {
		return false
	}
	switch cause {
	case FaultRead:
		return true
	case FaultWrite:
		return f&Write != 0
	case FaultExec:
		return f&Exec != 0
	default:
		return false
	}
}

// Escalates returns true if switching a mapping of a file with the given
// maximum permissions to flags f would grant an access the file forbids.
func (f Flags) Escalates(maxPerms Flags) bool {
	if f&None != 0 {
		return false
	}
	if f&Write != 0 && maxPerms&Write == 0 {
		return true
	}
	if f&Exec != 0 && maxPerms&Exec == 0 {
		return true
	}
	return false
}

// ApplyProtection returns f with its protection bits replaced by those of
// prot. Shared and GrowDown are preserved.
func (f Flags) ApplyProtection(prot Flags) Flags {
	return (f &^ permMask) | (prot & permMask)
}

// String implements fmt.Stringer.String. The format follows the classic
// maps-file convention: rwx then p (private) or s (shared), with "---"
// for None.
func (f Flags) String() string {
	b := [4]byte{'r', '-', '-', 'p'}
	if f&None != 0 {
		b[0] = '-'
	}
	if f&Write != 0 && f&None == 0 {
		b[1] = 'w'
	}
	if f&Exec != 0 && f&None == 0 {
		b[2] = 'x'
	}
	if f&Shared != 0 {
		b[3] = 's'
	}
	return string(b[:])
}

// String implements fmt.Stringer.String.
func (c FaultCause) String() string {
	switch c {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultExec:
		return "exec"
	default:
		return "unknown"
	}
}
