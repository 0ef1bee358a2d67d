// Copyright 2024 The Madrona Authors.
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

// Package kerr defines the canonical error kinds of the Madrona kernel.
//
// Each kind is a singleton *errors.Error carrying the ABI errno that the
// system-call layer reports to user space. Kernel code compares errors
// against these sentinels directly or through Equals; it never allocates
// new Error values for the kinds below.
package kerr

import (
	"github.com/madrona-os/madrona/pkg/abi/errno"
	"github.com/madrona-os/madrona/pkg/errors"
)

var (
	noError *errors.Error = nil

	// NoMemory means a frame, Page Run, or Mapping Unit allocation
	// failed. Mutations that fail with NoMemory roll back completely.
	NoMemory = errors.New(errno.ENOMEM, "out of memory")

	// Exists means an insertion collided with an existing mapping and
	// the insertion policy does not resolve collisions.
	Exists = errors.New(errno.EEXIST, "mapping exists")

	// NoEnt means no mapping covers a faulting address, or a ranged
	// operation found a gap.
	NoEnt = errors.New(errno.ENOENT, "no such mapping")

	// SegFault means an access-class violation: writing to read-only
	// memory, executing non-executable memory, or faulting an unmapped
	// unit. The trap layer translates it into a signal.
	SegFault = errors.New(errno.EFAULT, "segmentation fault")

	// NoAccess means a protection change escalates beyond what the
	// backing file permits.
	NoAccess = errors.New(errno.EACCES, "permission denied")

	// MaxSize means heap growth would collide with the next mapping or
	// leave the legal user range, or a shrink went below the heap base.
	MaxSize = errors.New(errno.EFBIG, "size out of bounds")

	// Uninitialized means a heap operation ran before HeapInit.
	Uninitialized = errors.New(errno.ENODATA, "heap not initialized")

	// Invalid means a malformed argument: unaligned address, zero
	// length, or conflicting flags.
	Invalid = errors.New(errno.EINVAL, "invalid argument")
)

// Equals reports whether err is the given kind.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		err = noError
	}
	return e == err
}

// ToErrno converts a kernel error to the ABI errno reported to user
// space. A nil error converts to NOERRNO.
func ToErrno(err error) errno.Errno {
	if err == nil {
		return errno.NOERRNO
	}
	if e, ok := err.(*errors.Error); ok && e != noError {
		return e.Errno()
	}
	return errno.EIO
}
