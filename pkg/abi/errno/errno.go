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

// Package errno holds the numeric error codes of the Madrona kernel ABI.
// The system-call layer returns these numbers to user space; kernel code
// works with the typed sentinels in pkg/errors/kerr instead.
package errno

// Errno represents a Madrona errno.
type Errno uint32

// Error numbers returned to user space. The numbering is part of the
// kernel ABI and must not change.
const (
	// NOERRNO means no error; it is never returned to user space.
	NOERRNO = iota

	// EPERM means the caller lacks the required privilege.
	EPERM

	// ENOENT means no mapping or object covers the requested address.
	ENOENT

	// ESRCH means no such process.
	ESRCH

	// EINTR means an operation was interrupted.
	EINTR

	// EIO means an I/O error in the backing store.
	EIO

	// ENOMEM means a frame, run, or unit allocation failed.
	ENOMEM

	// EACCES means a protection change escalates beyond what the
	// backing object allows.
	EACCES

	// EFAULT means an access-class violation; the trap layer turns it
	// into a process signal.
	EFAULT

	// EEXIST means an insertion collided with an existing mapping.
	EEXIST

	// EINVAL means a malformed argument (unaligned address, zero
	// length, flags conflict).
	EINVAL

	// EFBIG means growth or shrink out of the legal range.
	EFBIG

	// ENODATA means an object was used before it was initialized.
	ENODATA
)
