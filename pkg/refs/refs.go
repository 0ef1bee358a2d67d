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

// Package refs provides reference counting for kernel objects with
// deterministic destruction on the last release.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface implemented by reference-counted objects.
type RefCounter interface {
	// IncRef increments the reference count on the object.
	IncRef()

	// DecRef decrements the reference count on the object, destroying
	// it when no references remain.
	DecRef()
}

// Refs keeps a reference count using atomic operations and calls a
// destructor when the count reaches zero. It is meant to be embedded;
// the embedding type supplies the destructor at each DecRef site.
//
// Do not introduce additional fields: Refs must stay the size of a bare
// int64 so that embedding it costs one word.
type Refs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used by TryIncRef to avoid a
	// CompareAndSwap loop.
	refCount atomic.Int64
}

// InitRefs initializes r with one reference.
func (r *Refs) InitRefs() {
	r.refCount.Store(1)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef implements RefCounter.IncRef.
func (r *Refs) IncRef() {
	if v := r.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("refs: incrementing non-positive count %p", r))
	}
}

// TryIncRef attempts to increment the reference count, but may fail if all
// references have already been dropped. It returns true on success.
//
// A speculative reference is first acquired on the object, which lets
// concurrent TryIncRef calls distinguish other TryIncRef calls from genuine
// references held.
func (r *Refs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef drops a reference, calling destroy if no references remain.
// Speculative references taken by a racing TryIncRef count as held
// references here, so destroy never runs while TryIncRef can still
// succeed.
func (r *Refs) DecRef(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("refs: decrementing non-positive count %p", r))

	case v == 0:
		if destroy != nil {
			destroy()
		}
	}
}
