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

// Package cleanup provides utilities to clean "stuff" on defers.
package cleanup

// Cleanup allows defers to be aborted when cleanup needs to happen
// conditionally. Usage:
//
//	cu := cleanup.Make(func() { free(frame) })
//	defer cu.Clean() // failure before release will free the frame.
//	...
//	cu.Add(func() { pt.Unmap(va) }) // adds another cleanup function.
//	...
//	cu.Release() // on success, aborts the cleanups.
type Cleanup struct {
	cleaners []func()
}

// Make creates a new Cleanup object.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func(){f}}
}

// Add adds a new function to be called on Clean().
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, f)
}

// Clean calls all cleanup functions in order.
func (c *Cleanup) Clean() {
	c.clean()
	c.cleaners = nil
}

// Release releases the cleanup from its duties: the registered functions
// are not called on Clean() anymore. Returns a function that calls all
// registered functions, in case the caller wants to handle cleanup itself.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() {
		for _, f := range old {
			f()
		}
	}
}

func (c *Cleanup) clean() {
	for _, f := range c.cleaners {
		f()
	}
}
