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

package mem

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, test := range []struct {
		addr     Addr
		wantDown Addr
		wantUp   Addr
		upOK     bool
	}{
		{addr: 0, wantDown: 0, wantUp: 0, upOK: true},
		{addr: 1, wantDown: 0, wantUp: PageSize, upOK: true},
		{addr: PageSize - 1, wantDown: 0, wantUp: PageSize, upOK: true},
		{addr: PageSize, wantDown: PageSize, wantUp: PageSize, upOK: true},
		{addr: PageSize + 1, wantDown: PageSize, wantUp: 2 * PageSize, upOK: true},
		{addr: ^Addr(0), wantDown: ^Addr(0) &^ (PageSize - 1), wantUp: 0, upOK: false},
	} {
		if got := test.addr.RoundDown(); got != test.wantDown {
			t.Errorf("RoundDown(%#x) got %#x want %#x", uint64(test.addr), uint64(got), uint64(test.wantDown))
		}
		got, ok := test.addr.RoundUp()
		if got != test.wantUp || ok != test.upOK {
			t.Errorf("RoundUp(%#x) got (%#x, %t) want (%#x, %t)", uint64(test.addr), uint64(got), ok, uint64(test.wantUp), test.upOK)
		}
	}
}

func TestAddLengthOverflow(t *testing.T) {
	if _, ok := Addr(^uint64(0) - PageSize).AddLength(2 * PageSize); ok {
		t.Errorf("AddLength near the top of the address space got ok, want overflow")
	}
	end, ok := MinUserAddr.AddLength(PageSize)
	if !ok || end != MinUserAddr+PageSize {
		t.Errorf("AddLength got (%#x, %t) want (%#x, true)", uint64(end), ok, uint64(MinUserAddr+PageSize))
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{0x10000, 0x14000}
	if !r.WellFormed() {
		t.Fatalf("%v.WellFormed() got false want true", r)
	}
	if got, want := r.Length(), uint64(0x4000); got != want {
		t.Errorf("%v.Length() got %d want %d", r, got, want)
	}
	for _, test := range []struct {
		x    Addr
		want bool
	}{
		{0x10000, true},
		{0x13fff, true},
		{0x14000, false},
		{0xffff, false},
	} {
		if got := r.Contains(test.x); got != test.want {
			t.Errorf("%v.Contains(%#x) got %t want %t", r, uint64(test.x), got, test.want)
		}
	}
	for _, test := range []struct {
		r2          AddrRange
		overlaps    bool
		isSuperset  bool
		intersected AddrRange
	}{
		{AddrRange{0x11000, 0x12000}, true, true, AddrRange{0x11000, 0x12000}},
		{AddrRange{0x14000, 0x15000}, false, false, AddrRange{0x14000, 0x14000}},
		{AddrRange{0xf000, 0x11000}, true, false, AddrRange{0x10000, 0x11000}},
		{AddrRange{0x10000, 0x14000}, true, true, AddrRange{0x10000, 0x14000}},
	} {
		if got := r.Overlaps(test.r2); got != test.overlaps {
			t.Errorf("%v.Overlaps(%v) got %t want %t", r, test.r2, got, test.overlaps)
		}
		if got := r.IsSupersetOf(test.r2); got != test.isSuperset {
			t.Errorf("%v.IsSupersetOf(%v) got %t want %t", r, test.r2, got, test.isSuperset)
		}
		if got := r.Intersect(test.r2); got != test.intersected {
			t.Errorf("%v.Intersect(%v) got %v want %v", r, test.r2, got, test.intersected)
		}
	}
}

func TestBytesToPages(t *testing.T) {
	for _, test := range []struct {
		length uint64
		want   uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{3 * PageSize, 3},
	} {
		if got := BytesToPages(test.length); got != test.want {
			t.Errorf("BytesToPages(%d) got %d want %d", test.length, got, test.want)
		}
	}
}
