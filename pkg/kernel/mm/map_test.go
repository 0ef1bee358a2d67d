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
	"testing"

	"github.com/madrona-os/madrona/pkg/errors/kerr"
	"github.com/madrona-os/madrona/pkg/kernel/memmap"
	"github.com/madrona-os/madrona/pkg/mem"
)

const rw = memmap.Write | memmap.User

func TestMapRejectsOverlap(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	mapAnon(t, as, testBase, 4, rw)

	if err := as.Map(NewAnonUnit(pageAt(testBase, 2), 2, rw)); !kerr.Equals(kerr.Exists, err) {
		t.Errorf("Map over an existing unit: got err %v, want %v", err, kerr.Exists)
	}
	// Exactly adjacent is not an overlap.
	if err := as.Map(NewAnonUnit(pageAt(testBase, 4), 2, rw)); err != nil {
		t.Errorf("Map adjacent: got err %v, want nil", err)
	}
}

func TestMapValidation(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	for _, test := range []struct {
		name  string
		base  mem.Addr
		pages uint64
	}{
		{name: "unaligned base", base: testBase + 1, pages: 1},
		{name: "zero pages", base: testBase, pages: 0},
		{name: "below user range", base: 0x1000, pages: 1},
		{name: "beyond user range", base: mem.MaxUserAddr - mem.PageSize, pages: 2},
		{name: "address overflow", base: ^mem.Addr(0) &^ (mem.PageSize - 1), pages: 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := as.Map(NewAnonUnit(test.base, test.pages, rw))
			if !kerr.Equals(kerr.Invalid, err) {
				t.Errorf("Map(%#x, %d pages): got err %v, want %v", uint64(test.base), test.pages, err, kerr.Invalid)
			}
		})
	}
}

func TestMapAnyAddressEmptySpace(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	u := NewAnonUnit(0, 2, rw)
	if err := as.MapAnyAddress(u); err != nil {
		t.Fatalf("MapAnyAddress got err %v want nil", err)
	}
	if u.Base() != mem.MinUserAddr {
		t.Errorf("base: got %#x, want %#x", uint64(u.Base()), uint64(mem.MinUserAddr))
	}
}

func TestMapAnyAddressFindsFirstGap(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	mapAnon(t, as, testBase, 4, rw)
	mapAnon(t, as, pageAt(testBase, 6), 2, rw)

	// The two-page gap between the units is the first fit.
	u := NewAnonUnit(0, 2, rw)
	if err := as.MapAnyAddress(u); err != nil {
		t.Fatalf("MapAnyAddress got err %v want nil", err)
	}
	if got, want := u.Base(), pageAt(testBase, 4); got != want {
		t.Errorf("base: got %#x, want %#x", uint64(got), uint64(want))
	}

	// With the gap filled, a larger unit goes above the topmost unit.
	u2 := NewAnonUnit(0, 4, rw)
	if err := as.MapAnyAddress(u2); err != nil {
		t.Fatalf("MapAnyAddress got err %v want nil", err)
	}
	if got, want := u2.Base(), pageAt(testBase, 8); got != want {
		t.Errorf("base above units: got %#x, want %#x", uint64(got), uint64(want))
	}
}

func TestMapAnyAddressIgnoresRangeBelowLowestUnit(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	high := pageAt(mem.MinUserAddr, 1024)
	mapAnon(t, as, high, 2, rw)

	u := NewAnonUnit(0, 2, rw)
	if err := as.MapAnyAddress(u); err != nil {
		t.Fatalf("MapAnyAddress got err %v want nil", err)
	}
	if got, want := u.Base(), pageAt(high, 2); got != want {
		t.Errorf("base: got %#x, want %#x (below the lowest unit is reserved)", uint64(got), uint64(want))
	}
}

func TestMapAnyAddressZeroPages(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	if err := as.MapAnyAddress(NewAnonUnit(0, 0, rw)); !kerr.Equals(kerr.Invalid, err) {
		t.Errorf("MapAnyAddress of zero pages: got err %v, want %v", err, kerr.Invalid)
	}
}

func TestMapOrRebase(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	mapAnon(t, as, testBase, 4, rw)

	// A free base is kept.
	free := NewAnonUnit(pageAt(testBase, 8), 2, rw)
	if err := as.MapOrRebase(free); err != nil {
		t.Fatalf("MapOrRebase(free base) got err %v want nil", err)
	}
	if got, want := free.Base(), pageAt(testBase, 8); got != want {
		t.Errorf("free base moved: got %#x, want %#x", uint64(got), uint64(want))
	}

	// A taken base falls back to the gap search.
	taken := NewAnonUnit(pageAt(testBase, 1), 2, rw)
	if err := as.MapOrRebase(taken); err != nil {
		t.Fatalf("MapOrRebase(taken base) got err %v want nil", err)
	}
	if got, want := taken.Base(), pageAt(testBase, 4); got != want {
		t.Errorf("rebased base: got %#x, want %#x", uint64(got), uint64(want))
	}

	// Validation failures are not rebased.
	if err := as.MapOrRebase(NewAnonUnit(testBase+1, 1, rw)); !kerr.Equals(kerr.Invalid, err) {
		t.Errorf("MapOrRebase(unaligned) got err %v, want %v", err, kerr.Invalid)
	}
}

func TestMapReplaceExactCover(t *testing.T) {
	as, arena := testAddressSpace(t, 16)
	mapAnon(t, as, testBase, 2, rw)
	faultRange(t, as, testBase, 2)
	pokeByte(t, arena, as, testBase, 0x41)

	u := NewAnonUnit(testBase, 2, rw)
	if err := as.MapReplace(u); err != nil {
		t.Fatalf("MapReplace got err %v want nil", err)
	}
	if got, want := len(as.units), 1; got != want {
		t.Fatalf("unit count: got %d, want %d", got, want)
	}
	if as.units[0] != u {
		t.Errorf("surviving unit is not the replacement")
	}
	if got, want := arena.AllocatedPages(), uint64(0); got != want {
		t.Errorf("AllocatedPages after replace: got %d, want %d (old frames freed)", got, want)
	}
	// The old unit's content is gone; a fresh fault reads zeroes.
	faultRange(t, as, testBase, 1)
	if got := peekByte(t, arena, as, testBase); got != 0 {
		t.Errorf("replacement page: got %#x, want zero fill", got)
	}
}

func TestMapReplaceShrinksTopEdge(t *testing.T) {
	as, arena := testAddressSpace(t, 16)
	old := mapAnon(t, as, testBase, 4, rw)
	faultRange(t, as, testBase, 4)
	keepPA := mustTranslate(t, as, pageAt(testBase, 0))

	// Covering the top two pages shrinks the old unit from above.
	if err := as.MapReplace(NewAnonUnit(pageAt(testBase, 2), 4, rw)); err != nil {
		t.Fatalf("MapReplace got err %v want nil", err)
	}
	if got, want := old.Pages(), uint64(2); got != want {
		t.Errorf("old unit pages: got %d, want %d", got, want)
	}
	if got, want := old.Base(), testBase; got != want {
		t.Errorf("old unit base: got %#x, want %#x", uint64(got), uint64(want))
	}
	if got := mustTranslate(t, as, testBase); got != keepPA {
		t.Errorf("surviving page moved: got %#x, want %#x", uint64(got), uint64(keepPA))
	}
	if got, want := arena.AllocatedPages(), uint64(2); got != want {
		t.Errorf("AllocatedPages: got %d, want %d (two pages displaced)", got, want)
	}
}

func TestMapReplaceShrinksBottomEdge(t *testing.T) {
	as, arena := testAddressSpace(t, 16)
	old := mapAnon(t, as, pageAt(testBase, 2), 4, rw)
	faultRange(t, as, pageAt(testBase, 2), 4)
	keepPA := mustTranslate(t, as, pageAt(testBase, 4))
	pokeByte(t, arena, as, pageAt(testBase, 4), 0x5A)

	// Covering the bottom two pages raises the old unit's base.
	if err := as.MapReplace(NewAnonUnit(testBase, 4, rw)); err != nil {
		t.Fatalf("MapReplace got err %v want nil", err)
	}
	if got, want := old.Base(), pageAt(testBase, 4); got != want {
		t.Errorf("old unit base: got %#x, want %#x", uint64(got), uint64(want))
	}
	if got, want := old.Pages(), uint64(2); got != want {
		t.Errorf("old unit pages: got %d, want %d", got, want)
	}
	if got := mustTranslate(t, as, pageAt(testBase, 4)); got != keepPA {
		t.Errorf("surviving page moved: got %#x, want %#x", uint64(got), uint64(keepPA))
	}
	if got := peekByte(t, arena, as, pageAt(testBase, 4)); got != 0x5A {
		t.Errorf("surviving page content: got %#x, want 0x5a", got)
	}
	if got, want := arena.AllocatedPages(), uint64(2); got != want {
		t.Errorf("AllocatedPages: got %d, want %d", got, want)
	}
}

func TestMapReplaceDividesAroundInterior(t *testing.T) {
	as, arena := testAddressSpace(t, 16)
	mapAnon(t, as, testBase, 3, rw)
	faultRange(t, as, testBase, 3)
	pokeByte(t, arena, as, pageAt(testBase, 0), 'a')
	pokeByte(t, arena, as, pageAt(testBase, 1), 'b')
	pokeByte(t, arena, as, pageAt(testBase, 2), 'c')
	loPA := mustTranslate(t, as, pageAt(testBase, 0))
	hiPA := mustTranslate(t, as, pageAt(testBase, 2))

	// Replacing the middle page divides the old unit around it and
	// releases exactly the displaced frame.
	if err := as.MapReplace(NewAnonUnit(pageAt(testBase, 1), 1, rw)); err != nil {
		t.Fatalf("MapReplace got err %v want nil", err)
	}
	if got, want := len(as.units), 3; got != want {
		t.Fatalf("unit count: got %d, want %d", got, want)
	}
	if got, want := arena.AllocatedPages(), uint64(2); got != want {
		t.Errorf("AllocatedPages after divide: got %d, want %d", got, want)
	}
	if got := mustTranslate(t, as, pageAt(testBase, 0)); got != loPA {
		t.Errorf("low survivor moved: got %#x, want %#x", uint64(got), uint64(loPA))
	}
	if got := mustTranslate(t, as, pageAt(testBase, 2)); got != hiPA {
		t.Errorf("high survivor moved: got %#x, want %#x", uint64(got), uint64(hiPA))
	}
	if got := peekByte(t, arena, as, pageAt(testBase, 0)); got != 'a' {
		t.Errorf("low survivor content: got %q, want %q", got, byte('a'))
	}
	if got := peekByte(t, arena, as, pageAt(testBase, 2)); got != 'c' {
		t.Errorf("high survivor content: got %q, want %q", got, byte('c'))
	}

	// Faulting the replacement reads fresh zero-fill, and the three
	// one-page extents hold one run each.
	faultRange(t, as, pageAt(testBase, 1), 1)
	if got := peekByte(t, arena, as, pageAt(testBase, 1)); got != 0 {
		t.Errorf("replacement content: got %#x, want zero fill", got)
	}
	var runs int
	for _, u := range as.units {
		runs += len(u.runs)
	}
	if got, want := runs, 3; got != want {
		t.Errorf("total runs: got %d, want %d", got, want)
	}
}

func TestMapRegion(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	mapAnon(t, as, testBase, 2, rw)

	u, err := as.MapRegion(pageAt(testBase, 1), 2, memmap.Exec|memmap.User)
	if err != nil {
		t.Fatalf("MapRegion got err %v want nil", err)
	}
	if got, want := u.Range(), (mem.AddrRange{Start: pageAt(testBase, 1), End: pageAt(testBase, 3)}); got != want {
		t.Errorf("region range: got %s, want %s", got, want)
	}
	// The overlapped edge of the old unit was displaced.
	if got, want := as.units[0].Pages(), uint64(1); got != want {
		t.Errorf("old unit pages: got %d, want %d", got, want)
	}
}

func TestUnmapByUnit(t *testing.T) {
	as, arena := testAddressSpace(t, 16)
	u := mapAnon(t, as, testBase, 2, rw)
	faultRange(t, as, testBase, 2)

	if err := as.Unmap(u); err != nil {
		t.Fatalf("Unmap got err %v want nil", err)
	}
	if _, ok := as.Translate(testBase); ok {
		t.Errorf("Translate found a page after Unmap")
	}
	if got, want := arena.AllocatedPages(), uint64(0); got != want {
		t.Errorf("AllocatedPages after Unmap: got %d, want %d", got, want)
	}
	if err := as.Unmap(u); !kerr.Equals(kerr.NoEnt, err) {
		t.Errorf("second Unmap: got err %v, want %v", err, kerr.NoEnt)
	}
	if err := as.Unmap(NewAnonUnit(testBase, 2, rw)); !kerr.Equals(kerr.NoEnt, err) {
		t.Errorf("Unmap of a never-mapped unit: got err %v, want %v", err, kerr.NoEnt)
	}
}

func TestUnmapRangePunchesHole(t *testing.T) {
	as, arena := testAddressSpace(t, 16)
	mapAnon(t, as, testBase, 4, rw)
	faultRange(t, as, testBase, 4)
	loPA := mustTranslate(t, as, pageAt(testBase, 0))
	hiPA := mustTranslate(t, as, pageAt(testBase, 3))

	if err := as.UnmapRange(pageAt(testBase, 1), 2); err != nil {
		t.Fatalf("UnmapRange got err %v want nil", err)
	}
	if got, want := len(as.units), 2; got != want {
		t.Fatalf("unit count: got %d, want %d", got, want)
	}
	for _, i := range []uint64{1, 2} {
		if _, ok := as.Translate(pageAt(testBase, i)); ok {
			t.Errorf("Translate(page %d) found a page inside the hole", i)
		}
	}
	if got := mustTranslate(t, as, pageAt(testBase, 0)); got != loPA {
		t.Errorf("low survivor moved: got %#x, want %#x", uint64(got), uint64(loPA))
	}
	if got := mustTranslate(t, as, pageAt(testBase, 3)); got != hiPA {
		t.Errorf("high survivor moved: got %#x, want %#x", uint64(got), uint64(hiPA))
	}
	if got, want := arena.AllocatedPages(), uint64(2); got != want {
		t.Errorf("AllocatedPages: got %d, want %d", got, want)
	}
}

func TestUnmapRangeAcrossUnits(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	u1 := mapAnon(t, as, testBase, 2, rw)
	u2 := mapAnon(t, as, pageAt(testBase, 2), 2, rw)
	faultRange(t, as, testBase, 4)
	loPA := mustTranslate(t, as, pageAt(testBase, 0))
	hiPA := mustTranslate(t, as, pageAt(testBase, 3))

	// The range covers u1's top page and u2's bottom page.
	if err := as.UnmapRange(pageAt(testBase, 1), 2); err != nil {
		t.Fatalf("UnmapRange got err %v want nil", err)
	}
	if got, want := u1.Pages(), uint64(1); got != want {
		t.Errorf("u1 pages: got %d, want %d", got, want)
	}
	if got, want := u2.Base(), pageAt(testBase, 3); got != want {
		t.Errorf("u2 base: got %#x, want %#x", uint64(got), uint64(want))
	}
	if got, want := u2.Pages(), uint64(1); got != want {
		t.Errorf("u2 pages: got %d, want %d", got, want)
	}
	if got := mustTranslate(t, as, pageAt(testBase, 0)); got != loPA {
		t.Errorf("u1 survivor moved: got %#x, want %#x", uint64(got), uint64(loPA))
	}
	if got := mustTranslate(t, as, pageAt(testBase, 3)); got != hiPA {
		t.Errorf("u2 survivor moved: got %#x, want %#x", uint64(got), uint64(hiPA))
	}
}

func TestUnmapRangeToleratesGaps(t *testing.T) {
	as, arena := testAddressSpace(t, 16)
	mapAnon(t, as, testBase, 1, rw)
	mapAnon(t, as, pageAt(testBase, 4), 1, rw)
	faultRange(t, as, testBase, 1)
	faultRange(t, as, pageAt(testBase, 4), 1)

	if err := as.UnmapRange(testBase, 5); err != nil {
		t.Fatalf("UnmapRange across a gap got err %v want nil", err)
	}
	if got, want := len(as.units), 0; got != want {
		t.Errorf("unit count: got %d, want %d", got, want)
	}
	if got, want := arena.AllocatedPages(), uint64(0); got != want {
		t.Errorf("AllocatedPages: got %d, want %d", got, want)
	}

	// A range with nothing under it at all is not an error.
	if err := as.UnmapRange(testBase, 5); err != nil {
		t.Errorf("UnmapRange of empty space got err %v want nil", err)
	}
}

func TestUnmapRangeValidation(t *testing.T) {
	as, _ := testAddressSpace(t, 16)
	if err := as.UnmapRange(testBase+1, 1); !kerr.Equals(kerr.Invalid, err) {
		t.Errorf("UnmapRange(unaligned) got err %v, want %v", err, kerr.Invalid)
	}
	if err := as.UnmapRange(testBase, 0); !kerr.Equals(kerr.Invalid, err) {
		t.Errorf("UnmapRange(zero pages) got err %v, want %v", err, kerr.Invalid)
	}
}
