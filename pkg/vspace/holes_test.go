// Copyright 2024 The Aster Authors.
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

package vspace

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"aster.dev/aster/pkg/memarch"
)

const pg = memarch.PageSize

func collectHoles(t *holeTree) []hole {
	var hs []hole
	t.walk(func(h hole) {
		hs = append(hs, h)
	})
	return hs
}

func TestHoleTreeInsertRemove(t *testing.T) {
	ht := newHoleTree()
	ht.insert(0x1000, 4*pg)
	ht.insert(0x10000, 2*pg)
	ht.insert(0x8000, pg)
	if err := ht.checkInvariants(); err != nil {
		t.Fatalf("after inserts: %v", err)
	}

	want := []hole{
		{0x1000, 4 * pg},
		{0x8000, pg},
		{0x10000, 2 * pg},
	}
	if diff := cmp.Diff(want, collectHoles(&ht), cmp.AllowUnexported(hole{})); diff != "" {
		t.Errorf("holes mismatch (-want +got):\n%s", diff)
	}

	ht.remove(0x8000)
	if err := ht.checkInvariants(); err != nil {
		t.Fatalf("after remove: %v", err)
	}
	if _, ok := ht.containing(0x8000); ok {
		t.Errorf("containing(0x8000) found a removed hole")
	}
	if h, ok := ht.containing(0x2000); !ok || h.addr != 0x1000 {
		t.Errorf("containing(0x2000) got (%+v, %t), want hole at 0x1000", h, ok)
	}
}

func TestHoleTreeFindFit(t *testing.T) {
	ht := newHoleTree()
	ht.insert(0x1000, pg)
	ht.insert(0x10000, 8*pg)
	ht.insert(0x100000, 2*pg)

	tests := []struct {
		name    string
		length  uint64
		topDown bool
		want    memarch.Addr
		wantOK  bool
	}{
		{"bottom up small", pg, false, 0x1000, true},
		{"bottom up skips small holes", 2 * pg, false, 0x10000, true},
		{"top down small", pg, true, 0x100000, true},
		{"top down skips small holes", 4 * pg, true, 0x10000, true},
		{"too large", 16 * pg, false, 0, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h, ok := ht.findFit(test.length, test.topDown)
			if ok != test.wantOK {
				t.Fatalf("findFit(%#x, %t) ok = %t, want %t", test.length, test.topDown, ok, test.wantOK)
			}
			if ok && h.addr != test.want {
				t.Errorf("findFit(%#x, %t) got hole at %#x, want %#x", test.length, test.topDown, uintptr(h.addr), uintptr(test.want))
			}
		})
	}
}

func TestHoleTreeDoubleInsertPanics(t *testing.T) {
	ht := newHoleTree()
	ht.insert(0x1000, pg)
	defer func() {
		if recover() == nil {
			t.Errorf("double insert did not panic")
		}
	}()
	ht.insert(0x1000, 2*pg)
}

// TestHoleTreeRandomized churns the tree with random carves and frees and
// validates the balance and aggregate invariants after every operation.
func TestHoleTreeRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ht := newHoleTree()
	const spaceLen = 4096 * pg
	ht.insert(0, spaceLen)

	// allocated tracks carved ranges so they can be freed back.
	var allocated []hole
	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			// Carve a random subrange out of a random hole.
			hs := collectHoles(&ht)
			if len(hs) == 0 {
				continue
			}
			h := hs[rng.Intn(len(hs))]
			npages := h.length / pg
			carvePages := uint64(rng.Int63n(int64(npages))) + 1
			carveOff := uint64(rng.Int63n(int64(npages-carvePages+1))) * pg
			addr := h.addr + memarch.Addr(carveOff)
			length := carvePages * pg

			ht.remove(h.addr)
			if h.addr < addr {
				ht.insert(h.addr, uint64(addr-h.addr))
			}
			if end := addr + memarch.Addr(length); end < h.end() {
				ht.insert(end, uint64(h.end()-end))
			}
			allocated = append(allocated, hole{addr, length})
		} else if len(allocated) > 0 {
			// Free a carved range, merging with adjacent holes so the
			// non-adjacency invariant holds.
			j := rng.Intn(len(allocated))
			a := allocated[j]
			allocated = append(allocated[:j], allocated[j+1:]...)

			start, end := a.addr, a.end()
			if start > 0 {
				if h, ok := ht.containing(start - 1); ok {
					ht.remove(h.addr)
					start = h.addr
				}
			}
			if end < spaceLen {
				if h, ok := ht.containing(end); ok {
					ht.remove(h.addr)
					end = h.end()
				}
			}
			ht.insert(start, uint64(end-start))
		}
		if err := ht.checkInvariants(); err != nil {
			t.Fatalf("operation %d: %v", i, err)
		}
	}

	// Free everything; the tree must collapse back to a single hole.
	for _, a := range allocated {
		start, end := a.addr, a.end()
		if start > 0 {
			if h, ok := ht.containing(start - 1); ok {
				ht.remove(h.addr)
				start = h.addr
			}
		}
		if end < spaceLen {
			if h, ok := ht.containing(end); ok {
				ht.remove(h.addr)
				end = h.end()
			}
		}
		ht.insert(start, uint64(end-start))
		if err := ht.checkInvariants(); err != nil {
			t.Fatalf("freeing %+v: %v", a, err)
		}
	}
	want := []hole{{0, spaceLen}}
	if diff := cmp.Diff(want, collectHoles(&ht), cmp.AllowUnexported(hole{})); diff != "" {
		t.Errorf("final holes mismatch (-want +got):\n%s", diff)
	}
}
