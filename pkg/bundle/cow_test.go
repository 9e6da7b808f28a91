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

package bundle

import (
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"aster.dev/aster/pkg/frame"
	"aster.dev/aster/pkg/memarch"
)

// newCowRoot returns a pool and a view of an Allocated bundle whose pages
// are stamped with their page index.
func newCowRoot(t *testing.T, pool *frame.Pool, npages int) *View {
	t.Helper()
	a := NewAllocated(pool, uint64(npages)*pg, 0, 0)
	for i := 0; i < npages; i++ {
		var n FetchNode
		n.Setup(nil)
		a.FetchRange(uint64(i)*pg, &n)
		if err := n.Err(); err != nil {
			t.Fatalf("populating root page %d: %v", i, err)
		}
		pa, _ := n.Range()
		pool.View(pa, pg)[0] = byte(i + 1)
	}
	return NewView(a, 0, uint64(npages)*pg)
}

func fetchSync(t *testing.T, b Bundle, offset uint64) memarch.PhysAddr {
	t.Helper()
	var n FetchNode
	n.Setup(func(*FetchNode) {
		t.Errorf("continuation fired for a synchronous fetch")
	})
	if !b.FetchRange(offset, &n) {
		t.Fatalf("fetch at %#x suspended", offset)
	}
	if err := n.Err(); err != nil {
		t.Fatalf("fetch at %#x got err %v, want nil", offset, err)
	}
	pa, _ := n.Range()
	return pa
}

func TestCowCopiesOnce(t *testing.T) {
	pool := frame.NewPool(32)
	root := newCowRoot(t, pool, 2)
	c := NewCow(pool, root, 0, 2*pg)

	rootPA := root.Bundle().PeekRange(0)
	first := fetchSync(t, c, 0)
	if first == rootPA {
		t.Fatalf("cow fetch returned the root frame %#x", uintptr(rootPA))
	}
	if got := pool.View(first, 1)[0]; got != 1 {
		t.Errorf("copied page starts with %#x, want root contents 1", got)
	}

	// Writes to the copy do not reach the root, and refetching returns
	// the same copy.
	pool.View(first, 1)[0] = 0x7f
	if got := pool.View(rootPA, 1)[0]; got != 1 {
		t.Errorf("root page changed to %#x after writing the copy", got)
	}
	if second := fetchSync(t, c, 0); second != first {
		t.Errorf("second fetch got %#x, want first copy %#x", uintptr(second), uintptr(first))
	}
}

func TestCowFetchUnderlyingShares(t *testing.T) {
	pool := frame.NewPool(32)
	root := newCowRoot(t, pool, 2)
	c := NewCow(pool, root, 0, 2*pg)

	rootPA := root.Bundle().PeekRange(pg)
	var n FetchNode
	n.Setup(nil)
	if !c.FetchUnderlying(pg, &n) {
		t.Fatalf("FetchUnderlying of a resident root page suspended")
	}
	pa, _ := n.Range()
	if pa != rootPA {
		t.Errorf("FetchUnderlying got %#x, want root frame %#x", uintptr(pa), uintptr(rootPA))
	}

	// After a write fault copies the page, the underlying page is the
	// private copy.
	private := fetchSync(t, c, pg)
	n.Setup(nil)
	c.FetchUnderlying(pg, &n)
	if pa, _ := n.Range(); pa != private {
		t.Errorf("FetchUnderlying after copy got %#x, want private %#x", uintptr(pa), uintptr(private))
	}
}

func TestCowSiblingIsolation(t *testing.T) {
	pool := frame.NewPool(32)
	root := newCowRoot(t, pool, 1)
	left := NewCow(pool, root, 0, pg)
	right := NewCow(pool, root, 0, pg)

	lpa := fetchSync(t, left, 0)
	rpa := fetchSync(t, right, 0)
	if lpa == rpa {
		t.Fatalf("sibling chains share the private frame %#x", uintptr(lpa))
	}
	pool.View(lpa, 1)[0] = 0x10
	pool.View(rpa, 1)[0] = 0x20
	if got := pool.View(lpa, 1)[0]; got != 0x10 {
		t.Errorf("left sees %#x, want 0x10", got)
	}
	rootPA := root.Bundle().PeekRange(0)
	if got := pool.View(rootPA, 1)[0]; got != 1 {
		t.Errorf("root sees %#x after sibling writes, want 1", got)
	}
}

// TestCowChainAncestry builds a three-level chain and checks that reads
// resolve to the nearest ancestor's private page.
func TestCowChainAncestry(t *testing.T) {
	pool := frame.NewPool(32)
	root := newCowRoot(t, pool, 2)
	parent := NewCow(pool, root, 0, 2*pg)

	parentPage := fetchSync(t, parent, 0)
	pool.View(parentPage, 1)[0] = 0x42

	child := NewCowChain(parent, 0, 2*pg)

	// Page 0 reads the parent's private copy; page 1 falls through to the
	// root.
	var n FetchNode
	n.Setup(nil)
	child.FetchUnderlying(0, &n)
	if pa, _ := n.Range(); pa != parentPage {
		t.Errorf("child underlying page 0 got %#x, want parent's %#x", uintptr(pa), uintptr(parentPage))
	}
	n.Setup(nil)
	child.FetchUnderlying(pg, &n)
	if pa, _ := n.Range(); pa != root.Bundle().PeekRange(pg) {
		t.Errorf("child underlying page 1 did not reach the root")
	}

	// A child write copies from the parent's page, not the root.
	childPage := fetchSync(t, child, 0)
	if got := pool.View(childPage, 1)[0]; got != 0x42 {
		t.Errorf("child copy starts with %#x, want parent contents 0x42", got)
	}
}

// TestCowConcurrentFirstFaults races many first writes to one page; all of
// them must observe the same single private copy.
func TestCowConcurrentFirstFaults(t *testing.T) {
	pool := frame.NewPool(64)
	root := newCowRoot(t, pool, 1)
	c := NewCow(pool, root, 0, pg)

	var mu sync.Mutex
	var pas []memarch.PhysAddr
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			fired := make(chan struct{})
			var n FetchNode
			n.Setup(func(*FetchNode) {
				close(fired)
			})
			if !c.FetchRange(16, &n) {
				<-fired
			}
			if err := n.Err(); err != nil {
				return err
			}
			pa, _ := n.Range()
			mu.Lock()
			pas = append(pas, pa)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent faults: %v", err)
	}
	for i, pa := range pas {
		if pa != pas[0] {
			t.Fatalf("fault %d got %#x, others got %#x", i, uintptr(pa), uintptr(pas[0]))
		}
	}
	if used := pool.TotalPages() - pool.FreePages(); used != 2 {
		t.Errorf("pool has %d used pages, want 2 (root + one copy)", used)
	}
}

func TestCowRelease(t *testing.T) {
	pool := frame.NewPool(32)
	root := newCowRoot(t, pool, 2)
	parent := NewCow(pool, root, 0, 2*pg)
	fetchSync(t, parent, 0)
	child := NewCowChain(parent, 0, 2*pg)
	fetchSync(t, child, pg)

	used := pool.TotalPages() - pool.FreePages()
	if used != 4 {
		t.Fatalf("pool has %d used pages, want 4 (two root, two copies)", used)
	}

	// Dropping the parent's handle keeps it alive through the child.
	parent.DecRef()
	if got := pool.TotalPages() - pool.FreePages(); got != 4 {
		t.Errorf("pool has %d used pages after parent DecRef, want 4", got)
	}

	// Dropping the child unwinds the whole chain.
	child.DecRef()
	if got := pool.TotalPages() - pool.FreePages(); got != 2 {
		t.Errorf("pool has %d used pages after chain release, want 2 (root only)", got)
	}
}
