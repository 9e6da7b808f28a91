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
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"aster.dev/aster/pkg/bundle"
	"aster.dev/aster/pkg/frame"
	"aster.dev/aster/pkg/kerr"
	"aster.dev/aster/pkg/memarch"
	"aster.dev/aster/pkg/ptable"
	"aster.dev/aster/pkg/work"
)

const (
	testLo = memarch.Addr(0x10000000)
	testHi = testLo + 256*pg
)

// testEnv bundles the collaborators most tests need: a frame pool, a work
// queue, and a space over [testLo, testHi) whose shootdowns complete
// synchronously.
type testEnv struct {
	pool  *frame.Pool
	queue *work.Queue
	space *AddressSpace
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool := frame.NewPool(512)
	queue := &work.Queue{}
	space := New(Config{
		Allocator: pool,
		Queue:     queue,
		NewPageSpace: func() ptable.Space {
			return ptable.NewClientSpace(nil)
		},
		Lo: testLo,
		Hi: testHi,
	})
	return &testEnv{pool: pool, queue: queue, space: space}
}

// newAnonView returns a view of a fresh lazily-allocated bundle of length
// bytes.
func (e *testEnv) newAnonView(length uint64) *bundle.View {
	return bundle.NewView(bundle.NewAllocated(e.pool, length, 0, 0), 0, length)
}

// checkPartition verifies that holes and mappings exactly tile the space's
// layout.
func checkPartition(t *testing.T, s *AddressSpace) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.holes.checkInvariants(); err != nil {
		t.Fatalf("hole tree: %v", err)
	}

	type piece struct {
		ar      memarch.AddrRange
		mapping bool
	}
	var pieces []piece
	s.holes.walk(func(h hole) {
		pieces = append(pieces, piece{memarch.AddrRange{Start: h.addr, End: h.end()}, false})
	})
	s.mappings.Ascend(func(e mapEntry) bool {
		pieces = append(pieces, piece{e.m.Range(), true})
		return true
	})
	// Sort by start; holes and mappings are each already ordered, so a
	// merge is enough, but a simple insertion sort keeps this obvious.
	for i := 1; i < len(pieces); i++ {
		for j := i; j > 0 && pieces[j].ar.Start < pieces[j-1].ar.Start; j-- {
			pieces[j], pieces[j-1] = pieces[j-1], pieces[j]
		}
	}

	pos := s.Layout().Start
	for _, p := range pieces {
		if p.ar.Start != pos {
			t.Fatalf("partition gap or overlap at %#x: next piece is %v", uintptr(pos), p.ar)
		}
		pos = p.ar.End
	}
	if pos != s.Layout().End {
		t.Fatalf("partition ends at %#x, want %#x", uintptr(pos), uintptr(s.Layout().End))
	}
}

func TestMapFixed(t *testing.T) {
	e := newTestEnv(t)
	addr, err := e.space.Map(MapOpts{
		View:   e.newAnonView(4 * pg),
		Length: 4 * pg,
		Flags:  CopyOnWriteAtFork | ProtRead | ProtWrite,
		Addr:   testLo + 8*pg,
		Fixed:  true,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}
	if want := testLo + 8*pg; addr != want {
		t.Errorf("Map got %#x, want %#x", uintptr(addr), uintptr(want))
	}
	checkPartition(t, e.space)
}

func TestMapFixedUnavailable(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.space.Map(MapOpts{
		View:   e.newAnonView(4 * pg),
		Length: 4 * pg,
		Flags:  ShareAtFork | ProtRead,
		Addr:   testLo + 8*pg,
		Fixed:  true,
	}); err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}

	snapshot := collectHoles(&e.space.holes)
	// Overlapping the tail of the existing mapping must fail without
	// touching the trees.
	if _, err := e.space.Map(MapOpts{
		View:   e.newAnonView(4 * pg),
		Length: 4 * pg,
		Flags:  ShareAtFork | ProtRead,
		Addr:   testLo + 10*pg,
		Fixed:  true,
	}); err != kerr.ErrFixedRangeUnavailable {
		t.Fatalf("overlapping Map got err %v, want %v", err, kerr.ErrFixedRangeUnavailable)
	}
	if diff := cmp.Diff(snapshot, collectHoles(&e.space.holes), cmp.AllowUnexported(hole{})); diff != "" {
		t.Errorf("failed Map changed the hole tree (-want +got):\n%s", diff)
	}
	checkPartition(t, e.space)
}

func TestMapAutoPlacement(t *testing.T) {
	e := newTestEnv(t)
	bottom, err := e.space.Map(MapOpts{
		View:   e.newAnonView(2 * pg),
		Length: 2 * pg,
		Flags:  ShareAtFork | ProtRead,
	})
	if err != nil {
		t.Fatalf("bottom-up Map got err %v, want nil", err)
	}
	if bottom != testLo {
		t.Errorf("bottom-up Map got %#x, want %#x", uintptr(bottom), uintptr(testLo))
	}

	top, err := e.space.Map(MapOpts{
		View:    e.newAnonView(2 * pg),
		Length:  2 * pg,
		Flags:   ShareAtFork | ProtRead,
		TopDown: true,
	})
	if err != nil {
		t.Fatalf("top-down Map got err %v, want nil", err)
	}
	if want := testHi - 2*pg; top != want {
		t.Errorf("top-down Map got %#x, want %#x", uintptr(top), uintptr(want))
	}
	checkPartition(t, e.space)
}

func TestMapNoVirtualSpace(t *testing.T) {
	e := newTestEnv(t)
	length := uint64(testHi - testLo)
	if _, err := e.space.Map(MapOpts{
		View:   e.newAnonView(length),
		Length: length,
		Flags:  DropAtFork | ProtRead,
	}); err != nil {
		t.Fatalf("filling Map got err %v, want nil", err)
	}
	if _, err := e.space.Map(MapOpts{
		View:   e.newAnonView(pg),
		Length: pg,
		Flags:  DropAtFork | ProtRead,
	}); err != kerr.ErrNoVirtualSpace {
		t.Errorf("Map in full space got err %v, want %v", err, kerr.ErrNoVirtualSpace)
	}
}

func TestMapIllegalArgs(t *testing.T) {
	e := newTestEnv(t)
	v := e.newAnonView(4 * pg)
	tests := []struct {
		name string
		opts MapOpts
	}{
		{"nil view", MapOpts{Length: pg, Flags: ShareAtFork}},
		{"zero length", MapOpts{View: v, Flags: ShareAtFork}},
		{"unaligned length", MapOpts{View: v, Length: pg + 1, Flags: ShareAtFork}},
		{"unaligned offset", MapOpts{View: v, Offset: 1, Length: pg, Flags: ShareAtFork}},
		{"no fork policy", MapOpts{View: v, Length: pg}},
		{"two fork policies", MapOpts{View: v, Length: pg, Flags: ShareAtFork | DropAtFork}},
		{"beyond view", MapOpts{View: v, Offset: 2 * pg, Length: 4 * pg, Flags: ShareAtFork}},
		{"unaligned fixed addr", MapOpts{View: v, Length: pg, Flags: ShareAtFork, Fixed: true, Addr: testLo + 1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := e.space.Map(test.opts); err != kerr.ErrIllegalArgs {
				t.Errorf("Map got err %v, want %v", err, kerr.ErrIllegalArgs)
			}
		})
	}
}

func TestFaultUnmapped(t *testing.T) {
	e := newTestEnv(t)
	var n FaultNode
	n.Setup(func(*FaultNode) {
		t.Errorf("continuation fired for a synchronous fault")
	})
	if !e.space.HandleFault(testLo+pg, memarch.Read, &n) {
		t.Fatalf("HandleFault on a hole suspended")
	}
	if err := n.Err(); err != kerr.ErrUnmappedAccess {
		t.Errorf("fault got err %v, want %v", err, kerr.ErrUnmappedAccess)
	}
}

func TestFaultProtectionViolation(t *testing.T) {
	e := newTestEnv(t)
	addr, err := e.space.Map(MapOpts{
		View:   e.newAnonView(pg),
		Length: pg,
		Flags:  ShareAtFork | ProtRead,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}
	var n FaultNode
	n.Setup(func(*FaultNode) {})
	if !e.space.HandleFault(addr, memarch.Write, &n) {
		t.Fatalf("write fault on read-only mapping suspended")
	}
	if err := n.Err(); err != kerr.ErrProtectionViolation {
		t.Errorf("fault got err %v, want %v", err, kerr.ErrProtectionViolation)
	}
}

func TestFaultInstallsTranslation(t *testing.T) {
	e := newTestEnv(t)
	addr, err := e.space.Map(MapOpts{
		View:   e.newAnonView(2 * pg),
		Length: 2 * pg,
		Flags:  ShareAtFork | ProtRead | ProtWrite,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}

	va := addr + pg
	var n FaultNode
	n.Setup(func(*FaultNode) {})
	if !e.space.HandleFault(va, memarch.Write, &n) {
		t.Fatalf("fault on anonymous memory suspended")
	}
	if !n.Resolved() {
		t.Fatalf("fault not resolved: %v", n.Err())
	}
	pa, at, ok := e.space.PageSpace().Query(va)
	if !ok {
		t.Fatalf("no translation installed at %#x", uintptr(va))
	}
	if !at.Write {
		t.Errorf("translation access %v, want writable", at)
	}

	// The frame is real memory: data written through it reads back.
	copy(e.pool.View(pa, pg), []byte("stored through fault"))
	if got := e.pool.View(pa, pg)[:20]; !bytes.Equal(got, []byte("stored through fault")) {
		t.Errorf("frame readback got %q", got)
	}
}

func TestPopulate(t *testing.T) {
	e := newTestEnv(t)
	addr, err := e.space.Map(MapOpts{
		View:     e.newAnonView(4 * pg),
		Length:   4 * pg,
		Flags:    ShareAtFork | ProtRead,
		Populate: true,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}
	for off := uint64(0); off < 4*pg; off += pg {
		if _, _, ok := e.space.PageSpace().Query(addr + memarch.Addr(off)); !ok {
			t.Errorf("page at +%#x not populated", off)
		}
	}
}

func TestUnmapSplitsMapping(t *testing.T) {
	e := newTestEnv(t)
	addr, err := e.space.Map(MapOpts{
		View:   e.newAnonView(4 * pg),
		Length: 4 * pg,
		Flags:  ShareAtFork | ProtRead | ProtWrite,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}

	var n UnmapNode
	n.Setup(func(*UnmapNode) {})
	done, err := e.space.Unmap(addr+pg, 2*pg, &n)
	if err != nil {
		t.Fatalf("Unmap got err %v, want nil", err)
	}
	if !done {
		t.Fatalf("Unmap with synchronous shootdown suspended")
	}
	checkPartition(t, e.space)

	// The outer pages remain mapped, the middle two do not.
	for _, tc := range []struct {
		off    uint64
		mapped bool
	}{
		{0, true}, {pg, false}, {2 * pg, false}, {3 * pg, true},
	} {
		var fn FaultNode
		fn.Setup(func(*FaultNode) {})
		if !e.space.HandleFault(addr+memarch.Addr(tc.off), memarch.Read, &fn) {
			t.Fatalf("fault at +%#x suspended", tc.off)
		}
		if mapped := fn.Err() == nil; mapped != tc.mapped {
			t.Errorf("fault at +%#x got err %v, want mapped=%t", tc.off, fn.Err(), tc.mapped)
		}
	}

	// A split mapping still resolves to the right part of its view.
	e.space.mu.Lock()
	m := e.space.findMappingLocked(addr + 3*pg)
	e.space.mu.Unlock()
	if m == nil {
		t.Fatalf("no mapping at +3 pages after split")
	}
	if _, boff, _ := m.ResolveRange(0, pg); boff != 3*pg {
		t.Errorf("split mapping resolves to view offset %#x, want %#x", boff, uint64(3*pg))
	}
}

func TestUnmapCoalescesHoles(t *testing.T) {
	e := newTestEnv(t)
	// Three adjacent mappings; unmapping them out of order must leave the
	// space as a single hole.
	for i := 0; i < 3; i++ {
		if _, err := e.space.Map(MapOpts{
			View:   e.newAnonView(2 * pg),
			Length: 2 * pg,
			Flags:  ShareAtFork | ProtRead,
			Addr:   testLo + memarch.Addr(i)*2*pg,
			Fixed:  true,
		}); err != nil {
			t.Fatalf("Map %d got err %v, want nil", i, err)
		}
	}

	for _, i := range []int{1, 0, 2} {
		var n UnmapNode
		n.Setup(func(*UnmapNode) {})
		if _, err := e.space.Unmap(testLo+memarch.Addr(i)*2*pg, 2*pg, &n); err != nil {
			t.Fatalf("Unmap %d got err %v, want nil", i, err)
		}
		checkPartition(t, e.space)
	}

	want := []hole{{testLo, uint64(testHi - testLo)}}
	if diff := cmp.Diff(want, collectHoles(&e.space.holes), cmp.AllowUnexported(hole{})); diff != "" {
		t.Errorf("holes after unmapping everything (-want +got):\n%s", diff)
	}
}

// TestUnmapRangeWithGaps unmaps a range that spans mappings and an
// existing hole in one call.
func TestUnmapRangeWithGaps(t *testing.T) {
	e := newTestEnv(t)
	for _, off := range []memarch.Addr{0, 4 * pg} {
		if _, err := e.space.Map(MapOpts{
			View:   e.newAnonView(2 * pg),
			Length: 2 * pg,
			Flags:  ShareAtFork | ProtRead,
			Addr:   testLo + off,
			Fixed:  true,
		}); err != nil {
			t.Fatalf("Map at +%#x got err %v, want nil", uintptr(off), err)
		}
	}

	var n UnmapNode
	n.Setup(func(*UnmapNode) {})
	if _, err := e.space.Unmap(testLo, 6*pg, &n); err != nil {
		t.Fatalf("Unmap got err %v, want nil", err)
	}
	checkPartition(t, e.space)
	want := []hole{{testLo, uint64(testHi - testLo)}}
	if diff := cmp.Diff(want, collectHoles(&e.space.holes), cmp.AllowUnexported(hole{})); diff != "" {
		t.Errorf("holes (-want +got):\n%s", diff)
	}
}

// TestUnmapShootdownOrdering checks that withdrawn translations are
// invisible before the shootdown continuation fires, and that the
// continuation fires only after the queue models the other execution
// contexts' acknowledgment.
func TestUnmapShootdownOrdering(t *testing.T) {
	pool := frame.NewPool(64)
	queue := &work.Queue{}
	space := New(Config{
		Allocator: pool,
		Queue:     queue,
		NewPageSpace: func() ptable.Space {
			return ptable.NewClientSpace(queue)
		},
		Lo: testLo,
		Hi: testHi,
	})
	v := bundle.NewView(bundle.NewAllocated(pool, pg, 0, 0), 0, pg)
	addr, err := space.Map(MapOpts{
		View:   v,
		Length: pg,
		Flags:  ShareAtFork | ProtRead,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}
	var fn FaultNode
	fn.Setup(func(*FaultNode) {})
	if !space.HandleFault(addr, memarch.Read, &fn) || !fn.Resolved() {
		t.Fatalf("fault did not resolve synchronously: %v", fn.Err())
	}

	var fired bool
	var n UnmapNode
	n.Setup(func(un *UnmapNode) {
		fired = true
		if got, want := un.Range(), (memarch.AddrRange{Start: addr, End: addr + pg}); got != want {
			t.Errorf("unmap range got %v, want %v", got, want)
		}
	})
	done, err := space.Unmap(addr, pg, &n)
	if err != nil {
		t.Fatalf("Unmap got err %v, want nil", err)
	}
	if done {
		t.Fatalf("Unmap with queued shootdown completed synchronously")
	}

	// Before the shootdown completes: the translation is already gone and
	// new faults see the hole.
	if _, _, ok := space.PageSpace().Query(addr); ok {
		t.Errorf("translation still visible after Unmap returned")
	}
	fn.Setup(func(*FaultNode) {})
	if !space.HandleFault(addr, memarch.Read, &fn) {
		t.Fatalf("fault on unmapped address suspended")
	}
	if err := fn.Err(); err != kerr.ErrUnmappedAccess {
		t.Errorf("fault after unmap got err %v, want %v", err, kerr.ErrUnmappedAccess)
	}
	if fired {
		t.Fatalf("unmap continuation fired before the queue drained")
	}

	queue.Drain()
	if !fired {
		t.Errorf("unmap continuation did not fire after drain")
	}
}

// TestFaultDemandPaging faults a page backed by a managed space: the fault
// suspends, the supplier is handed the page run, populates it through the
// backing side, completes the load, and only then does the fault finish
// with the supplied contents resident.
func TestFaultDemandPaging(t *testing.T) {
	e := newTestEnv(t)
	ms := bundle.NewManagedSpace(e.pool, e.queue, 4*pg)
	backing := bundle.NewBacking(ms)
	frontal := bundle.NewFrontal(ms)

	var workItem struct {
		offset, length uint64
		handed         bool
	}
	var mn bundle.ManageNode
	mn.Setup(func(mn *bundle.ManageNode) {
		workItem.offset = mn.Offset()
		workItem.length = mn.Length()
		workItem.handed = true
	})
	backing.SubmitManage(&mn)

	addr, err := e.space.Map(MapOpts{
		View:   bundle.NewView(frontal, 0, 4*pg),
		Length: 4 * pg,
		Flags:  ShareAtFork | ProtRead,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}

	va := addr + 2*pg
	var faultDone bool
	var fn FaultNode
	fn.Setup(func(fn *FaultNode) {
		faultDone = true
		if !fn.Resolved() {
			t.Errorf("fault did not resolve: %v", fn.Err())
		}
	})
	if e.space.HandleFault(va, memarch.Read, &fn) {
		t.Fatalf("fault on an unloaded managed page completed synchronously")
	}

	e.queue.Drain()
	if !workItem.handed {
		t.Fatalf("supplier was not handed a page run")
	}
	if workItem.offset != 2*pg || workItem.length != pg {
		t.Fatalf("supplier run [%#x, +%#x), want [%#x, +%#x)", workItem.offset, workItem.length, uint64(2*pg), uint64(pg))
	}
	if faultDone {
		t.Fatalf("fault completed before the load did")
	}

	// Supplier populates the page and completes the load.
	var bf bundle.FetchNode
	bf.Setup(nil)
	if !backing.FetchRange(workItem.offset, &bf) {
		t.Fatalf("backing fetch suspended")
	}
	pa, _ := bf.Range()
	copy(e.pool.View(pa, pg), []byte("supplied on demand"))
	backing.CompleteLoad(workItem.offset, workItem.length)

	e.queue.Drain()
	if !faultDone {
		t.Fatalf("fault did not complete after the load")
	}
	qpa, _, ok := e.space.PageSpace().Query(va)
	if !ok {
		t.Fatalf("no translation installed after demand load")
	}
	if got := e.pool.View(qpa, pg)[:18]; !bytes.Equal(got, []byte("supplied on demand")) {
		t.Errorf("page contents got %q, want %q", got, "supplied on demand")
	}
}

// TestFaultCompletionAfterUnmap unmaps a range while a demand-paged fault
// is still waiting on its load. When the load completes, the fault must
// report the access as unmapped rather than install a translation for what
// is now a hole.
func TestFaultCompletionAfterUnmap(t *testing.T) {
	e := newTestEnv(t)
	ms := bundle.NewManagedSpace(e.pool, e.queue, pg)
	backing := bundle.NewBacking(ms)
	frontal := bundle.NewFrontal(ms)

	var run struct {
		offset, length uint64
		handed         bool
	}
	var mn bundle.ManageNode
	mn.Setup(func(mn *bundle.ManageNode) {
		run.offset = mn.Offset()
		run.length = mn.Length()
		run.handed = true
	})
	backing.SubmitManage(&mn)

	addr, err := e.space.Map(MapOpts{
		View:   bundle.NewView(frontal, 0, pg),
		Length: pg,
		Flags:  ShareAtFork | ProtRead,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}

	var faultDone bool
	var fn FaultNode
	fn.Setup(func(fn *FaultNode) {
		faultDone = true
		if fn.Resolved() {
			t.Errorf("fault resolved into an unmapped range")
		}
		if err := fn.Err(); err != kerr.ErrUnmappedAccess {
			t.Errorf("late fault got err %v, want %v", err, kerr.ErrUnmappedAccess)
		}
	})
	if e.space.HandleFault(addr, memarch.Read, &fn) {
		t.Fatalf("fault on an unloaded managed page completed synchronously")
	}
	e.queue.Drain()
	if !run.handed {
		t.Fatalf("supplier was not handed a page run")
	}

	// Unmap while the load is outstanding.
	var un UnmapNode
	un.Setup(func(*UnmapNode) {})
	if done, err := e.space.Unmap(addr, pg, &un); err != nil || !done {
		t.Fatalf("Unmap got (%t, %v), want synchronous nil", done, err)
	}

	// The supplier completes the load anyway.
	var bf bundle.FetchNode
	bf.Setup(nil)
	if !backing.FetchRange(run.offset, &bf) {
		t.Fatalf("backing fetch suspended")
	}
	backing.CompleteLoad(run.offset, run.length)
	e.queue.Drain()

	if !faultDone {
		t.Fatalf("fault did not complete after the load")
	}
	if _, _, ok := e.space.PageSpace().Query(addr); ok {
		t.Errorf("translation installed for a hole")
	}
	checkPartition(t, e.space)
}

// TestRandomizedPartition churns a space with random maps and unmaps and
// checks the hole and partition invariants after every operation.
func TestRandomizedPartition(t *testing.T) {
	e := newTestEnv(t)
	rng := rand.New(rand.NewSource(2))
	spacePages := uint64(testHi-testLo) / pg

	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			npages := uint64(rng.Int63n(8)) + 1
			opts := MapOpts{
				View:    e.newAnonView(npages * pg),
				Length:  npages * pg,
				Flags:   ShareAtFork | ProtRead,
				TopDown: rng.Intn(2) == 0,
			}
			if rng.Intn(2) == 0 {
				opts.Fixed = true
				opts.Addr = testLo + memarch.Addr(rng.Int63n(int64(spacePages-npages+1)))*pg
			}
			_, err := e.space.Map(opts)
			if err != nil && err != kerr.ErrFixedRangeUnavailable && err != kerr.ErrNoVirtualSpace {
				t.Fatalf("operation %d: Map got err %v", i, err)
			}
		} else {
			npages := uint64(rng.Int63n(16)) + 1
			addr := testLo + memarch.Addr(rng.Int63n(int64(spacePages-npages+1)))*pg
			var n UnmapNode
			n.Setup(func(*UnmapNode) {})
			if _, err := e.space.Unmap(addr, npages*pg, &n); err != nil {
				t.Fatalf("operation %d: Unmap got err %v", i, err)
			}
		}
		checkPartition(t, e.space)
	}
}

// TestConcurrentFaults resolves faults on distinct pages from many
// goroutines at once.
func TestConcurrentFaults(t *testing.T) {
	e := newTestEnv(t)
	const npages = 32
	addr, err := e.space.Map(MapOpts{
		View:   e.newAnonView(npages * pg),
		Length: npages * pg,
		Flags:  ShareAtFork | ProtRead | ProtWrite,
	})
	if err != nil {
		t.Fatalf("Map got err %v, want nil", err)
	}

	var g errgroup.Group
	for i := 0; i < npages; i++ {
		va := addr + memarch.Addr(i)*pg
		g.Go(func() error {
			var n FaultNode
			n.Setup(func(*FaultNode) {})
			if !e.space.HandleFault(va, memarch.Write, &n) {
				t.Errorf("fault at %#x suspended", uintptr(va))
				return nil
			}
			return n.Err()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent faults: %v", err)
	}
	for i := 0; i < npages; i++ {
		if _, _, ok := e.space.PageSpace().Query(addr + memarch.Addr(i)*pg); !ok {
			t.Errorf("page %d has no translation", i)
		}
	}
}
