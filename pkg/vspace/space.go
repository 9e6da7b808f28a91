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

// Package vspace implements virtual address spaces: the partition of each
// space into holes and mappings, fault resolution, unmapping with
// shootdown, and fork.
package vspace

import (
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"aster.dev/aster/pkg/bundle"
	"aster.dev/aster/pkg/frame"
	"aster.dev/aster/pkg/kerr"
	"aster.dev/aster/pkg/memarch"
	"aster.dev/aster/pkg/ptable"
	"aster.dev/aster/pkg/work"
)

// Config carries the collaborators an AddressSpace needs. Forked spaces
// inherit the parent's Config.
type Config struct {
	// Allocator supplies physical frames.
	Allocator frame.Allocator

	// Queue receives asynchronous completions.
	Queue *work.Queue

	// NewPageSpace constructs the page-table handle for a new space.
	NewPageSpace func() ptable.Space

	// Lo and Hi bound the mappable range, [Lo, Hi). Both are
	// page-aligned.
	Lo, Hi memarch.Addr
}

// AddressSpace is a single virtual address space. At every instant its
// range is partitioned exactly into holes and mappings: every address in
// [Lo, Hi) is covered by one hole or one mapping, never both, never
// neither.
type AddressSpace struct {
	cfg       Config
	pageSpace ptable.Space

	mu       sync.Mutex
	holes    holeTree
	mappings *btree.BTreeG[mapEntry]
}

type mapEntry struct {
	start memarch.Addr
	m     Mapping
}

func mapEntryLess(a, b mapEntry) bool {
	return a.start < b.start
}

// New returns an empty AddressSpace over [cfg.Lo, cfg.Hi).
func New(cfg Config) *AddressSpace {
	if cfg.Allocator == nil || cfg.Queue == nil || cfg.NewPageSpace == nil {
		panic("vspace: incomplete config")
	}
	if !cfg.Lo.IsPageAligned() || !cfg.Hi.IsPageAligned() || cfg.Lo >= cfg.Hi {
		panic("vspace: bad address space bounds")
	}
	s := &AddressSpace{
		cfg:       cfg,
		pageSpace: cfg.NewPageSpace(),
		holes:     newHoleTree(),
		mappings:  btree.NewG(8, mapEntryLess),
	}
	s.holes.insert(cfg.Lo, uint64(cfg.Hi-cfg.Lo))
	return s
}

// Layout returns the space's mappable range.
func (s *AddressSpace) Layout() memarch.AddrRange {
	return memarch.AddrRange{Start: s.cfg.Lo, End: s.cfg.Hi}
}

// PageSpace returns the space's page-table handle.
func (s *AddressSpace) PageSpace() ptable.Space {
	return s.pageSpace
}

// Activate makes this space's translations active on the calling execution
// context.
func (s *AddressSpace) Activate() {
	s.pageSpace.Activate()
}

// MapOpts are the arguments to Map.
type MapOpts struct {
	// View is the memory to map. Required.
	View *bundle.View

	// Offset is the page-aligned view offset of the mapping's first
	// byte.
	Offset uint64

	// Length is the page-aligned mapping length. Required.
	Length uint64

	// Flags carry the fork policy and permissions. The fork policy is
	// required.
	Flags MappingFlags

	// Addr is the requested address when Fixed is set, and ignored
	// otherwise.
	Addr memarch.Addr

	// Fixed requires the mapping to be placed exactly at Addr; the
	// range must currently be a hole.
	Fixed bool

	// TopDown places an automatically-positioned mapping at the top of
	// the highest suitable hole instead of the bottom of the lowest.
	TopDown bool

	// CopyOnWrite creates the mapping as a private snapshot of the view
	// rather than a direct mapping of it.
	CopyOnWrite bool

	// Populate eagerly fetches and installs whatever pages can be made
	// resident without waiting. It is best-effort.
	Populate bool
}

// Map inserts a new mapping and returns its address. On error the space is
// unchanged.
func (s *AddressSpace) Map(opts MapOpts) (memarch.Addr, error) {
	switch {
	case opts.View == nil,
		opts.Length == 0,
		opts.Length%memarch.PageSize != 0,
		opts.Offset%memarch.PageSize != 0,
		!opts.Flags.valid():
		return 0, kerr.ErrIllegalArgs
	}
	if opts.Offset+opts.Length > opts.View.Size() {
		return 0, kerr.ErrIllegalArgs
	}

	s.mu.Lock()
	var addr memarch.Addr
	if opts.Fixed {
		if !opts.Addr.IsPageAligned() {
			s.mu.Unlock()
			return 0, kerr.ErrIllegalArgs
		}
		h, ok := s.holes.containing(opts.Addr)
		if !ok || h.end() < opts.Addr+memarch.Addr(opts.Length) {
			s.mu.Unlock()
			return 0, kerr.ErrFixedRangeUnavailable
		}
		addr = opts.Addr
		s.carveLocked(h, addr, opts.Length)
	} else {
		h, ok := s.holes.findFit(opts.Length, opts.TopDown)
		if !ok {
			s.mu.Unlock()
			return 0, kerr.ErrNoVirtualSpace
		}
		if opts.TopDown {
			addr = h.end() - memarch.Addr(opts.Length)
		} else {
			addr = h.addr
		}
		s.carveLocked(h, addr, opts.Length)
	}

	ar := memarch.AddrRange{Start: addr, End: addr + memarch.Addr(opts.Length)}
	var m Mapping = &NormalMapping{
		baseMapping: baseMapping{owner: s, ar: ar, flags: opts.Flags},
		view:        opts.View,
		offset:      opts.Offset,
	}
	if opts.CopyOnWrite {
		snap := m.CopyOnWrite(s)
		m = snap
	}
	s.mappings.ReplaceOrInsert(mapEntry{start: addr, m: m})
	s.mu.Unlock()

	m.Install(false)
	if opts.Populate {
		s.populate(m)
	}
	return addr, nil
}

// carveLocked splits parts of hole h off around [addr, addr+length), which
// h must contain.
func (s *AddressSpace) carveLocked(h hole, addr memarch.Addr, length uint64) {
	s.holes.remove(h.addr)
	if h.addr < addr {
		s.holes.insert(h.addr, uint64(addr-h.addr))
	}
	if end := addr + memarch.Addr(length); end < h.end() {
		s.holes.insert(end, uint64(h.end()-end))
	}
}

// populate pushes every page of m toward residency, discarding outcomes.
// Pages whose fetch suspends are installed when it completes.
func (s *AddressSpace) populate(m Mapping) {
	ar := m.Range()
	for off := uint64(0); off < ar.Length(); off += memarch.PageSize {
		n := new(FaultNode)
		n.address = ar.Start + memarch.Addr(off)
		n.access = memarch.Read
		n.Setup(func(*FaultNode) {})
		m.HandleFault(n)
	}
}

// findMappingLocked returns the mapping containing addr, or nil.
func (s *AddressSpace) findMappingLocked(addr memarch.Addr) Mapping {
	var found Mapping
	s.mappings.DescendLessOrEqual(mapEntry{start: addr}, func(e mapEntry) bool {
		if e.m.Range().Contains(addr) {
			found = e.m
		}
		return false
	})
	return found
}

// UnmapNode is the caller-owned continuation record for Unmap.
type UnmapNode struct {
	unmapped func(*UnmapNode)
	fired    bool

	space *AddressSpace
	rng   memarch.AddrRange
	shoot ptable.ShootNode
}

// Setup prepares n to call unmapped once the range's shootdown completes.
// It must be called before each use of the node.
func (n *UnmapNode) Setup(unmapped func(*UnmapNode)) {
	n.unmapped = unmapped
	n.fired = false
}

// Range returns the unmapped range.
func (n *UnmapNode) Range() memarch.AddrRange {
	return n.rng
}

func (n *UnmapNode) fire() {
	if n.fired {
		panic("vspace: unmap continuation fired twice")
	}
	n.fired = true
	n.unmapped(n)
}

// Unmap removes all mappings in [addr, addr+length), splitting mappings
// that straddle a boundary. The freed range coalesces with neighboring
// holes. Unmap returns true if the shootdown completed synchronously, in
// which case the node's continuation does not fire; otherwise the
// continuation fires when it has. Translations are gone from this space's
// page tables either way before Unmap returns.
func (s *AddressSpace) Unmap(addr memarch.Addr, length uint64, node *UnmapNode) (bool, error) {
	if !addr.IsPageAligned() || length == 0 || length%memarch.PageSize != 0 {
		return false, kerr.ErrIllegalArgs
	}
	ar := memarch.AddrRange{Start: addr, End: addr + memarch.Addr(length)}
	if !s.Layout().IsSupersetOf(ar) {
		return false, kerr.ErrIllegalArgs
	}

	s.mu.Lock()

	// Isolate the unmapped span: split straddling mappings, then drop
	// every mapping inside it.
	var doomed []Mapping
	scanFrom := ar.Start
	s.mappings.DescendLessOrEqual(mapEntry{start: ar.Start}, func(e mapEntry) bool {
		if e.m.Range().End > ar.Start {
			scanFrom = e.start
		}
		return false
	})
	s.mappings.AscendGreaterOrEqual(mapEntry{start: scanFrom}, func(e mapEntry) bool {
		if e.start >= ar.End {
			return false
		}
		if e.m.Range().End > ar.Start {
			doomed = append(doomed, e.m)
		}
		return true
	})
	for _, m := range doomed {
		s.mappings.Delete(mapEntry{start: m.Range().Start})
		if m.Range().Start < ar.Start {
			left, rest := m.splitAt(ar.Start)
			s.mappings.ReplaceOrInsert(mapEntry{start: left.Range().Start, m: left})
			m = rest
		}
		if m.Range().End > ar.End {
			mid, right := m.splitAt(ar.End)
			s.mappings.ReplaceOrInsert(mapEntry{start: right.Range().Start, m: right})
			m = mid
		}
		m.release()
	}

	// Return the span to the hole tree, merging with the predecessor
	// hole, the successor hole, and any holes the span already
	// contained.
	start, end := ar.Start, ar.End
	var stale []memarch.Addr
	if start > s.cfg.Lo {
		if h, ok := s.holes.containing(start - 1); ok {
			stale = append(stale, h.addr)
			start = h.addr
			if h.end() > end {
				end = h.end()
			}
		}
	}
	s.holes.ascendRange(ar.Start, ar.End, func(h hole) {
		stale = append(stale, h.addr)
		if h.end() > end {
			end = h.end()
		}
	})
	for _, a := range stale {
		s.holes.remove(a)
	}
	s.holes.insert(start, uint64(end-start))

	// Withdraw while still holding the lock, so a concurrent fault that
	// has already fetched its page cannot install into the freed span
	// between the tree update and the withdrawal.
	node.space = s
	node.rng = ar
	node.shoot.Setup(func(*ptable.ShootNode) {
		node.fire()
	})
	done := s.pageSpace.Withdraw(ar, &node.shoot)

	s.mu.Unlock()
	return done, nil
}

// FaultNode is the caller-owned continuation record for HandleFault.
type FaultNode struct {
	address memarch.Addr
	access  memarch.AccessType

	handled func(*FaultNode)
	fired   bool

	mapping  Mapping
	install  memarch.AccessType
	fetch    bundle.FetchNode
	resolved bool
	err      error
}

// Setup prepares n to call handled if fault resolution suspends. It must
// be called before each use of the node.
func (n *FaultNode) Setup(handled func(*FaultNode)) {
	n.handled = handled
	n.fired = false
	n.resolved = false
	n.err = nil
}

// Address returns the faulting address.
func (n *FaultNode) Address() memarch.Addr {
	return n.address
}

// Resolved reports whether the fault was resolved and a translation
// installed.
func (n *FaultNode) Resolved() bool {
	return n.resolved
}

// Err returns the fault error, if any.
func (n *FaultNode) Err() error {
	return n.err
}

func (n *FaultNode) fire() {
	if n.fired {
		panic("vspace: fault continuation fired twice")
	}
	n.fired = true
	n.handled(n)
}

// finish installs the fetched page, unless the fault lost a race with an
// unmap, in which case the access is reported as unmapped. The identity
// check and the install happen under the space lock so an unmap cannot
// slip between them and leave a translation behind for a hole.
func (n *FaultNode) finish() {
	if err := n.fetch.Err(); err != nil {
		n.err = err
		return
	}
	s := n.mapping.Owner()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findMappingLocked(n.address) != n.mapping {
		n.err = kerr.ErrUnmappedAccess
		return
	}
	pa, _ := n.fetch.Range()
	s.pageSpace.Install(n.address.RoundDown(), pa, n.install)
	n.resolved = true
}

// HandleFault resolves a fault at addr for an access of type at, making
// the page resident and installing a translation. It returns true if
// resolution completed synchronously, with the outcome in n; otherwise
// n's continuation fires once the page is available. Unmapped addresses
// and insufficient mapping permissions fail synchronously.
func (s *AddressSpace) HandleFault(addr memarch.Addr, at memarch.AccessType, node *FaultNode) bool {
	node.address = addr
	node.access = at
	node.resolved = false
	node.err = nil

	s.mu.Lock()
	m := s.findMappingLocked(addr)
	s.mu.Unlock()
	if m == nil {
		node.err = kerr.ErrUnmappedAccess
		return true
	}
	if !m.Flags().Perms().SupersetOf(at) {
		node.err = kerr.ErrProtectionViolation
		return true
	}
	return m.HandleFault(node)
}

// ForkNode is the caller-owned continuation record for Fork.
type ForkNode struct {
	forked func(*ForkNode)
	fired  bool

	original *AddressSpace
	fork     *AddressSpace
	items    []Mapping
	progress int
	worklet  work.Worklet
}

// Setup prepares n to call forked when the fork completes. It must be
// called before each use of the node.
func (n *ForkNode) Setup(forked func(*ForkNode)) {
	n.forked = forked
	n.fired = false
}

// ForkedSpace returns the new space. It is valid once Fork has been
// called, and fully populated once the continuation has fired.
func (n *ForkNode) ForkedSpace() *AddressSpace {
	return n.fork
}

func (n *ForkNode) fire() {
	if n.fired {
		panic("vspace: fork continuation fired twice")
	}
	n.fired = true
	n.forked(n)
}

// Fork creates a new space whose contents follow each mapping's fork
// policy: dropped, shared, or snapshotted copy-on-write, in which case the
// original mapping is downgraded to copy-on-write as well. The walk runs
// one mapping per worklet on the configured queue; the continuation fires
// when the last mapping has been handled. Fork never completes
// synchronously.
func (s *AddressSpace) Fork(node *ForkNode) bool {
	child := New(s.cfg)
	node.original = s
	node.fork = child
	node.progress = 0
	node.items = node.items[:0]

	s.mu.Lock()
	s.mappings.Ascend(func(e mapEntry) bool {
		node.items = append(node.items, e.m)
		return true
	})
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"mappings": len(node.items),
	}).Debug("forking address space")

	node.worklet.Setup(func() {
		s.forkStep(node)
	})
	s.cfg.Queue.Post(&node.worklet)
	return false
}

func (s *AddressSpace) forkStep(node *ForkNode) {
	if node.progress == len(node.items) {
		node.fire()
		return
	}
	m := node.items[node.progress]
	node.progress++

	switch m.Flags().forkPolicy() {
	case DropAtFork:
		// Nothing to transfer; the range stays a hole in the child.
	case ShareAtFork:
		mc := m.ShareMapping(node.fork)
		node.fork.adopt(mc)
		mc.Install(false)
	case CopyOnWriteAtFork:
		mc := m.CopyOnWrite(node.fork)
		mp := m.CopyOnWrite(s)
		s.mu.Lock()
		cur, ok := s.mappings.Get(mapEntry{start: m.Range().Start})
		if ok && cur.m == m {
			s.mappings.ReplaceOrInsert(mapEntry{start: m.Range().Start, m: mp})
			s.mu.Unlock()
			m.release()
			mp.Install(true)
		} else {
			// The mapping was unmapped or replaced since the
			// snapshot of the walk; the child still gets its copy.
			s.mu.Unlock()
			mp.release()
		}
		node.fork.adopt(mc)
		mc.Install(false)
	}

	node.worklet.Setup(func() {
		s.forkStep(node)
	})
	s.cfg.Queue.Post(&node.worklet)
}

// adopt installs an already-constructed mapping into s, which must have a
// hole covering its range.
func (s *AddressSpace) adopt(m Mapping) {
	ar := m.Range()
	s.mu.Lock()
	h, ok := s.holes.containing(ar.Start)
	if !ok || h.end() < ar.End {
		panic("vspace: adopted range is not free")
	}
	s.carveLocked(h, ar.Start, ar.Length())
	s.mappings.ReplaceOrInsert(mapEntry{start: ar.Start, m: m})
	s.mu.Unlock()
}
