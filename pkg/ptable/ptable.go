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

// Package ptable abstracts the low-level paging primitives consumed by the
// memory subsystem: installing and withdrawing virtual-to-physical
// translations and querying them. The hardware page-table walker itself is
// outside this subsystem.
package ptable

import (
	"fmt"
	"sync"

	"aster.dev/aster/pkg/memarch"
	"aster.dev/aster/pkg/work"
)

// ShootNode is the caller-owned continuation record for a TLB shootdown.
// Withdraw removes translations immediately; the node completes once every
// execution context that may have cached them has invalidated its TLB.
type ShootNode struct {
	// Range is the withdrawn range, set by Withdraw.
	Range memarch.AddrRange

	shot    func(*ShootNode)
	worklet work.Worklet
	fired   bool
}

// Setup prepares n to call shot on completion. It must be called before the
// node is passed to Withdraw.
func (n *ShootNode) Setup(shot func(*ShootNode)) {
	n.shot = shot
	n.fired = false
}

// complete fires the continuation exactly once.
func (n *ShootNode) complete() {
	if n.fired {
		panic("ptable: shootdown completed twice")
	}
	n.fired = true
	n.shot(n)
}

// Space is a single address space's page-table handle.
type Space interface {
	// Install establishes the translation va -> pa with access at,
	// replacing any existing translation for va. va and pa must be
	// page-aligned.
	Install(va memarch.Addr, pa memarch.PhysAddr, at memarch.AccessType)

	// Withdraw removes all translations in ar and initiates a shootdown.
	// It returns true if the shootdown completed synchronously, in which
	// case the node's continuation does not fire; otherwise the
	// continuation fires once all other execution contexts have
	// invalidated the range.
	//
	// In either case, no new lookup through this Space observes the
	// withdrawn translations after Withdraw returns.
	Withdraw(ar memarch.AddrRange, node *ShootNode) bool

	// Query returns the translation for va, if any.
	Query(va memarch.Addr) (memarch.PhysAddr, memarch.AccessType, bool)

	// Activate makes this Space the active one for the calling execution
	// context.
	Activate()
}

// ClientSpace is an in-kernel simulation of a hardware page table. Shootdown
// latency is modeled by posting completions to a work queue when one is
// configured; otherwise shootdowns complete synchronously, as on a single
// execution context.
type ClientSpace struct {
	mu      sync.Mutex
	entries map[memarch.Addr]clientEntry

	// shootQueue, if non-nil, receives shootdown completions.
	shootQueue *work.Queue
}

type clientEntry struct {
	pa memarch.PhysAddr
	at memarch.AccessType
}

// NewClientSpace returns an empty ClientSpace. If shootQueue is non-nil,
// Withdraw defers its completion to the queue.
func NewClientSpace(shootQueue *work.Queue) *ClientSpace {
	return &ClientSpace{
		entries:    make(map[memarch.Addr]clientEntry),
		shootQueue: shootQueue,
	}
}

// Install implements Space.Install.
func (s *ClientSpace) Install(va memarch.Addr, pa memarch.PhysAddr, at memarch.AccessType) {
	if !va.IsPageAligned() || pa.PageOffset() != 0 {
		panic(fmt.Sprintf("ptable: unaligned translation %#x -> %#x", uintptr(va), uintptr(pa)))
	}
	s.mu.Lock()
	s.entries[va] = clientEntry{pa: pa, at: at}
	s.mu.Unlock()
}

// Withdraw implements Space.Withdraw.
func (s *ClientSpace) Withdraw(ar memarch.AddrRange, node *ShootNode) bool {
	if !ar.IsPageAligned() {
		panic(fmt.Sprintf("ptable: unaligned withdraw %v", ar))
	}
	s.mu.Lock()
	for va := ar.Start; va < ar.End; va += memarch.PageSize {
		delete(s.entries, va)
	}
	s.mu.Unlock()

	node.Range = ar
	if s.shootQueue == nil {
		return true
	}
	node.worklet.Setup(node.complete)
	s.shootQueue.Post(&node.worklet)
	return false
}

// Query implements Space.Query.
func (s *ClientSpace) Query(va memarch.Addr) (memarch.PhysAddr, memarch.AccessType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[va.RoundDown()]
	if !ok {
		return memarch.NoPhys, memarch.NoAccess, false
	}
	return e.pa, e.at, true
}

// Translations returns the number of installed translations.
func (s *ClientSpace) Translations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// active tracks the space most recently activated on this execution
// context.
var (
	activeMu sync.Mutex
	active   Space
)

// Activate implements Space.Activate.
func (s *ClientSpace) Activate() {
	activeMu.Lock()
	active = s
	activeMu.Unlock()
}

// Active returns the most recently activated Space, or nil.
func Active() Space {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active
}
