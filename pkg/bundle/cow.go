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
	"fmt"
	"sync"
	"sync/atomic"

	"aster.dev/aster/pkg/frame"
	"aster.dev/aster/pkg/memarch"
)

// Cow is a private copy-on-write view chained either to a root view or to a
// parent Cow. Pages are shared with the chain until first written, at which
// point the writer copies the source page into its private store.
//
// Chains are acyclic by construction: a Cow only ever points up the chain
// it was created from. Chain depth is unbounded; all chain walks are
// iterative.
type Cow struct {
	mu sync.Mutex

	f frame.Allocator

	// Exactly one of superRoot and superChain is non-nil.
	superRoot   *View
	superChain  *Cow
	superOffset uint64
	length      uint64

	// pages maps page-aligned offsets to private physical page bases,
	// populated lazily by FetchRange.
	pages map[uint64]memarch.PhysAddr

	// copyStore holds the frames behind pages.
	copyStore *Allocated

	// inFlight serializes concurrent first faults per offset: the first
	// faulter claims the offset; later faulters park their nodes here and
	// all observe the same private page.
	inFlight map[uint64][]cowWaiter

	refs int64
}

// cowWaiter is a fetch parked behind an in-flight copy of its page.
type cowWaiter struct {
	offset uint64
	n      *FetchNode
}

// NewCow returns a Cow over [offset, offset+length) of the root view.
func NewCow(f frame.Allocator, root *View, offset, length uint64) *Cow {
	if length == 0 || length%memarch.PageSize != 0 || offset%memarch.PageSize != 0 {
		panic(fmt.Sprintf("bundle: unaligned cow range [%#x, +%#x)", offset, length))
	}
	return &Cow{
		f:           f,
		superRoot:   root,
		superOffset: offset,
		length:      length,
		pages:       make(map[uint64]memarch.PhysAddr),
		copyStore:   NewAllocated(f, length, memarch.PageSize, memarch.PageSize),
		inFlight:    make(map[uint64][]cowWaiter),
		refs:        1,
	}
}

// NewCowChain returns a Cow chained onto parent, viewing [offset,
// offset+length) of it. The parent gains a reference.
func NewCowChain(parent *Cow, offset, length uint64) *Cow {
	if length == 0 || length%memarch.PageSize != 0 || offset%memarch.PageSize != 0 {
		panic(fmt.Sprintf("bundle: unaligned cow chain range [%#x, +%#x)", offset, length))
	}
	parent.IncRef()
	return &Cow{
		f:           parent.f,
		superChain:  parent,
		superOffset: offset,
		length:      length,
		pages:       make(map[uint64]memarch.PhysAddr),
		copyStore:   NewAllocated(parent.f, length, memarch.PageSize, memarch.PageSize),
		inFlight:    make(map[uint64][]cowWaiter),
		refs:        1,
	}
}

// IncRef adds a reference to the chain node.
func (c *Cow) IncRef() {
	if atomic.AddInt64(&c.refs, 1) <= 1 {
		panic("bundle: cow resurrected")
	}
}

// DecRef drops a reference. When the last reference is dropped the private
// store is released and the parent's reference is dropped in turn, so an
// unreferenced tail of the chain unwinds without recursion.
func (c *Cow) DecRef() {
	for c != nil {
		if n := atomic.AddInt64(&c.refs, -1); n > 0 {
			return
		} else if n < 0 {
			panic("bundle: cow over-released")
		}
		c.copyStore.Release()
		parent := c.superChain
		c.superChain = nil
		c.superRoot = nil
		c = parent
	}
}

// Tag implements Memory.Tag.
func (c *Cow) Tag() Tag {
	return TagCow
}

// Length implements Memory.Length.
func (c *Cow) Length() uint64 {
	return c.length
}

// source locates the page backing offset in the chain above c: either a
// private page of an ancestor, or the root bundle and the translated
// offset. The walk is iterative; chain depth does not consume stack.
func (c *Cow) source(offset uint64) (pa memarch.PhysAddr, root Bundle, rootOff uint64) {
	rel := offset
	cur := c
	for {
		rel += cur.superOffset
		parent := cur.superChain
		if parent == nil {
			b, boff, _ := cur.superRoot.ResolveRange(rel, memarch.PageSize)
			return memarch.NoPhys, b, boff
		}
		parent.mu.Lock()
		ppa, ok := parent.pages[rel&^uint64(memarch.PageMask)]
		parent.mu.Unlock()
		if ok {
			return ppa + memarch.PhysAddr(rel%memarch.PageSize), nil, 0
		}
		cur = parent
	}
}

// PeekRange implements Bundle.PeekRange: the private page if one exists,
// else the nearest resident page up the chain.
func (c *Cow) PeekRange(offset uint64) memarch.PhysAddr {
	if offset >= c.length {
		return memarch.NoPhys
	}
	po := offset &^ uint64(memarch.PageMask)
	c.mu.Lock()
	pa, ok := c.pages[po]
	c.mu.Unlock()
	if ok {
		return pa + memarch.PhysAddr(offset-po)
	}
	spa, rootBundle, rootOff := c.source(offset)
	if spa != memarch.NoPhys {
		return spa
	}
	return rootBundle.PeekRange(rootOff)
}

// FetchUnderlying returns the physical page that offset reads through this
// chain node, without copying: the private page if present, else the
// nearest source page, fetched from the root bundle if it is not resident.
// Read faults use this so sibling chains keep sharing unmodified pages.
func (c *Cow) FetchUnderlying(offset uint64, n *FetchNode) bool {
	if offset >= c.length {
		panic(fmt.Sprintf("bundle: cow fetch at %#x beyond length %#x", offset, c.length))
	}
	po := offset &^ uint64(memarch.PageMask)
	c.mu.Lock()
	pa, ok := c.pages[po]
	c.mu.Unlock()
	if ok {
		n.complete(pa+memarch.PhysAddr(offset-po), pageRemainder(offset))
		return true
	}
	spa, rootBundle, rootOff := c.source(offset)
	if spa != memarch.NoPhys {
		n.complete(spa, pageRemainder(offset))
		return true
	}
	return rootBundle.FetchRange(rootOff, n)
}

// FetchRange implements Bundle.FetchRange: it ensures a private copy of the
// page containing offset, copying from the chain source on first fault.
// The copy happens at most once per page; concurrent first faults
// serialize so exactly one copy is performed.
func (c *Cow) FetchRange(offset uint64, n *FetchNode) bool {
	if offset >= c.length {
		panic(fmt.Sprintf("bundle: cow fetch at %#x beyond length %#x", offset, c.length))
	}
	po := offset &^ uint64(memarch.PageMask)

	c.mu.Lock()
	if pa, ok := c.pages[po]; ok {
		c.mu.Unlock()
		n.complete(pa+memarch.PhysAddr(offset-po), pageRemainder(offset))
		return true
	}
	if waiters, ok := c.inFlight[po]; ok {
		c.inFlight[po] = append(waiters, cowWaiter{offset: offset, n: n})
		c.mu.Unlock()
		return false
	}
	c.inFlight[po] = nil
	c.mu.Unlock()

	// We hold the claim for po; no lock is needed for the copy itself.
	var dst FetchNode
	dst.Setup(nil)
	c.copyStore.FetchRange(po, &dst)
	if err := dst.Err(); err != nil {
		c.finishCopy(po, memarch.NoPhys, err, n)
		return true
	}
	dstPA, _ := dst.Range()

	spa, rootBundle, rootOff := c.source(po)
	if spa != memarch.NoPhys {
		copy(c.f.View(dstPA, memarch.PageSize), c.f.View(spa, memarch.PageSize))
		c.finishCopy(po, dstPA, nil, n)
		n.complete(dstPA+memarch.PhysAddr(offset-po), pageRemainder(offset))
		return true
	}

	src := new(FetchNode)
	src.Setup(func(src *FetchNode) {
		if err := src.Err(); err != nil {
			c.finishCopy(po, memarch.NoPhys, err, nil)
			n.fail(err)
			n.fire()
			return
		}
		srcPA, _ := src.Range()
		copy(c.f.View(dstPA, memarch.PageSize), c.f.View(srcPA, memarch.PageSize))
		c.finishCopy(po, dstPA, nil, nil)
		n.complete(dstPA+memarch.PhysAddr(offset-po), pageRemainder(offset))
		n.fire()
	})
	if !rootBundle.FetchRange(rootOff, src) {
		return false
	}
	if err := src.Err(); err != nil {
		c.finishCopy(po, memarch.NoPhys, err, n)
		return true
	}
	srcPA, _ := src.Range()
	copy(c.f.View(dstPA, memarch.PageSize), c.f.View(srcPA, memarch.PageSize))
	c.finishCopy(po, dstPA, nil, n)
	n.complete(dstPA+memarch.PhysAddr(offset-po), pageRemainder(offset))
	return true
}

// finishCopy publishes the copy result for po and completes parked
// waiters. claimant, if non-nil, is the synchronously completing fetch
// whose continuation must not fire; on error its node is failed in place.
func (c *Cow) finishCopy(po uint64, pa memarch.PhysAddr, err error, claimant *FetchNode) {
	c.mu.Lock()
	if err == nil {
		c.pages[po] = pa
	}
	waiters := c.inFlight[po]
	delete(c.inFlight, po)
	c.mu.Unlock()

	if claimant != nil && err != nil {
		claimant.fail(err)
	}
	for _, w := range waiters {
		if err != nil {
			w.n.fail(err)
		} else {
			w.n.complete(pa+memarch.PhysAddr(w.offset-po), pageRemainder(w.offset))
		}
		w.n.fire()
	}
}
