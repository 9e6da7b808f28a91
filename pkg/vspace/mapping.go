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
	"aster.dev/aster/pkg/bundle"
	"aster.dev/aster/pkg/memarch"
)

// MappingFlags describe a mapping's fork policy, permissions and paging
// behavior. Exactly one fork policy bit must be set.
type MappingFlags uint32

const (
	// DropAtFork omits the mapping from forked spaces.
	DropAtFork MappingFlags = 1 << 0
	// ShareAtFork aliases the same memory into forked spaces.
	ShareAtFork MappingFlags = 1 << 1
	// CopyOnWriteAtFork gives forked spaces a copy-on-write snapshot and
	// downgrades the original to copy-on-write as well.
	CopyOnWriteAtFork MappingFlags = 1 << 2

	ProtRead    MappingFlags = 1 << 4
	ProtWrite   MappingFlags = 1 << 5
	ProtExecute MappingFlags = 1 << 6

	// DontRequireBacking marks mappings whose memory need not be kept
	// resident by a supplier for the space to be considered complete.
	DontRequireBacking MappingFlags = 1 << 8

	forkPolicyMask = DropAtFork | ShareAtFork | CopyOnWriteAtFork
)

// Perms returns the access allowed through a mapping with these flags.
func (f MappingFlags) Perms() memarch.AccessType {
	return memarch.AccessType{
		Read:    f&ProtRead != 0,
		Write:   f&ProtWrite != 0,
		Execute: f&ProtExecute != 0,
	}
}

func (f MappingFlags) forkPolicy() MappingFlags {
	return f & forkPolicyMask
}

func (f MappingFlags) valid() bool {
	p := f.forkPolicy()
	return p == DropAtFork || p == ShareAtFork || p == CopyOnWriteAtFork
}

// Mapping is a contiguous virtual range bound to memory. Implementations
// are owned by their AddressSpace; all methods except the accessors are
// called with the owner's lock held or from the owner's work queue.
type Mapping interface {
	// Owner returns the space the mapping is installed in.
	Owner() *AddressSpace

	// Range returns the virtual range the mapping covers.
	Range() memarch.AddrRange

	// Flags returns the mapping's flags.
	Flags() MappingFlags

	// ResolveRange resolves a mapping-relative range to the backing
	// bundle, an offset into it, and the length resolvable without
	// crossing a backing discontinuity.
	ResolveRange(offset, size uint64) (bundle.Bundle, uint64, uint64)

	// ShareMapping returns a mapping of the same memory for dest.
	ShareMapping(dest *AddressSpace) Mapping

	// CopyOnWrite returns a copy-on-write snapshot mapping for dest.
	CopyOnWrite(dest *AddressSpace) Mapping

	// Install writes page-table entries for already-resident pages.
	// With downgrade set, entries are installed read-only so that the
	// next write faults.
	Install(downgrade bool)

	// HandleFault resolves a fault inside the mapping, installing a
	// translation for the faulting page. It follows the usual
	// completion contract: true means the node completed synchronously
	// and its callback will not run.
	HandleFault(n *FaultNode) bool

	// splitAt divides the mapping at addr, which must be a page
	// boundary strictly inside its range.
	splitAt(addr memarch.Addr) (Mapping, Mapping)

	// release drops the mapping's references to its backing memory.
	release()
}

type baseMapping struct {
	owner *AddressSpace
	ar    memarch.AddrRange
	flags MappingFlags
}

func (m *baseMapping) Owner() *AddressSpace     { return m.owner }
func (m *baseMapping) Range() memarch.AddrRange { return m.ar }
func (m *baseMapping) Flags() MappingFlags      { return m.flags }

// pageOffset returns the mapping-relative offset of the page containing
// addr.
func (m *baseMapping) pageOffset(addr memarch.Addr) uint64 {
	return uint64(addr.RoundDown() - m.ar.Start)
}

// NormalMapping binds a virtual range directly to a window of a bundle
// view.
type NormalMapping struct {
	baseMapping
	view   *bundle.View
	offset uint64
}

func (m *NormalMapping) ResolveRange(offset, size uint64) (bundle.Bundle, uint64, uint64) {
	return m.view.ResolveRange(m.offset+offset, size)
}

func (m *NormalMapping) ShareMapping(dest *AddressSpace) Mapping {
	return &NormalMapping{
		baseMapping: baseMapping{owner: dest, ar: m.ar, flags: m.flags},
		view:        m.view,
		offset:      m.offset,
	}
}

func (m *NormalMapping) CopyOnWrite(dest *AddressSpace) Mapping {
	chain := bundle.NewCow(dest.cfg.Allocator, m.view, m.offset, m.ar.Length())
	return &CowMapping{
		baseMapping: baseMapping{owner: dest, ar: m.ar, flags: m.flags},
		chain:       chain,
	}
}

func (m *NormalMapping) Install(downgrade bool) {
	at := m.flags.Perms()
	if downgrade {
		at.Write = false
	}
	for off := uint64(0); off < m.ar.Length(); off += memarch.PageSize {
		b, boff, _ := m.ResolveRange(off, memarch.PageSize)
		if pa := b.PeekRange(boff); pa != memarch.NoPhys {
			m.owner.pageSpace.Install(m.ar.Start+memarch.Addr(off), pa, at)
		}
	}
}

func (m *NormalMapping) HandleFault(n *FaultNode) bool {
	off := m.pageOffset(n.address)
	b, boff, _ := m.ResolveRange(off, memarch.PageSize)
	n.mapping = m
	n.install = m.flags.Perms()
	n.fetch.Setup(func(fn *bundle.FetchNode) {
		n.finish()
		n.fire()
	})
	if b.FetchRange(boff, &n.fetch) {
		n.finish()
		return true
	}
	return false
}

func (m *NormalMapping) splitAt(addr memarch.Addr) (Mapping, Mapping) {
	left := &NormalMapping{
		baseMapping: baseMapping{owner: m.owner, ar: memarch.AddrRange{Start: m.ar.Start, End: addr}, flags: m.flags},
		view:        m.view,
		offset:      m.offset,
	}
	right := &NormalMapping{
		baseMapping: baseMapping{owner: m.owner, ar: memarch.AddrRange{Start: addr, End: m.ar.End}, flags: m.flags},
		view:        m.view,
		offset:      m.offset + uint64(addr-m.ar.Start),
	}
	return left, right
}

func (m *NormalMapping) release() {}

// CowMapping binds a virtual range to a copy-on-write chain. Reads resolve
// through the chain's ancestry without copying and install read-only; the
// first write to a page copies it into the chain and upgrades the
// translation.
type CowMapping struct {
	baseMapping
	chain *bundle.Cow

	// chainOffset is the chain offset of the mapping's first page.
	// Nonzero after a split.
	chainOffset uint64
}

func (m *CowMapping) ResolveRange(offset, size uint64) (bundle.Bundle, uint64, uint64) {
	if rem := m.ar.Length() - offset; size > rem {
		size = rem
	}
	if rem := memarch.PageSize - (m.chainOffset+offset)%memarch.PageSize; size > rem {
		size = rem
	}
	return m.chain, m.chainOffset + offset, size
}

func (m *CowMapping) ShareMapping(dest *AddressSpace) Mapping {
	m.chain.IncRef()
	return &CowMapping{
		baseMapping: baseMapping{owner: dest, ar: m.ar, flags: m.flags},
		chain:       m.chain,
		chainOffset: m.chainOffset,
	}
}

func (m *CowMapping) CopyOnWrite(dest *AddressSpace) Mapping {
	chain := bundle.NewCowChain(m.chain, m.chainOffset, m.ar.Length())
	return &CowMapping{
		baseMapping: baseMapping{owner: dest, ar: m.ar, flags: m.flags},
		chain:       chain,
	}
}

// Install maps resident pages read-only regardless of downgrade: writable
// translations are only ever installed by a write fault, after the page
// has been copied into the chain.
func (m *CowMapping) Install(downgrade bool) {
	at := m.flags.Perms()
	at.Write = false
	for off := uint64(0); off < m.ar.Length(); off += memarch.PageSize {
		if pa := m.chain.PeekRange(m.chainOffset + off); pa != memarch.NoPhys {
			m.owner.pageSpace.Install(m.ar.Start+memarch.Addr(off), pa, at)
		}
	}
}

func (m *CowMapping) HandleFault(n *FaultNode) bool {
	off := m.chainOffset + m.pageOffset(n.address)
	n.mapping = m
	n.install = m.flags.Perms()
	n.fetch.Setup(func(fn *bundle.FetchNode) {
		n.finish()
		n.fire()
	})
	if n.access.Write {
		if m.chain.FetchRange(off, &n.fetch) {
			n.finish()
			return true
		}
		return false
	}
	n.install.Write = false
	if m.chain.FetchUnderlying(off, &n.fetch) {
		n.finish()
		return true
	}
	return false
}

func (m *CowMapping) splitAt(addr memarch.Addr) (Mapping, Mapping) {
	m.chain.IncRef()
	left := &CowMapping{
		baseMapping: baseMapping{owner: m.owner, ar: memarch.AddrRange{Start: m.ar.Start, End: addr}, flags: m.flags},
		chain:       m.chain,
		chainOffset: m.chainOffset,
	}
	right := &CowMapping{
		baseMapping: baseMapping{owner: m.owner, ar: memarch.AddrRange{Start: addr, End: m.ar.End}, flags: m.flags},
		chain:       m.chain,
		chainOffset: m.chainOffset + uint64(addr-m.ar.Start),
	}
	return left, right
}

func (m *CowMapping) release() {
	m.chain.DecRef()
}
