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
	"encoding/binary"

	"aster.dev/aster/pkg/kerr"
	"aster.dev/aster/pkg/memarch"
)

// AcquireNode is the caller-owned continuation record for
// ForeignSpaceAccessor.Acquire.
type AcquireNode struct {
	acquired func(*AcquireNode)
	fired    bool

	accessor *ForeignSpaceAccessor
	fault    FaultNode
	progress int
	err      error
}

// Setup prepares n to call acquired if acquisition suspends. It must be
// called before each use of the node.
func (n *AcquireNode) Setup(acquired func(*AcquireNode)) {
	n.acquired = acquired
	n.fired = false
	n.err = nil
}

// Err returns the acquisition error, if any.
func (n *AcquireNode) Err() error {
	return n.err
}

func (n *AcquireNode) fire() {
	if n.fired {
		panic("vspace: acquire continuation fired twice")
	}
	n.fired = true
	n.acquired(n)
}

// ForeignSpaceAccessor reads and writes a range of an address space that
// is not necessarily active, by faulting its pages resident and then
// accessing them through their physical frames. Acquire must complete
// before any access; writes additionally require the accessor to have been
// created with write intent.
//
// The accessor does not pin frames. Every access looks the translation up
// again, so once the range is unmapped (or its pages downgraded) accesses
// fail instead of reaching frames the space no longer owns.
type ForeignSpaceAccessor struct {
	space  *AddressSpace
	addr   memarch.Addr
	length uint64
	access memarch.AccessType

	npages   int
	acquired bool
}

// NewForeignSpaceAccessor returns an accessor for [addr, addr+length) in
// space. at declares the intended accesses.
func NewForeignSpaceAccessor(space *AddressSpace, addr memarch.Addr, length uint64, at memarch.AccessType) *ForeignSpaceAccessor {
	if length == 0 {
		panic("vspace: accessor of empty range")
	}
	first := addr.RoundDown()
	npages := (uint64(addr-first) + length + memarch.PageSize - 1) / memarch.PageSize
	return &ForeignSpaceAccessor{
		space:  space,
		addr:   addr,
		length: length,
		access: at,
		npages: int(npages),
	}
}

// Space returns the accessed space.
func (a *ForeignSpaceAccessor) Space() *AddressSpace {
	return a.space
}

// Length returns the length of the accessed range.
func (a *ForeignSpaceAccessor) Length() uint64 {
	return a.length
}

// Acquire faults every page of the range resident. It returns true if
// acquisition completed synchronously, with the outcome in n; otherwise
// n's continuation fires when the last page is resident. A fault error
// aborts acquisition and is reported through the node.
func (a *ForeignSpaceAccessor) Acquire(n *AcquireNode) bool {
	n.accessor = a
	n.progress = 0
	n.err = nil
	return a.acquireLoop(n)
}

func (a *ForeignSpaceAccessor) acquireLoop(n *AcquireNode) bool {
	first := a.addr.RoundDown()
	for n.progress < a.npages {
		va := first + memarch.Addr(n.progress)*memarch.PageSize
		n.fault.Setup(func(fn *FaultNode) {
			if err := fn.Err(); err != nil {
				n.err = err
				n.fire()
				return
			}
			a.advance(n)
			if a.acquireLoop(n) {
				n.fire()
			}
		})
		if !a.space.HandleFault(va, a.access, &n.fault) {
			return false
		}
		if err := n.fault.Err(); err != nil {
			n.err = err
			return true
		}
		a.advance(n)
	}
	a.acquired = true
	return true
}

func (a *ForeignSpaceAccessor) advance(n *AcquireNode) {
	va := a.addr.RoundDown() + memarch.Addr(n.progress)*memarch.PageSize
	if _, _, ok := a.space.pageSpace.Query(va); !ok {
		panic("vspace: resolved fault left no translation")
	}
	n.progress++
	if n.progress == a.npages {
		a.acquired = true
	}
}

// frameRange returns the physical location of the byte at offset and the
// number of bytes before its page ends. The translation is looked up live:
// if the page has been unmapped since acquisition the access fails, and a
// write fails if the translation is no longer writable.
func (a *ForeignSpaceAccessor) frameRange(offset uint64, write bool) (memarch.PhysAddr, uint64, error) {
	abs := a.addr.PageOffset() + offset
	in := abs % memarch.PageSize
	va := a.addr.RoundDown() + memarch.Addr(abs-in)
	pa, at, ok := a.space.pageSpace.Query(va)
	if !ok {
		return memarch.NoPhys, 0, kerr.ErrUnmappedAccess
	}
	if write && !at.Write {
		return memarch.NoPhys, 0, kerr.ErrProtectionViolation
	}
	return pa + memarch.PhysAddr(in), memarch.PageSize - in, nil
}

func (a *ForeignSpaceAccessor) checkRange(offset uint64, n int) error {
	if !a.acquired {
		return kerr.ErrIllegalArgs
	}
	if uint64(n) > a.length || offset > a.length-uint64(n) {
		return kerr.ErrInvalidRange
	}
	return nil
}

// Load copies len(dst) bytes starting at offset into dst. A failed load
// may have filled a prefix of dst.
func (a *ForeignSpaceAccessor) Load(offset uint64, dst []byte) error {
	if err := a.checkRange(offset, len(dst)); err != nil {
		return err
	}
	for len(dst) > 0 {
		pa, avail, err := a.frameRange(offset, false)
		if err != nil {
			return err
		}
		chunk := uint64(len(dst))
		if chunk > avail {
			chunk = avail
		}
		copy(dst[:chunk], a.space.cfg.Allocator.View(pa, chunk))
		dst = dst[chunk:]
		offset += chunk
	}
	return nil
}

// Write copies src into the range starting at offset. The accessor must
// have been created with write intent. A failed write may have stored a
// prefix of src.
func (a *ForeignSpaceAccessor) Write(offset uint64, src []byte) error {
	if !a.access.Write {
		return kerr.ErrProtectionViolation
	}
	if err := a.checkRange(offset, len(src)); err != nil {
		return err
	}
	for len(src) > 0 {
		pa, avail, err := a.frameRange(offset, true)
		if err != nil {
			return err
		}
		chunk := uint64(len(src))
		if chunk > avail {
			chunk = avail
		}
		copy(a.space.cfg.Allocator.View(pa, chunk), src[:chunk])
		src = src[chunk:]
		offset += chunk
	}
	return nil
}

// LoadUint32 reads a little-endian uint32 at offset.
func (a *ForeignSpaceAccessor) LoadUint32(offset uint64) (uint32, error) {
	var buf [4]byte
	if err := a.Load(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes a little-endian uint32 at offset.
func (a *ForeignSpaceAccessor) WriteUint32(offset uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return a.Write(offset, buf[:])
}

// LoadUint64 reads a little-endian uint64 at offset.
func (a *ForeignSpaceAccessor) LoadUint64(offset uint64) (uint64, error) {
	var buf [8]byte
	if err := a.Load(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian uint64 at offset.
func (a *ForeignSpaceAccessor) WriteUint64(offset uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return a.Write(offset, buf[:])
}
