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

// Package memarch defines the address arithmetic shared by the virtual
// memory subsystem: virtual and physical addresses, page geometry, and
// access types.
package memarch

// Page geometry. The subsystem assumes a single fixed page size.
const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// PageMask masks the offset of an address within a page.
	PageMask = PageSize - 1
)

// Addr represents a virtual address.
type Addr uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic("memarch.Addr.RoundUp wraps")
	}
	return addr
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageOffset returns the offset of v into its containing page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// AddLength returns v + length. ok is true iff adding the length did not wrap
// around.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// ToRange returns [v, v+length). ok is true iff adding the length did not
// wrap around.
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PhysAddr represents a physical address.
type PhysAddr uintptr

// NoPhys is the sentinel value returned by resolution paths when no physical
// page backs the queried offset.
const NoPhys = ^PhysAddr(0)

// PageRoundDown returns the physical address rounded down to the nearest
// page boundary.
func (p PhysAddr) PageRoundDown() PhysAddr {
	return p &^ PageMask
}

// PageOffset returns the offset of p into its containing page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & PageMask)
}
