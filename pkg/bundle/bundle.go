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

// Package bundle implements memory bundles, the physical-backing objects
// that mappings resolve to: hardware ranges, lazily allocated anonymous
// memory, demand-paged managed spaces and copy-on-write chains.
//
// Bundles are shared-owned; a bundle may be referenced by mappings in
// multiple address spaces simultaneously. All bundle-private state is
// guarded by the bundle's own lock, never by an address space's.
package bundle

import (
	"aster.dev/aster/pkg/memarch"
	"aster.dev/aster/pkg/work"
)

// Tag identifies the concrete variant of a Memory.
type Tag int

// Memory variants.
const (
	TagHardware Tag = iota
	TagAllocated
	TagBacking
	TagFrontal
	TagCow
)

// FetchNode is the caller-owned continuation record for FetchRange. The
// subsystem holds a reference to the node only until the operation
// completes, and fires the continuation exactly once.
type FetchNode struct {
	fetched func(*FetchNode)
	worklet work.Worklet

	pa   memarch.PhysAddr
	size uint64
	err  error

	fired bool
}

// Setup prepares n to call fetched if the fetch completes asynchronously.
// It must be called before each use of the node.
func (n *FetchNode) Setup(fetched func(*FetchNode)) {
	n.fetched = fetched
	n.fired = false
	n.err = nil
}

// Range returns the fetched physical range. It is valid only after the
// fetch has completed without error.
func (n *FetchNode) Range() (memarch.PhysAddr, uint64) {
	return n.pa, n.size
}

// Err returns the fetch error, if any.
func (n *FetchNode) Err() error {
	return n.err
}

// complete records the fetch result without firing the continuation.
func (n *FetchNode) complete(pa memarch.PhysAddr, size uint64) {
	n.pa = pa
	n.size = size
	n.err = nil
}

// fail records a fetch error without firing the continuation.
func (n *FetchNode) fail(err error) {
	n.err = err
}

// fire invokes the continuation. It must be called at most once per Setup,
// and only on the asynchronous completion path.
func (n *FetchNode) fire() {
	if n.fired {
		panic("bundle: fetch continuation fired twice")
	}
	n.fired = true
	n.fetched(n)
}

// Bundle is the capability set shared by all physical-backing objects.
type Bundle interface {
	// PeekRange optimistically returns the physical address backing
	// offset, or memarch.NoPhys if the offset is not resident. PeekRange
	// has no side effects and never blocks.
	PeekRange(offset uint64) memarch.PhysAddr

	// FetchRange returns the physical memory backing offset, allocating or
	// waiting for population as needed. If it returns true the fetch
	// completed synchronously and the result is in n; otherwise n's
	// continuation fires once the result is available. Either way the
	// result stays valid until the range is evicted.
	FetchRange(offset uint64, n *FetchNode) bool
}

// Memory is a Bundle with a concrete variant tag and a fixed length.
type Memory interface {
	Bundle

	// Tag returns the variant tag.
	Tag() Tag

	// Length returns the bundle length in bytes.
	Length() uint64
}

// pageRemainder returns the number of bytes from offset to the end of its
// page. Fetch results are page-granular: a single fetch never crosses a
// page boundary.
func pageRemainder(offset uint64) uint64 {
	return memarch.PageSize - offset%memarch.PageSize
}
