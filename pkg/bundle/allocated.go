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

	"aster.dev/aster/pkg/frame"
	"aster.dev/aster/pkg/memarch"
)

// Allocated is anonymous memory: a growable ordered sequence of physical
// chunks, one per fixed-size slice of the bundle, allocated lazily on first
// fetch.
type Allocated struct {
	mu sync.Mutex

	f frame.Allocator

	// chunks[i] is the physical base of chunk i, or memarch.NoPhys if the
	// chunk has not been allocated yet.
	chunks     []memarch.PhysAddr
	chunkSize  uint64
	chunkAlign uint64
	length     uint64
}

// NewAllocated returns an Allocated bundle of the given length. chunkSize
// and chunkAlign default to one page; length must be a multiple of
// chunkSize.
func NewAllocated(f frame.Allocator, length, chunkSize, chunkAlign uint64) *Allocated {
	if chunkSize == 0 {
		chunkSize = memarch.PageSize
	}
	if chunkAlign == 0 {
		chunkAlign = memarch.PageSize
	}
	if length == 0 || length%chunkSize != 0 {
		panic(fmt.Sprintf("bundle: allocated length %#x not a multiple of chunk size %#x", length, chunkSize))
	}
	a := &Allocated{
		f:          f,
		chunks:     make([]memarch.PhysAddr, length/chunkSize),
		chunkSize:  chunkSize,
		chunkAlign: chunkAlign,
		length:     length,
	}
	for i := range a.chunks {
		a.chunks[i] = memarch.NoPhys
	}
	return a
}

// Tag implements Memory.Tag.
func (a *Allocated) Tag() Tag {
	return TagAllocated
}

// Length implements Memory.Length.
func (a *Allocated) Length() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.length
}

// Resize grows the bundle to newLength bytes. Shrinking is not supported.
func (a *Allocated) Resize(newLength uint64) {
	if newLength%a.chunkSize != 0 {
		panic(fmt.Sprintf("bundle: resize to %#x not a multiple of chunk size %#x", newLength, a.chunkSize))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if newLength < a.length {
		panic("bundle: allocated bundles do not shrink")
	}
	for uint64(len(a.chunks))*a.chunkSize < newLength {
		a.chunks = append(a.chunks, memarch.NoPhys)
	}
	a.length = newLength
}

// PeekRange implements Bundle.PeekRange.
func (a *Allocated) PeekRange(offset uint64) memarch.PhysAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset >= a.length {
		return memarch.NoPhys
	}
	chunk := a.chunks[offset/a.chunkSize]
	if chunk == memarch.NoPhys {
		return memarch.NoPhys
	}
	return chunk + memarch.PhysAddr(offset%a.chunkSize)
}

// FetchRange implements Bundle.FetchRange. Allocation is non-blocking, so
// fetches always complete synchronously; allocation failure is reported
// through the node's error.
func (a *Allocated) FetchRange(offset uint64, n *FetchNode) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset >= a.length {
		panic(fmt.Sprintf("bundle: allocated fetch at %#x beyond length %#x", offset, a.length))
	}
	i := offset / a.chunkSize
	if a.chunks[i] == memarch.NoPhys {
		chunks, err := a.f.Allocate(1, a.chunkSize, a.chunkAlign)
		if err != nil {
			n.fail(err)
			return true
		}
		a.chunks[i] = chunks[0]
	}
	n.complete(a.chunks[i]+memarch.PhysAddr(offset%a.chunkSize), pageRemainder(offset))
	return true
}

// CopyFromKernel copies src into the bundle at offset, allocating chunks as
// needed.
func (a *Allocated) CopyFromKernel(offset uint64, src []byte) error {
	for len(src) > 0 {
		var n FetchNode
		n.Setup(nil)
		a.FetchRange(offset, &n)
		if err := n.Err(); err != nil {
			return err
		}
		pa, size := n.Range()
		if size > uint64(len(src)) {
			size = uint64(len(src))
		}
		copy(a.f.View(pa, size), src[:size])
		src = src[size:]
		offset += size
	}
	return nil
}

// Release frees all allocated chunks. The bundle must not be used
// afterwards.
func (a *Allocated) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	var live []memarch.PhysAddr
	for i, chunk := range a.chunks {
		if chunk != memarch.NoPhys {
			live = append(live, chunk)
			a.chunks[i] = memarch.NoPhys
		}
	}
	if len(live) > 0 {
		a.f.Free(live)
	}
}
