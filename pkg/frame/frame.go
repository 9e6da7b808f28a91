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

// Package frame provides physical frame allocation for the memory
// subsystem.
//
// The allocator is an explicitly constructed instance injected into the
// subsystem rather than a hidden global, so tests can run against a bounded
// pool and observe exhaustion deterministically.
package frame

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"aster.dev/aster/pkg/kerr"
	"aster.dev/aster/pkg/memarch"
)

// Allocator hands out physical frames in chunks and provides kernel-mapped
// views of their contents.
type Allocator interface {
	// Allocate returns count chunks of chunkSize bytes each, with chunk base
	// addresses aligned to chunkAlign. chunkSize and chunkAlign must be
	// multiples of the page size; zero values default to one page. Returned
	// chunks are zero-filled.
	//
	// If the pool cannot satisfy the request, Allocate returns
	// kerr.ErrOutOfPhysicalMemory and no frames are consumed.
	Allocate(count int, chunkSize, chunkAlign uint64) ([]memarch.PhysAddr, error)

	// Free returns chunks previously returned by Allocate. Each element
	// must be the base address of an allocated chunk.
	Free(chunks []memarch.PhysAddr)

	// View returns the kernel-mapped view of physical memory [pa,
	// pa+length). The slice aliases frame contents directly; it stays valid
	// until the containing chunk is freed.
	View(pa memarch.PhysAddr, length uint64) []byte
}

// Pool is a bounded Allocator backed by a contiguous arena. Physical
// addresses are offsets into the arena.
type Pool struct {
	mu sync.Mutex

	arena []byte

	// used tracks allocation per page.
	used []bool

	// chunkPages maps the base address of each live chunk to its page
	// count, so Free does not need a length argument.
	chunkPages map[memarch.PhysAddr]int

	freePages int
}

// NewPool returns a Pool holding pages physical pages.
func NewPool(pages int) *Pool {
	return &Pool{
		arena:      make([]byte, pages*memarch.PageSize),
		used:       make([]bool, pages),
		chunkPages: make(map[memarch.PhysAddr]int),
		freePages:  pages,
	}
}

// TotalPages returns the size of the pool in pages.
func (p *Pool) TotalPages() int {
	return len(p.used)
}

// FreePages returns the number of unallocated pages.
func (p *Pool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freePages
}

// Allocate implements Allocator.Allocate.
func (p *Pool) Allocate(count int, chunkSize, chunkAlign uint64) ([]memarch.PhysAddr, error) {
	if chunkSize == 0 {
		chunkSize = memarch.PageSize
	}
	if chunkAlign == 0 {
		chunkAlign = memarch.PageSize
	}
	if count <= 0 || chunkSize%memarch.PageSize != 0 || chunkAlign%memarch.PageSize != 0 {
		return nil, kerr.ErrIllegalArgs
	}
	npages := int(chunkSize / memarch.PageSize)
	alignPages := int(chunkAlign / memarch.PageSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	chunks := make([]memarch.PhysAddr, 0, count)
	for i := 0; i < count; i++ {
		base, ok := p.findRunLocked(npages, alignPages)
		if !ok {
			// Roll back partial progress; exhaustion must not leak frames.
			for _, pa := range chunks {
				p.freeChunkLocked(pa)
			}
			logrus.WithFields(logrus.Fields{
				"requested": count,
				"chunkSize": chunkSize,
				"freePages": p.freePages,
			}).Warn("physical frame pool exhausted")
			return nil, kerr.ErrOutOfPhysicalMemory
		}
		for pg := base; pg < base+npages; pg++ {
			p.used[pg] = true
		}
		p.freePages -= npages
		pa := memarch.PhysAddr(base * memarch.PageSize)
		p.chunkPages[pa] = npages
		clear(p.arena[uint64(pa) : uint64(pa)+chunkSize])
		chunks = append(chunks, pa)
	}
	return chunks, nil
}

// findRunLocked finds npages consecutive free pages whose first page index
// is a multiple of alignPages.
func (p *Pool) findRunLocked(npages, alignPages int) (int, bool) {
	for base := 0; base+npages <= len(p.used); base += alignPages {
		run := true
		for pg := base; pg < base+npages; pg++ {
			if p.used[pg] {
				run = false
				break
			}
		}
		if run {
			return base, true
		}
	}
	return 0, false
}

// Free implements Allocator.Free.
func (p *Pool) Free(chunks []memarch.PhysAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pa := range chunks {
		p.freeChunkLocked(pa)
	}
}

func (p *Pool) freeChunkLocked(pa memarch.PhysAddr) {
	npages, ok := p.chunkPages[pa]
	if !ok {
		panic(fmt.Sprintf("frame: free of unallocated chunk %#x", uintptr(pa)))
	}
	delete(p.chunkPages, pa)
	base := int(uint64(pa) / memarch.PageSize)
	for pg := base; pg < base+npages; pg++ {
		if !p.used[pg] {
			panic(fmt.Sprintf("frame: double free of page %d", pg))
		}
		p.used[pg] = false
	}
	p.freePages += npages
}

// View implements Allocator.View.
func (p *Pool) View(pa memarch.PhysAddr, length uint64) []byte {
	end := uint64(pa) + length
	if end < uint64(pa) || end > uint64(len(p.arena)) {
		panic(fmt.Sprintf("frame: view [%#x, %#x) outside arena of %d bytes", uintptr(pa), end, len(p.arena)))
	}
	return p.arena[uint64(pa):end:end]
}
