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

	"github.com/sirupsen/logrus"

	"aster.dev/aster/pkg/frame"
	"aster.dev/aster/pkg/memarch"
	"aster.dev/aster/pkg/work"
)

// LoadState is the demand-paging state of a single page of a ManagedSpace.
type LoadState uint8

// Page states.
const (
	// LoadMissing pages have no content yet.
	LoadMissing LoadState = iota

	// LoadLoading pages have been handed to the external supplier and are
	// being populated.
	LoadLoading

	// LoadLoaded pages are populated and stay resident until eviction.
	LoadLoaded
)

// InitiateNode is the caller-owned continuation record for a demand-load
// request against a managed space. The request completes once every page in
// [Offset, Offset+Length) is loaded.
type InitiateNode struct {
	// Offset and Length describe the requested range. Set by Setup.
	Offset uint64
	Length uint64

	initiated func(*InitiateNode)
	worklet   work.Worklet
	err       error
	fired     bool
}

// Setup prepares n to request [offset, offset+length) and call initiated on
// completion.
func (n *InitiateNode) Setup(offset, length uint64, initiated func(*InitiateNode)) {
	n.Offset = offset
	n.Length = length
	n.initiated = initiated
	n.err = nil
	n.fired = false
}

// Err returns the load error, if any.
func (n *InitiateNode) Err() error {
	return n.err
}

func (n *InitiateNode) fire() {
	if n.fired {
		panic("bundle: initiate continuation fired twice")
	}
	n.fired = true
	n.initiated(n)
}

// ManageNode is the external page supplier's caller-owned handle. The
// supplier submits a node and the node completes once a range needs
// populating; Offset and Length then describe the work item.
type ManageNode struct {
	offset uint64
	length uint64

	managed func(*ManageNode)
	worklet work.Worklet
	err     error
	fired   bool
}

// Setup prepares n to call managed once work is available.
func (n *ManageNode) Setup(managed func(*ManageNode)) {
	n.managed = managed
	n.err = nil
	n.fired = false
}

// Offset returns the start of the range to populate.
func (n *ManageNode) Offset() uint64 { return n.offset }

// Length returns the length of the range to populate.
func (n *ManageNode) Length() uint64 { return n.length }

// Err returns the handshake error, if any.
func (n *ManageNode) Err() error { return n.err }

func (n *ManageNode) fire() {
	if n.fired {
		panic("bundle: manage continuation fired twice")
	}
	n.fired = true
	n.managed(n)
}

// loadRange is a contiguous run of pages awaiting a supplier handle.
type loadRange struct {
	offset uint64
	length uint64
}

// ManagedSpace is the shared state behind a Backing/Frontal pair: the
// per-page load states and the four ordered work queues of the demand
// paging handshake.
type ManagedSpace struct {
	mu sync.Mutex

	f frame.Allocator
	q *work.Queue

	// pages[i] is the physical page backing page i, allocated when the
	// supplier first touches it through the Backing side.
	pages []memarch.PhysAddr
	state []LoadState

	// initiatePending holds demand-load requests whose ranges are not yet
	// fully loaded; initiateCompleted holds them between completion and
	// their continuations running.
	initiatePending   []*InitiateNode
	initiateCompleted []*InitiateNode

	// manageSubmitted holds supplier handles waiting for work;
	// manageCompleted holds handles between being paired with a load range
	// and their continuations running.
	manageSubmitted []*ManageNode
	manageCompleted []*ManageNode

	// loadsPending holds page runs already transitioned to LoadLoading but
	// not yet handed to a supplier handle.
	loadsPending []loadRange

	length uint64
}

// NewManagedSpace returns a ManagedSpace of the given length, with worklet
// completions posted to q. length must be a multiple of the page size.
func NewManagedSpace(f frame.Allocator, q *work.Queue, length uint64) *ManagedSpace {
	if length == 0 || length%memarch.PageSize != 0 {
		panic(fmt.Sprintf("bundle: unaligned managed space length %#x", length))
	}
	if q == nil {
		panic("bundle: managed space requires a work queue")
	}
	npages := length / memarch.PageSize
	ms := &ManagedSpace{
		f:      f,
		q:      q,
		pages:  make([]memarch.PhysAddr, npages),
		state:  make([]LoadState, npages),
		length: length,
	}
	for i := range ms.pages {
		ms.pages[i] = memarch.NoPhys
	}
	return ms
}

// Length returns the length of the managed space in bytes.
func (ms *ManagedSpace) Length() uint64 {
	return ms.length
}

// SubmitInitiateLoad queues a demand-load request and progresses the load
// state machine. The node completes, through the work queue, once the whole
// requested range is loaded.
func (ms *ManagedSpace) SubmitInitiateLoad(n *InitiateNode) {
	ms.checkRange(n.Offset, n.Length)
	ms.mu.Lock()
	ms.initiatePending = append(ms.initiatePending, n)
	ms.progressLoadsLocked()
	ms.mu.Unlock()
}

// SubmitManage queues a supplier handle. The handle completes once a page
// run needs populating.
func (ms *ManagedSpace) SubmitManage(n *ManageNode) {
	ms.mu.Lock()
	ms.manageSubmitted = append(ms.manageSubmitted, n)
	ms.progressLoadsLocked()
	ms.mu.Unlock()
}

// ProgressLoads moves eligible pending requests into the loading state and
// pairs loading runs with waiting supplier handles.
func (ms *ManagedSpace) ProgressLoads() {
	ms.mu.Lock()
	ms.progressLoadsLocked()
	ms.mu.Unlock()
}

// progressLoadsLocked advances the state machine: Missing pages wanted by a
// pending request become Loading and are queued as supplier work; queued
// runs are handed to waiting supplier handles; requests whose whole range
// is already loaded complete.
func (ms *ManagedSpace) progressLoadsLocked() {
	for _, n := range ms.initiatePending {
		first := n.Offset / memarch.PageSize
		last := (n.Offset + n.Length + memarch.PageSize - 1) / memarch.PageSize
		var run loadRange
		for pg := first; pg < last; pg++ {
			if ms.state[pg] != LoadMissing {
				if run.length > 0 {
					ms.loadsPending = append(ms.loadsPending, run)
					run = loadRange{}
				}
				continue
			}
			ms.state[pg] = LoadLoading
			if run.length == 0 {
				run.offset = pg * memarch.PageSize
			}
			run.length += memarch.PageSize
		}
		if run.length > 0 {
			ms.loadsPending = append(ms.loadsPending, run)
		}
	}

	for len(ms.loadsPending) > 0 && len(ms.manageSubmitted) > 0 {
		r := ms.loadsPending[0]
		ms.loadsPending = ms.loadsPending[1:]
		h := ms.manageSubmitted[0]
		ms.manageSubmitted = ms.manageSubmitted[1:]

		h.offset = r.offset
		h.length = r.length
		ms.manageCompleted = append(ms.manageCompleted, h)
		logrus.WithFields(logrus.Fields{
			"offset": r.offset,
			"length": r.length,
		}).Debug("handing page run to supplier")
		ms.postLocked(&h.worklet, h.fire)
	}

	ms.completeInitiatesLocked()
}

// CompleteLoad transitions pages in [offset, offset+length) to loaded and
// completes any request whose entire range is now loaded. The supplier must
// have populated the pages' contents via the Backing side first.
func (ms *ManagedSpace) CompleteLoad(offset, length uint64) {
	ms.checkRange(offset, length)
	if offset%memarch.PageSize != 0 || length%memarch.PageSize != 0 {
		panic(fmt.Sprintf("bundle: unaligned load completion [%#x, +%#x)", offset, length))
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for pg := offset / memarch.PageSize; pg < (offset+length)/memarch.PageSize; pg++ {
		if ms.state[pg] == LoadLoaded {
			panic(fmt.Sprintf("bundle: page %d load completed twice", pg))
		}
		// An unsolicited completion (Missing, never requested) is allowed:
		// the supplier may populate ahead of demand.
		if ms.pages[pg] == memarch.NoPhys {
			ms.allocatePageLocked(pg)
		}
		ms.state[pg] = LoadLoaded
	}
	ms.completeInitiatesLocked()
}

// completeInitiatesLocked moves fully loaded requests from the pending to
// the completed queue and posts their continuations.
func (ms *ManagedSpace) completeInitiatesLocked() {
	var stillPending []*InitiateNode
	for _, n := range ms.initiatePending {
		if !ms.isCompleteLocked(n) {
			stillPending = append(stillPending, n)
			continue
		}
		ms.initiateCompleted = append(ms.initiateCompleted, n)
		ms.postLocked(&n.worklet, func() {
			ms.retireInitiate(n)
			n.fire()
		})
	}
	ms.initiatePending = stillPending
}

// retireInitiate removes n from the completed queue once its continuation
// runs.
func (ms *ManagedSpace) retireInitiate(n *InitiateNode) {
	ms.mu.Lock()
	for i, c := range ms.initiateCompleted {
		if c == n {
			ms.initiateCompleted = append(ms.initiateCompleted[:i], ms.initiateCompleted[i+1:]...)
			break
		}
	}
	ms.mu.Unlock()
}

// IsComplete returns true if every page in n's range is loaded.
func (ms *ManagedSpace) IsComplete(n *InitiateNode) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.isCompleteLocked(n)
}

func (ms *ManagedSpace) isCompleteLocked(n *InitiateNode) bool {
	first := n.Offset / memarch.PageSize
	last := (n.Offset + n.Length + memarch.PageSize - 1) / memarch.PageSize
	for pg := first; pg < last; pg++ {
		if ms.state[pg] != LoadLoaded {
			return false
		}
	}
	return true
}

// postLocked queues fn on the work queue. Continuations never run under
// ms.mu; they run when the queue is drained.
func (ms *ManagedSpace) postLocked(w *work.Worklet, fn func()) {
	w.Setup(fn)
	ms.q.Post(w)
}

func (ms *ManagedSpace) allocatePageLocked(pg uint64) {
	chunks, err := ms.f.Allocate(1, memarch.PageSize, memarch.PageSize)
	if err != nil {
		// Exhaustion during supply is fatal for the managed space; the
		// supplier has nowhere to put page contents.
		panic(fmt.Sprintf("bundle: allocating managed page %d: %v", pg, err))
	}
	ms.pages[pg] = chunks[0]
}

func (ms *ManagedSpace) checkRange(offset, length uint64) {
	if length == 0 || offset+length < offset || offset+length > ms.length {
		panic(fmt.Sprintf("bundle: managed range [%#x, +%#x) outside space of %#x bytes", offset, length, ms.length))
	}
}

// Backing is the write side of a managed space, used by the external page
// supplier to populate page contents and signal completion.
type Backing struct {
	managed *ManagedSpace
}

// NewBacking returns the backing view of ms.
func NewBacking(ms *ManagedSpace) *Backing {
	return &Backing{managed: ms}
}

// Tag implements Memory.Tag.
func (b *Backing) Tag() Tag {
	return TagBacking
}

// Length implements Memory.Length.
func (b *Backing) Length() uint64 {
	return b.managed.Length()
}

// PeekRange implements Bundle.PeekRange.
func (b *Backing) PeekRange(offset uint64) memarch.PhysAddr {
	ms := b.managed
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if offset >= ms.length {
		return memarch.NoPhys
	}
	pa := ms.pages[offset/memarch.PageSize]
	if pa == memarch.NoPhys {
		return memarch.NoPhys
	}
	return pa + memarch.PhysAddr(offset%memarch.PageSize)
}

// FetchRange implements Bundle.FetchRange. The backing side allocates the
// physical page if needed, regardless of load state, so the supplier can
// write contents before completing the load. Fetches always complete
// synchronously.
func (b *Backing) FetchRange(offset uint64, n *FetchNode) bool {
	ms := b.managed
	ms.checkRange(offset, 1)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	pg := offset / memarch.PageSize
	if ms.pages[pg] == memarch.NoPhys {
		ms.allocatePageLocked(pg)
	}
	n.complete(ms.pages[pg]+memarch.PhysAddr(offset%memarch.PageSize), pageRemainder(offset))
	return true
}

// SubmitManage exposes ManagedSpace.SubmitManage on the supplier's handle.
func (b *Backing) SubmitManage(n *ManageNode) {
	b.managed.SubmitManage(n)
}

// CompleteLoad exposes ManagedSpace.CompleteLoad on the supplier's handle.
func (b *Backing) CompleteLoad(offset, length uint64) {
	b.managed.CompleteLoad(offset, length)
}

// Frontal is the consumer side of a managed space. Fetches against pages
// that are not yet loaded suspend until the supplier completes them.
type Frontal struct {
	managed *ManagedSpace
}

// NewFrontal returns the frontal view of ms.
func NewFrontal(ms *ManagedSpace) *Frontal {
	return &Frontal{managed: ms}
}

// Tag implements Memory.Tag.
func (f *Frontal) Tag() Tag {
	return TagFrontal
}

// Length implements Memory.Length.
func (f *Frontal) Length() uint64 {
	return f.managed.Length()
}

// PeekRange implements Bundle.PeekRange. Only loaded pages are resident.
func (f *Frontal) PeekRange(offset uint64) memarch.PhysAddr {
	ms := f.managed
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if offset >= ms.length {
		return memarch.NoPhys
	}
	pg := offset / memarch.PageSize
	if ms.state[pg] != LoadLoaded {
		return memarch.NoPhys
	}
	return ms.pages[pg] + memarch.PhysAddr(offset%memarch.PageSize)
}

// FetchRange implements Bundle.FetchRange. A fetch against a page that is
// not loaded queues a demand-load request for that page and completes once
// the supplier loads it.
func (f *Frontal) FetchRange(offset uint64, n *FetchNode) bool {
	ms := f.managed
	ms.checkRange(offset, 1)
	pg := offset / memarch.PageSize

	ms.mu.Lock()
	if ms.state[pg] == LoadLoaded {
		n.complete(ms.pages[pg]+memarch.PhysAddr(offset%memarch.PageSize), pageRemainder(offset))
		ms.mu.Unlock()
		return true
	}

	in := new(InitiateNode)
	in.Setup(pg*memarch.PageSize, memarch.PageSize, func(in *InitiateNode) {
		if err := in.Err(); err != nil {
			n.fail(err)
			n.fire()
			return
		}
		ms.mu.Lock()
		pa := ms.pages[pg]
		ms.mu.Unlock()
		n.complete(pa+memarch.PhysAddr(offset%memarch.PageSize), pageRemainder(offset))
		n.fire()
	})
	ms.initiatePending = append(ms.initiatePending, in)
	ms.progressLoadsLocked()
	ms.mu.Unlock()
	return false
}

// SubmitInitiateLoad exposes ManagedSpace.SubmitInitiateLoad on the
// consumer's handle.
func (f *Frontal) SubmitInitiateLoad(n *InitiateNode) {
	f.managed.SubmitInitiateLoad(n)
}
