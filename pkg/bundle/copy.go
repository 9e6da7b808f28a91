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
	"aster.dev/aster/pkg/frame"
)

// CopyNode is the caller-owned continuation record for a bundle copy. A
// copy walks the bundle page by page; it suspends whenever a fetch does.
type CopyNode struct {
	done  func(*CopyNode)
	err   error
	fired bool

	f        frame.Allocator
	b        Bundle
	offset   uint64
	buf      []byte
	read     bool
	progress uint64
	fetch    FetchNode
}

// Err returns the copy error, if any.
func (n *CopyNode) Err() error {
	return n.err
}

func (n *CopyNode) fire() {
	if n.fired {
		panic("bundle: copy continuation fired twice")
	}
	n.fired = true
	n.done(n)
}

// CopyToBundle copies src into b at offset. If it returns true the copy
// completed synchronously; otherwise node's done continuation fires when it
// finishes.
func CopyToBundle(f frame.Allocator, b Bundle, offset uint64, src []byte, node *CopyNode, done func(*CopyNode)) bool {
	*node = CopyNode{done: done, f: f, b: b, offset: offset, buf: src, read: false}
	return node.run()
}

// CopyFromBundle copies from b at offset into dst. Completion follows the
// same convention as CopyToBundle.
func CopyFromBundle(f frame.Allocator, b Bundle, offset uint64, dst []byte, node *CopyNode, done func(*CopyNode)) bool {
	*node = CopyNode{done: done, f: f, b: b, offset: offset, buf: dst, read: true}
	return node.run()
}

// run advances the copy until it finishes or a fetch suspends. It returns
// true if the copy ran to completion (or error) without suspending.
func (n *CopyNode) run() bool {
	for n.progress < uint64(len(n.buf)) {
		n.fetch.Setup(func(fn *FetchNode) {
			if err := fn.Err(); err != nil {
				n.err = err
				n.fire()
				return
			}
			n.step(fn)
			if n.run() {
				n.fire()
			}
		})
		if !n.b.FetchRange(n.offset+n.progress, &n.fetch) {
			return false
		}
		if err := n.fetch.Err(); err != nil {
			n.err = err
			return true
		}
		n.step(&n.fetch)
	}
	return true
}

// step copies one fetched extent.
func (n *CopyNode) step(fn *FetchNode) {
	pa, size := fn.Range()
	if rest := uint64(len(n.buf)) - n.progress; size > rest {
		size = rest
	}
	view := n.f.View(pa, size)
	if n.read {
		copy(n.buf[n.progress:], view)
	} else {
		copy(view, n.buf[n.progress:])
	}
	n.progress += size
}

// TransferNode is the caller-owned continuation record for a
// bundle-to-bundle transfer.
type TransferNode struct {
	done  func(*TransferNode)
	err   error
	fired bool

	f        frame.Allocator
	dst      Bundle
	dstOff   uint64
	src      Bundle
	srcOff   uint64
	length   uint64
	progress uint64

	srcFetch FetchNode
	dstFetch FetchNode
}

// Err returns the transfer error, if any.
func (n *TransferNode) Err() error {
	return n.err
}

func (n *TransferNode) fire() {
	if n.fired {
		panic("bundle: transfer continuation fired twice")
	}
	n.fired = true
	n.done(n)
}

// Transfer copies length bytes from src at srcOff to dst at dstOff,
// fetching both sides as it goes. Completion follows the same convention as
// CopyToBundle.
func Transfer(f frame.Allocator, dst Bundle, dstOff uint64, src Bundle, srcOff uint64, length uint64, node *TransferNode, done func(*TransferNode)) bool {
	*node = TransferNode{done: done, f: f, dst: dst, dstOff: dstOff, src: src, srcOff: srcOff, length: length}
	return node.run()
}

func (n *TransferNode) run() bool {
	for n.progress < n.length {
		n.srcFetch.Setup(func(fn *FetchNode) {
			if err := fn.Err(); err != nil {
				n.err = err
				n.fire()
				return
			}
			if !n.step(fn) {
				n.fire()
				return
			}
			if n.run() {
				n.fire()
			}
		})
		if !n.src.FetchRange(n.srcOff+n.progress, &n.srcFetch) {
			return false
		}
		if err := n.srcFetch.Err(); err != nil {
			n.err = err
			return true
		}
		if !n.step(&n.srcFetch) {
			return true
		}
	}
	return true
}

// step copies one fetched source extent into the destination. It returns
// false if the transfer failed.
func (n *TransferNode) step(src *FetchNode) bool {
	srcPA, size := src.Range()
	if rest := n.length - n.progress; size > rest {
		size = rest
	}
	// Destination fetches are synchronous for every writable bundle
	// variant; a destination that suspends here is a usage error.
	n.dstFetch.Setup(nil)
	if !n.dst.FetchRange(n.dstOff+n.progress, &n.dstFetch) {
		panic("bundle: transfer destination suspended")
	}
	if err := n.dstFetch.Err(); err != nil {
		n.err = err
		return false
	}
	dstPA, dstSize := n.dstFetch.Range()
	if size > dstSize {
		size = dstSize
	}
	copy(n.f.View(dstPA, size), n.f.View(srcPA, size))
	n.progress += size
	return true
}
