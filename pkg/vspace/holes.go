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
	"fmt"

	"aster.dev/aster/pkg/memarch"
)

// holeTree is an augmented balanced tree of free virtual ranges, ordered by
// address. Each node carries the largest hole length in its subtree, so
// "first hole of at least this size" is a single descent.
//
// Nodes live in an arena and link by index, not pointer. nilHole marks an
// absent child.
//
// Invariants: holes never overlap and never touch; the tree is
// height-balanced; every node's aggregate equals max(own length, child
// aggregates). Corruption of any of these is fatal.
type holeTree struct {
	nodes []holeNode
	root  int32
	free  []int32
}

const nilHole = int32(-1)

type holeNode struct {
	addr   memarch.Addr
	length uint64

	left, right int32
	height      int8

	// largest is the largest hole length in this node's subtree.
	largest uint64
}

// hole is an (address, length) pair reported out of the tree.
type hole struct {
	addr   memarch.Addr
	length uint64
}

func (h hole) end() memarch.Addr {
	return h.addr + memarch.Addr(h.length)
}

func newHoleTree() holeTree {
	return holeTree{root: nilHole}
}

func (t *holeTree) allocNode(addr memarch.Addr, length uint64) int32 {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.nodes[idx] = holeNode{addr: addr, length: length, left: nilHole, right: nilHole, height: 1, largest: length}
		return idx
	}
	t.nodes = append(t.nodes, holeNode{addr: addr, length: length, left: nilHole, right: nilHole, height: 1, largest: length})
	return int32(len(t.nodes) - 1)
}

func (t *holeTree) releaseNode(idx int32) {
	t.nodes[idx] = holeNode{left: nilHole, right: nilHole}
	t.free = append(t.free, idx)
}

func (t *holeTree) height(idx int32) int8 {
	if idx == nilHole {
		return 0
	}
	return t.nodes[idx].height
}

func (t *holeTree) largest(idx int32) uint64 {
	if idx == nilHole {
		return 0
	}
	return t.nodes[idx].largest
}

// update recomputes the height and aggregate of idx from its children.
func (t *holeTree) update(idx int32) {
	n := &t.nodes[idx]
	n.height = 1
	if lh := t.height(n.left); lh >= n.height {
		n.height = lh + 1
	}
	if rh := t.height(n.right); rh >= n.height {
		n.height = rh + 1
	}
	n.largest = n.length
	if la := t.largest(n.left); la > n.largest {
		n.largest = la
	}
	if ra := t.largest(n.right); ra > n.largest {
		n.largest = ra
	}
}

func (t *holeTree) rotateLeft(idx int32) int32 {
	r := t.nodes[idx].right
	t.nodes[idx].right = t.nodes[r].left
	t.nodes[r].left = idx
	t.update(idx)
	t.update(r)
	return r
}

func (t *holeTree) rotateRight(idx int32) int32 {
	l := t.nodes[idx].left
	t.nodes[idx].left = t.nodes[l].right
	t.nodes[l].right = idx
	t.update(idx)
	t.update(l)
	return l
}

// rebalance restores the height invariant at idx and returns the new
// subtree root.
func (t *holeTree) rebalance(idx int32) int32 {
	t.update(idx)
	n := &t.nodes[idx]
	switch bf := t.height(n.left) - t.height(n.right); {
	case bf > 1:
		l := n.left
		if t.height(t.nodes[l].left) < t.height(t.nodes[l].right) {
			t.nodes[idx].left = t.rotateLeft(l)
		}
		return t.rotateRight(idx)
	case bf < -1:
		r := n.right
		if t.height(t.nodes[r].right) < t.height(t.nodes[r].left) {
			t.nodes[idx].right = t.rotateRight(r)
		}
		return t.rotateLeft(idx)
	}
	return idx
}

// insert adds the hole [addr, addr+length). The range must be disjoint from
// every hole already in the tree.
func (t *holeTree) insert(addr memarch.Addr, length uint64) {
	t.root = t.insertAt(t.root, addr, length)
}

func (t *holeTree) insertAt(idx int32, addr memarch.Addr, length uint64) int32 {
	if idx == nilHole {
		return t.allocNode(addr, length)
	}
	switch n := t.nodes[idx]; {
	case addr < n.addr:
		t.nodes[idx].left = t.insertAt(n.left, addr, length)
	case addr > n.addr:
		t.nodes[idx].right = t.insertAt(n.right, addr, length)
	default:
		panic(fmt.Sprintf("vspace: double insert of hole at %#x", uintptr(addr)))
	}
	return t.rebalance(idx)
}

// remove deletes the hole starting exactly at addr.
func (t *holeTree) remove(addr memarch.Addr) {
	t.root = t.removeAt(t.root, addr)
}

func (t *holeTree) removeAt(idx int32, addr memarch.Addr) int32 {
	if idx == nilHole {
		panic(fmt.Sprintf("vspace: remove of absent hole at %#x", uintptr(addr)))
	}
	switch n := t.nodes[idx]; {
	case addr < n.addr:
		t.nodes[idx].left = t.removeAt(n.left, addr)
	case addr > n.addr:
		t.nodes[idx].right = t.removeAt(n.right, addr)
	default:
		if n.left == nilHole || n.right == nilHole {
			child := n.left
			if child == nilHole {
				child = n.right
			}
			t.releaseNode(idx)
			return child
		}
		succ := n.right
		for t.nodes[succ].left != nilHole {
			succ = t.nodes[succ].left
		}
		sn := t.nodes[succ]
		t.nodes[idx].addr = sn.addr
		t.nodes[idx].length = sn.length
		t.nodes[idx].right = t.removeAt(n.right, sn.addr)
	}
	return t.rebalance(idx)
}

// findFit returns a hole of at least length bytes: the lowest-addressed one
// for bottom-up placement, the highest-addressed for top-down.
func (t *holeTree) findFit(length uint64, topDown bool) (hole, bool) {
	if t.root == nilHole || t.largest(t.root) < length {
		return hole{}, false
	}
	idx := t.root
	for {
		n := t.nodes[idx]
		if topDown {
			if t.largest(n.right) >= length {
				idx = n.right
				continue
			}
			if n.length >= length {
				return hole{n.addr, n.length}, true
			}
			idx = n.left
		} else {
			if t.largest(n.left) >= length {
				idx = n.left
				continue
			}
			if n.length >= length {
				return hole{n.addr, n.length}, true
			}
			idx = n.right
		}
		if idx == nilHole {
			panic("vspace: hole aggregate does not match subtree")
		}
	}
}

// containing returns the hole containing addr, if any.
func (t *holeTree) containing(addr memarch.Addr) (hole, bool) {
	idx := t.root
	for idx != nilHole {
		n := t.nodes[idx]
		switch {
		case addr < n.addr:
			idx = n.left
		case addr < n.addr+memarch.Addr(n.length):
			return hole{n.addr, n.length}, true
		default:
			idx = n.right
		}
	}
	return hole{}, false
}

// ascendRange visits, in address order, every hole starting in [lo, hi].
func (t *holeTree) ascendRange(lo, hi memarch.Addr, fn func(hole)) {
	t.ascendRangeAt(t.root, lo, hi, fn)
}

func (t *holeTree) ascendRangeAt(idx int32, lo, hi memarch.Addr, fn func(hole)) {
	if idx == nilHole {
		return
	}
	n := t.nodes[idx]
	if n.addr > lo {
		t.ascendRangeAt(n.left, lo, hi, fn)
	}
	if n.addr >= lo && n.addr <= hi {
		fn(hole{n.addr, n.length})
	}
	if n.addr < hi {
		t.ascendRangeAt(n.right, lo, hi, fn)
	}
}

// walk visits every hole in address order.
func (t *holeTree) walk(fn func(hole)) {
	t.ascendRangeAt(t.root, 0, ^memarch.Addr(0), fn)
}

// checkInvariants validates ordering, balance, aggregates and
// non-adjacency, returning a description of the first violation.
func (t *holeTree) checkInvariants() error {
	if t.root == nilHole {
		return nil
	}
	if _, _, err := t.checkAt(t.root); err != nil {
		return err
	}
	var prev *hole
	var adjErr error
	t.walk(func(h hole) {
		if adjErr != nil {
			return
		}
		if prev != nil {
			if prev.end() > h.addr {
				adjErr = fmt.Errorf("holes %+v and %+v overlap", *prev, h)
			} else if prev.end() == h.addr {
				adjErr = fmt.Errorf("holes %+v and %+v touch without coalescing", *prev, h)
			}
		}
		hc := h
		prev = &hc
	})
	return adjErr
}

func (t *holeTree) checkAt(idx int32) (int8, uint64, error) {
	if idx == nilHole {
		return 0, 0, nil
	}
	n := t.nodes[idx]
	lh, la, err := t.checkAt(n.left)
	if err != nil {
		return 0, 0, err
	}
	rh, ra, err := t.checkAt(n.right)
	if err != nil {
		return 0, 0, err
	}
	h := max(lh, rh) + 1
	if n.height != h {
		return 0, 0, fmt.Errorf("hole at %#x has height %d, want %d", uintptr(n.addr), n.height, h)
	}
	if lh-rh > 1 || rh-lh > 1 {
		return 0, 0, fmt.Errorf("hole at %#x is unbalanced (%d/%d)", uintptr(n.addr), lh, rh)
	}
	want := max(n.length, la, ra)
	if n.largest != want {
		return 0, 0, fmt.Errorf("hole at %#x aggregates %d, want %d", uintptr(n.addr), n.largest, want)
	}
	return h, want, nil
}
