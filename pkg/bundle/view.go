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

import "fmt"

// View maps a logical offset range onto a sub-range of a bundle, so a
// mapping can be backed by part of a bundle rather than all of it.
type View struct {
	bundle     Bundle
	viewOffset uint64
	viewSize   uint64
}

// NewView returns a view of [offset, offset+size) in b. The range must lie
// within b when b's length is known.
func NewView(b Bundle, offset, size uint64) *View {
	if b == nil || size == 0 {
		panic("bundle: view of nothing")
	}
	if m, ok := b.(Memory); ok {
		if end := offset + size; end < offset || end > m.Length() {
			panic(fmt.Sprintf("bundle: view [%#x, %#x) beyond bundle length %#x", offset, offset+size, m.Length()))
		}
	}
	return &View{
		bundle:     b,
		viewOffset: offset,
		viewSize:   size,
	}
}

// Size returns the length of the view in bytes.
func (v *View) Size() uint64 {
	return v.viewSize
}

// Bundle returns the viewed bundle.
func (v *View) Bundle() Bundle {
	return v.bundle
}

// ResolveRange translates a view-local range into (bundle, bundle offset,
// size), clamping size to the end of the view.
func (v *View) ResolveRange(offset, size uint64) (Bundle, uint64, uint64) {
	if offset >= v.viewSize {
		panic(fmt.Sprintf("bundle: view resolve at %#x beyond size %#x", offset, v.viewSize))
	}
	if rest := v.viewSize - offset; size > rest {
		size = rest
	}
	return v.bundle, v.viewOffset + offset, size
}
