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

	"aster.dev/aster/pkg/memarch"
)

// Hardware is a bundle over a fixed physical range, typically
// device-mapped. It is always resident and has no fault path.
type Hardware struct {
	base   memarch.PhysAddr
	length uint64
}

// NewHardware returns a bundle over [base, base+length). base and length
// must be page-aligned.
func NewHardware(base memarch.PhysAddr, length uint64) *Hardware {
	if base.PageOffset() != 0 || length == 0 || length%memarch.PageSize != 0 {
		panic(fmt.Sprintf("bundle: unaligned hardware range [%#x, +%#x)", uintptr(base), length))
	}
	return &Hardware{base: base, length: length}
}

// Tag implements Memory.Tag.
func (hw *Hardware) Tag() Tag {
	return TagHardware
}

// Length implements Memory.Length.
func (hw *Hardware) Length() uint64 {
	return hw.length
}

// PeekRange implements Bundle.PeekRange.
func (hw *Hardware) PeekRange(offset uint64) memarch.PhysAddr {
	if offset >= hw.length {
		return memarch.NoPhys
	}
	return hw.base + memarch.PhysAddr(offset)
}

// FetchRange implements Bundle.FetchRange. Hardware ranges are always
// resident, so fetches always complete synchronously.
func (hw *Hardware) FetchRange(offset uint64, n *FetchNode) bool {
	if offset >= hw.length {
		panic(fmt.Sprintf("bundle: hardware fetch at %#x beyond length %#x", offset, hw.length))
	}
	n.complete(hw.base+memarch.PhysAddr(offset), pageRemainder(offset))
	return true
}
