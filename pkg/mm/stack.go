// Copyright 2024 The sevmon Authors.
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

package mm

import (
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/pagetables"
	"github.com/sevmon/sevmon/pkg/pgalloc"
)

const (
	// StackPages is the number of mapped pages in a monitor stack.
	StackPages = 8

	// StackSize is the usable size of a monitor stack.
	StackSize = StackPages * hostarch.PageSize
)

// StackBounds describes a guarded stack region. The page below Bottom is
// never mapped, so an overflowing store faults instead of corrupting the
// neighbour.
type StackBounds struct {
	// Bottom is the lowest mapped address.
	Bottom hostarch.VirtAddr

	// Top is one past the highest mapped address; the initial stack
	// pointer.
	Top hostarch.VirtAddr
}

// Contains returns true if addr falls inside the stack.
func (b StackBounds) Contains(addr hostarch.VirtAddr) bool {
	return addr >= b.Bottom && addr < b.Top
}

// AllocateStack maps a guarded stack at base into pt and returns its
// bounds.
func AllocateStack(base hostarch.VirtAddr, pt *pagetables.PageTables) (StackBounds, error) {
	if !base.IsPageAligned() {
		return StackBounds{}, fmt.Errorf("stack base %#x unaligned", base)
	}
	for i := 0; i < StackPages; i++ {
		page, err := pgalloc.AllocateZeroedPage()
		if err != nil {
			return StackBounds{}, fmt.Errorf("allocating stack page %d: %w", i, err)
		}
		vaddr := base + hostarch.VirtAddr(i*hostarch.PageSize)
		if err := pt.Map4K(vaddr, pgalloc.VirtToPhys(page), pagetables.DataFlags()); err != nil {
			pgalloc.FreePage(page)
			return StackBounds{}, fmt.Errorf("mapping stack page %d: %w", i, err)
		}
	}
	return StackBounds{Bottom: base, Top: base + StackSize}, nil
}

// StackBasePointer returns the initial stack pointer for a stack allocated
// at base.
func StackBasePointer(base hostarch.VirtAddr) hostarch.VirtAddr {
	return base + StackSize
}
