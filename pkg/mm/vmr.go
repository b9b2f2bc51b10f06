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
	"errors"
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/pagetables"
	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/pkg/sync"
)

// VMR fault errors.
var (
	// ErrOutOfRange is returned for a fault outside the region.
	ErrOutOfRange = errors.New("address outside region")

	// ErrGuardPage is returned for a fault on a guard page.
	ErrGuardPage = errors.New("guard page access")

	// ErrAccess is returned for a write fault on a live read-only page.
	ErrAccess = errors.New("access violation")
)

// VMR is a virtual memory region: a span of private address space whose
// pages are materialized on first touch. Tasks use one VMR for their
// per-task window.
type VMR struct {
	start hostarch.VirtAddr
	end   hostarch.VirtAddr

	// mu guards the fields below.
	mu sync.SpinMutex

	// pages maps materialized virtual pages to their backing.
	pages map[hostarch.VirtAddr]hostarch.VirtAddr

	// guards are pages that must never be materialized.
	guards map[hostarch.VirtAddr]struct{}

	// pt is the address space the region populates, set by Populate.
	pt *pagetables.PageTables
}

// NewVMR returns a region spanning [start, end).
func NewVMR(start, end hostarch.VirtAddr) (*VMR, error) {
	if !start.IsPageAligned() || !end.IsPageAligned() || start >= end {
		return nil, fmt.Errorf("invalid region [%#x, %#x)", start, end)
	}
	return &VMR{
		start:  start,
		end:    end,
		pages:  make(map[hostarch.VirtAddr]hostarch.VirtAddr),
		guards: make(map[hostarch.VirtAddr]struct{}),
	}, nil
}

// Start returns the region's first address.
func (r *VMR) Start() hostarch.VirtAddr { return r.start }

// End returns one past the region's last address.
func (r *VMR) End() hostarch.VirtAddr { return r.end }

// Contains returns true if vaddr falls inside the region.
func (r *VMR) Contains(vaddr hostarch.VirtAddr) bool {
	return vaddr >= r.start && vaddr < r.end
}

// InsertStack materializes a guarded stack at base inside the region and
// returns its bounds. The page below base becomes a guard page.
func (r *VMR) InsertStack(base hostarch.VirtAddr) (StackBounds, error) {
	if !r.Contains(base) || !r.Contains(base+StackSize-1) {
		return StackBounds{}, fmt.Errorf("stack at %#x: %w", base, ErrOutOfRange)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < StackPages; i++ {
		page, err := pgalloc.AllocateZeroedPage()
		if err != nil {
			return StackBounds{}, fmt.Errorf("allocating stack page %d: %w", i, err)
		}
		r.pages[base+hostarch.VirtAddr(i*hostarch.PageSize)] = page
	}
	if guard := base - hostarch.PageSize; r.Contains(guard) {
		r.guards[guard] = struct{}{}
	}
	return StackBounds{Bottom: base, Top: base + StackSize}, nil
}

// Populate installs the region's materialized pages into pt and attaches
// the region to it for fault handling.
func (r *VMR) Populate(pt *pagetables.PageTables) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for vaddr, page := range r.pages {
		if err := pt.Map4K(vaddr, pgalloc.VirtToPhys(page), pagetables.DataFlags()); err != nil {
			return fmt.Errorf("populating %#x: %w", vaddr, err)
		}
	}
	r.pt = pt
	return nil
}

// HandlePageFault materializes the faulting page, if the fault is legal.
func (r *VMR) HandlePageFault(vaddr hostarch.VirtAddr, write bool) error {
	if !r.Contains(vaddr) {
		return fmt.Errorf("fault at %#x: %w", vaddr, ErrOutOfRange)
	}
	page := vaddr.RoundDown()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.guards[page]; ok {
		return fmt.Errorf("fault at %#x: %w", vaddr, ErrGuardPage)
	}
	if _, ok := r.pages[page]; ok {
		// The page is live; a fault here is a permission violation.
		return fmt.Errorf("fault at %#x (write=%t): %w", vaddr, write, ErrAccess)
	}
	backing, err := pgalloc.AllocateZeroedPage()
	if err != nil {
		return fmt.Errorf("fault at %#x: %w", vaddr, err)
	}
	r.pages[page] = backing
	if r.pt != nil {
		if err := r.pt.Map4K(page, pgalloc.VirtToPhys(backing), pagetables.DataFlags()); err != nil {
			pgalloc.FreePage(backing)
			delete(r.pages, page)
			return fmt.Errorf("fault at %#x: %w", vaddr, err)
		}
	}
	return nil
}

// Release unmaps and frees every materialized page.
func (r *VMR) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for vaddr, page := range r.pages {
		if r.pt != nil {
			// Unmap errors here mean the translation is already
			// gone, which is the state we want.
			_ = r.pt.Unmap4K(vaddr)
		}
		pgalloc.FreePage(page)
	}
	r.pages = make(map[hostarch.VirtAddr]hostarch.VirtAddr)
}
