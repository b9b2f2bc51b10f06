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

// Package pgalloc provides the monitor's page-granularity memory allocator.
//
// Pages come from a single contiguous arena established at boot. The arena
// occupies one physical range, so virtual/physical translation within it is
// plain offset arithmetic.
package pgalloc

import (
	"errors"
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/sync"
)

// ErrNoMemory is returned when the arena is exhausted.
var ErrNoMemory = errors.New("out of memory")

// DefaultArenaPages is the arena size used when Init is not called
// explicitly.
const DefaultArenaPages = 16384

// arenaPhysBase is the synthetic physical address of the first arena page.
const arenaPhysBase = hostarch.PhysAddr(0x1_0000_0000)

var mem struct {
	mu sync.SpinMutex

	// base and size describe the mapped arena. Both are set once.
	base hostarch.VirtAddr
	size uintptr

	// next is the bump pointer for never-allocated pages.
	next uintptr

	// free holds released pages for reuse.
	free []hostarch.VirtAddr

	// allocated and freed count page operations since boot.
	allocated uint64
	freed     uint64
}

var initOnce sync.Once

// Init establishes an arena of the given number of pages. It may be called
// at most once, before any allocation; if allocation happens first, an
// arena of DefaultArenaPages is established implicitly.
func Init(pages int) error {
	var err error
	called := false
	initOnce.Do(func() {
		called = true
		err = arenaInit(pages)
	})
	if !called {
		return fmt.Errorf("pgalloc: arena already initialized")
	}
	return err
}

func ensureInit() {
	initOnce.Do(func() {
		if err := arenaInit(DefaultArenaPages); err != nil {
			panic(err)
		}
	})
}

// AllocatePage returns one page. Its contents are unspecified.
func AllocatePage() (hostarch.VirtAddr, error) {
	ensureInit()
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if n := len(mem.free); n > 0 {
		addr := mem.free[n-1]
		mem.free = mem.free[:n-1]
		mem.allocated++
		return addr, nil
	}
	if mem.next+hostarch.PageSize > mem.size {
		return 0, ErrNoMemory
	}
	addr := mem.base + hostarch.VirtAddr(mem.next)
	mem.next += hostarch.PageSize
	mem.allocated++
	return addr, nil
}

// AllocateZeroedPage returns one page filled with zero bytes.
func AllocateZeroedPage() (hostarch.VirtAddr, error) {
	addr, err := AllocatePage()
	if err != nil {
		return 0, err
	}
	zeroPage(addr)
	return addr, nil
}

// FreePage returns a page to the allocator.
//
// Preconditions: addr was returned by AllocatePage and not yet freed.
func FreePage(addr hostarch.VirtAddr) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("pgalloc: freeing unaligned address %#x", addr))
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.free = append(mem.free, addr)
	mem.freed++
}

// VirtToPhys translates an arena virtual address to its physical address.
func VirtToPhys(addr hostarch.VirtAddr) hostarch.PhysAddr {
	if uintptr(addr) < uintptr(mem.base) || uintptr(addr) >= uintptr(mem.base)+mem.size {
		panic(fmt.Sprintf("pgalloc: %#x outside arena", addr))
	}
	return arenaPhysBase + hostarch.PhysAddr(addr-mem.base)
}

// PhysToVirt translates an arena physical address back to the shared
// virtual mapping.
func PhysToVirt(paddr hostarch.PhysAddr) hostarch.VirtAddr {
	if paddr < arenaPhysBase || uintptr(paddr-arenaPhysBase) >= mem.size {
		panic(fmt.Sprintf("pgalloc: physical %#x outside arena", paddr))
	}
	return mem.base + hostarch.VirtAddr(paddr-arenaPhysBase)
}

// ContainsPhys returns true if paddr falls inside the arena's physical
// range.
func ContainsPhys(paddr hostarch.PhysAddr) bool {
	return paddr >= arenaPhysBase && uintptr(paddr-arenaPhysBase) < mem.size
}

// Stats describes allocator activity since boot.
type Stats struct {
	// Allocated is the number of page allocations.
	Allocated uint64

	// Freed is the number of pages returned.
	Freed uint64
}

// ReadStats returns a snapshot of allocator activity.
func ReadStats() Stats {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return Stats{Allocated: mem.allocated, Freed: mem.freed}
}
