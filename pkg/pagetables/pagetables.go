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

// Package pagetables provides address-space roots for the monitor's CPUs
// and tasks.
//
// Each PageTables value owns a root page and a private set of 4K
// translations. Kernel translations live in a shared set referenced by
// every clone of a root, so a mapping installed with MapShared4K becomes
// visible in all address spaces at once, while Map4K affects only one.
//
// The hardware PTE encoding is the platform's concern; the tables here keep
// a software translation index keyed by page-aligned virtual address.
package pagetables

import (
	"errors"
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/pkg/sync"
)

// Mapping errors.
var (
	// ErrNotMapped is returned when unmapping or translating an address
	// with no live translation.
	ErrNotMapped = errors.New("address not mapped")

	// ErrAlreadyMapped is returned when mapping over a live translation
	// with a different target.
	ErrAlreadyMapped = errors.New("address already mapped")
)

// PTEFlags are page translation attributes.
type PTEFlags uint64

const (
	// Present marks a live translation.
	Present PTEFlags = 1 << iota

	// Writable allows stores through the translation.
	Writable

	// Dirty is the accessed/dirty attribute set on data pages.
	Dirty

	// NX forbids instruction fetch through the translation.
	NX
)

// DataFlags returns the attributes of a writable monitor data page.
func DataFlags() PTEFlags {
	return Present | Writable | Dirty | NX
}

// mapping is one 4K translation.
type mapping struct {
	phys  hostarch.PhysAddr
	flags PTEFlags
}

// shared is the kernel translation set referenced by a family of roots.
type shared struct {
	mu      sync.SpinMutex
	entries map[hostarch.VirtAddr]mapping
}

// PageTables is one address-space root.
type PageTables struct {
	// mu guards private.
	mu sync.SpinMutex

	// rootPage backs the hardware root; its physical address is the value
	// loaded into the address-space register.
	rootPage hostarch.VirtAddr

	// private holds this root's own translations.
	private map[hostarch.VirtAddr]mapping

	// kernel is the shared translation set. It is immutable after
	// construction (the set itself is mutable, the pointer is not).
	kernel *shared
}

// New returns a fresh root with an empty kernel translation set.
func New() (*PageTables, error) {
	root, err := pgalloc.AllocateZeroedPage()
	if err != nil {
		return nil, fmt.Errorf("allocating page-table root: %w", err)
	}
	return &PageTables{
		rootPage: root,
		private:  make(map[hostarch.VirtAddr]mapping),
		kernel: &shared{
			entries: make(map[hostarch.VirtAddr]mapping),
		},
	}, nil
}

// CloneShared returns a new root that shares p's kernel translations and
// has no private ones.
func (p *PageTables) CloneShared() (*PageTables, error) {
	root, err := pgalloc.AllocateZeroedPage()
	if err != nil {
		return nil, fmt.Errorf("allocating page-table root: %w", err)
	}
	return &PageTables{
		rootPage: root,
		private:  make(map[hostarch.VirtAddr]mapping),
		kernel:   p.kernel,
	}, nil
}

// SharesKernelWith returns true if p and o reference the same kernel
// translation set.
func (p *PageTables) SharesKernelWith(o *PageTables) bool {
	return p.kernel == o.kernel
}

// Map4K installs a private translation vaddr -> paddr.
//
// Remapping with an identical target is a no-op, so self-mapping insertion
// may be repeated safely. Remapping with a different target fails; callers
// implementing replace semantics must unmap first.
func (p *PageTables) Map4K(vaddr hostarch.VirtAddr, paddr hostarch.PhysAddr, flags PTEFlags) error {
	if !vaddr.IsPageAligned() || !paddr.IsPageAligned() {
		return fmt.Errorf("mapping %#x -> %#x: unaligned", vaddr, paddr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.private[vaddr]; ok {
		if old.phys == paddr && old.flags == flags {
			return nil
		}
		return fmt.Errorf("mapping %#x: %w", vaddr, ErrAlreadyMapped)
	}
	p.private[vaddr] = mapping{phys: paddr, flags: flags}
	return nil
}

// Unmap4K removes the private translation for vaddr.
func (p *PageTables) Unmap4K(vaddr hostarch.VirtAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.private[vaddr.RoundDown()]; !ok {
		return fmt.Errorf("unmapping %#x: %w", vaddr, ErrNotMapped)
	}
	delete(p.private, vaddr.RoundDown())
	return nil
}

// MapShared4K installs a kernel translation visible in every clone of this
// root family.
func (p *PageTables) MapShared4K(vaddr hostarch.VirtAddr, paddr hostarch.PhysAddr, flags PTEFlags) error {
	if !vaddr.IsPageAligned() || !paddr.IsPageAligned() {
		return fmt.Errorf("mapping %#x -> %#x: unaligned", vaddr, paddr)
	}
	p.kernel.mu.Lock()
	defer p.kernel.mu.Unlock()
	if old, ok := p.kernel.entries[vaddr]; ok {
		if old.phys == paddr && old.flags == flags {
			return nil
		}
		return fmt.Errorf("mapping %#x: %w", vaddr, ErrAlreadyMapped)
	}
	p.kernel.entries[vaddr] = mapping{phys: paddr, flags: flags}
	return nil
}

// Translate resolves vaddr. The returned physical address preserves the
// page offset of vaddr.
func (p *PageTables) Translate(vaddr hostarch.VirtAddr) (hostarch.PhysAddr, PTEFlags, error) {
	page := vaddr.RoundDown()

	p.mu.Lock()
	m, ok := p.private[page]
	p.mu.Unlock()
	if !ok {
		p.kernel.mu.Lock()
		m, ok = p.kernel.entries[page]
		p.kernel.mu.Unlock()
	}
	if !ok {
		return 0, 0, fmt.Errorf("translating %#x: %w", vaddr, ErrNotMapped)
	}
	return m.phys + hostarch.PhysAddr(vaddr.PageOffset()), m.flags, nil
}

// CR3 returns the value to load into the address-space register for this
// root.
func (p *PageTables) CR3() uint64 {
	return uint64(pgalloc.VirtToPhys(p.rootPage))
}

// Load installs this root on the calling thread's CPU.
func (p *PageTables) Load() {
	loadCR3(p.CR3())
}

// Release frees the root page. The PageTables must not be used afterwards.
func (p *PageTables) Release() {
	pgalloc.FreePage(p.rootPage)
	p.rootPage = 0
	p.private = nil
}
