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

package snp

import (
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/pgalloc"
)

// AllocVMSA allocates one zeroed save-area page tagged for the given
// privilege level. The page is returned by its shared virtual address.
func AllocVMSA(vmpl VMPL) (hostarch.VirtAddr, error) {
	page, err := pgalloc.AllocateZeroedPage()
	if err != nil {
		return 0, fmt.Errorf("allocating save-area page: %w", err)
	}
	rmpSetVMSA(pgalloc.VirtToPhys(page), vmpl)
	return page, nil
}

// FreeVMSA releases a save-area page previously returned by AllocVMSA.
func FreeVMSA(vaddr hostarch.VirtAddr) {
	if err := rmpClearVMSA(pgalloc.VirtToPhys(vaddr)); err != nil {
		panic(err)
	}
	pgalloc.FreePage(vaddr)
}

// Backing identifies the guest save-area page mapped into a CPU's slot and
// carries its lifetime rule: an owned page was allocated by this layer and
// is freed when the slot is cleared, a borrowed page belongs to an external
// owner and only its translation is removed.
type Backing struct {
	paddr hostarch.PhysAddr
	owned bool
}

// OwnedVMSA returns the backing for a page this layer allocated.
func OwnedVMSA(paddr hostarch.PhysAddr) Backing {
	return Backing{paddr: paddr, owned: true}
}

// BorrowedVMSA returns the backing for a page owned outside this layer.
func BorrowedVMSA(paddr hostarch.PhysAddr) Backing {
	return Backing{paddr: paddr, owned: false}
}

// PhysAddr returns the backing page's physical address.
func (b Backing) PhysAddr() hostarch.PhysAddr {
	return b.paddr
}

// ReleaseOnRemoval returns true if the page must be freed when its slot is
// cleared.
func (b Backing) ReleaseOnRemoval() bool {
	return b.owned
}
