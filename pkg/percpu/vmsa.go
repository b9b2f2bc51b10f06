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

package percpu

import (
	"fmt"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/log"
	"github.com/sevmon/sevmon/pkg/mm"
	"github.com/sevmon/sevmon/pkg/pagetables"
	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/pkg/ring0"
	"github.com/sevmon/sevmon/pkg/snp"
)

// VmsaRef is a handle to a save-area held in one of this CPU's slots.
type VmsaRef struct {
	// Vaddr is the address the save-area is mapped at in this CPU's
	// address space.
	Vaddr hostarch.VirtAddr

	// Backing is the save-area page and its lifetime rule.
	Backing snp.Backing
}

// PhysAddr returns the save-area's physical address.
func (r VmsaRef) PhysAddr() hostarch.PhysAddr {
	return r.Backing.PhysAddr()
}

// AllocSelfVMSA allocates the monitor's own save-area for this CPU. At
// most one exists; a second call fails without disturbing the first.
func (c *PerCPU) AllocSelfVMSA() error {
	if c.selfVMSA != nil {
		return ErrSelfVMSAExists
	}
	vaddr, err := snp.AllocVMSA(snp.VMPL1)
	if err != nil {
		return err
	}
	c.selfVMSA = &VmsaRef{
		Vaddr:   vaddr,
		Backing: snp.OwnedVMSA(pgalloc.VirtToPhys(vaddr)),
	}
	return nil
}

// SelfVMSA returns the monitor's own save-area reference, or nil.
func (c *PerCPU) SelfVMSA() *VmsaRef {
	return c.selfVMSA
}

// PrepareSelfVMSA populates the monitor's own save-area so that this CPU
// can be resumed at startRIP: task register referencing the embedded TSS,
// stack pointer at the top of the init stack, and the current
// address-space root.
//
// Preconditions: AllocSelfVMSA and Setup have completed.
func (c *PerCPU) PrepareSelfVMSA(startRIP uint64) error {
	if c.selfVMSA == nil {
		return fmt.Errorf("cpu %d: no self save-area", c.apicID)
	}
	v := c.selfVMSA.VMSA()
	v.Tr = c.trSegment()
	v.Rip = startRIP
	v.Rsp = uint64(c.TopOfStack())
	v.Cr3 = c.PageTables().CR3()
	v.Rflags = ring0.KernelFlagsSet
	v.Vmpl = uint8(snp.VMPL0)
	return nil
}

// unmapGuestVMSALocked clears the guest slot. On failure the slot is left
// in its prior, valid state.
//
// Preconditions: c.guestMu is locked.
func (c *PerCPU) unmapGuestVMSALocked() error {
	ref := c.guestVMSA
	if ref == nil {
		return nil
	}
	if err := c.PageTables().Unmap4K(ref.Vaddr); err != nil {
		return err
	}
	if ref.Backing.ReleaseOnRemoval() {
		snp.FreeVMSA(pgalloc.PhysToVirt(ref.PhysAddr()))
	} else {
		// The page belongs to an external owner; only the translation
		// is gone.
		log.Debugf("cpu %d: displaced borrowed save-area %#x", c.apicID, ref.PhysAddr())
	}
	c.guestVMSA = nil
	return nil
}

// UnmapGuestVMSA empties the guest save-area slot. An owned page is freed;
// a borrowed page only loses its translation.
func (c *PerCPU) UnmapGuestVMSA() error {
	c.guestMu.Lock()
	defer c.guestMu.Unlock()
	return c.unmapGuestVMSALocked()
}

// MapGuestVMSA installs a guest save-area in this CPU's slot, displacing
// any current occupant first. If displacing fails, the new mapping is not
// attempted.
func (c *PerCPU) MapGuestVMSA(backing snp.Backing) error {
	c.guestMu.Lock()
	defer c.guestMu.Unlock()
	if err := c.unmapGuestVMSALocked(); err != nil {
		return err
	}
	if err := c.PageTables().Map4K(mm.PerCPUVMSABase, backing.PhysAddr(), pagetables.DataFlags()); err != nil {
		return err
	}
	c.guestVMSA = &VmsaRef{Vaddr: mm.PerCPUVMSABase, Backing: backing}
	return nil
}

// AllocGuestVMSA allocates a fresh save-area page and installs it in the
// guest slot. If installation fails, the fresh page is freed, leaving no
// partial state.
func (c *PerCPU) AllocGuestVMSA() error {
	vaddr, err := snp.AllocVMSA(snp.VMPL1)
	if err != nil {
		return err
	}
	if err := c.MapGuestVMSA(snp.OwnedVMSA(pgalloc.VirtToPhys(vaddr))); err != nil {
		snp.FreeVMSA(vaddr)
		return err
	}
	return nil
}

// GuestVMSA returns a copy of the guest slot's reference, or nil if the
// slot is empty.
func (c *PerCPU) GuestVMSA() *VmsaRef {
	c.guestMu.Lock()
	defer c.guestMu.Unlock()
	if c.guestVMSA == nil {
		return nil
	}
	ref := *c.guestVMSA
	return &ref
}

// PrepareGuestVMSA writes the architectural reset state, with this CPU's
// configured reset instruction pointer, into the mapped guest save-area.
func (c *PerCPU) PrepareGuestVMSA() error {
	c.guestMu.Lock()
	defer c.guestMu.Unlock()
	if c.guestVMSA == nil {
		return fmt.Errorf("cpu %d: no guest save-area mapped", c.apicID)
	}
	ring0.InitGuestVMSA(c.guestVMSA.VMSA(), c.resetIP)
	return nil
}

// MapCAA installs the guest calling area in this CPU's slot, displacing
// any current occupant. The sub-page offset of paddr is preserved in the
// resulting virtual address.
func (c *PerCPU) MapCAA(paddr hostarch.PhysAddr) error {
	c.caaMu.Lock()
	defer c.caaMu.Unlock()
	if err := c.unmapCAALocked(); err != nil {
		return err
	}
	if err := c.PageTables().Map4K(mm.PerCPUCAABase, paddr.RoundDown(), pagetables.DataFlags()); err != nil {
		return err
	}
	c.caaAddr = mm.PerCPUCAABase + hostarch.VirtAddr(paddr.PageOffset())
	return nil
}

// unmapCAALocked clears the calling-area slot. On failure the slot is
// left in its prior, valid state.
//
// Preconditions: c.caaMu is locked.
func (c *PerCPU) unmapCAALocked() error {
	if c.caaAddr == 0 {
		return nil
	}
	if err := c.PageTables().Unmap4K(c.caaAddr.RoundDown()); err != nil {
		return err
	}
	c.caaAddr = 0
	return nil
}

// UnmapCAA empties the calling-area slot; a no-op if it is empty.
func (c *PerCPU) UnmapCAA() error {
	c.caaMu.Lock()
	defer c.caaMu.Unlock()
	return c.unmapCAALocked()
}

// CAAAddr returns the mapped calling-area address, if any.
func (c *PerCPU) CAAAddr() (hostarch.VirtAddr, bool) {
	c.caaMu.Lock()
	defer c.caaMu.Unlock()
	return c.caaAddr, c.caaAddr != 0
}
