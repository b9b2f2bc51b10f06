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

// Package percpu owns the privileged per-CPU resources of the monitor: the
// address-space root, the signaling page, interrupt stacks, the task-state
// segment, and the save-area and calling-area slots.
//
// One PerCPU exists per logical CPU, created at boot and never removed.
// Operations that touch only a CPU's own state need no lock; the slots that
// other CPUs may reach (guest save-area, calling area) are spin-locked.
package percpu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/log"
	"github.com/sevmon/sevmon/pkg/mm"
	"github.com/sevmon/sevmon/pkg/pagetables"
	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/pkg/ring0"
	"github.com/sevmon/sevmon/pkg/snp"
	"github.com/sevmon/sevmon/pkg/sync"
)

// defaultResetIP is the architectural reset vector.
const defaultResetIP = 0xffff_fff0

// ErrSelfVMSAExists is returned by AllocSelfVMSA when the slot is already
// occupied.
var ErrSelfVMSAExists = errors.New("self save-area already allocated")

// istStacks holds the dedicated fault stacks.
type istStacks struct {
	// doubleFault is the base of the double-fault stack, or 0.
	doubleFault hostarch.VirtAddr
}

// PerCPU is one CPU's privileged state.
type PerCPU struct {
	apicID uint32
	online atomic.Bool

	// statePage backs this CPU's fixed state window. It is allocated by
	// Alloc and self-mapped during Setup.
	statePage hostarch.VirtAddr

	// pgtblMu guards pgtbl, which is set exactly once during Setup,
	// before the first Load.
	pgtblMu sync.SpinMutex
	pgtbl   *pagetables.PageTables

	// ghcb is this CPU's signaling page, exclusively owned.
	ghcb *snp.GHCB

	// initStack is the base of the initial task stack, or 0.
	initStack hostarch.VirtAddr

	ist istStacks
	tss ring0.Tss

	// selfVMSA holds the monitor's own resumable context; at most one.
	selfVMSA *VmsaRef

	// guestMu guards guestVMSA: the single guest save-area slot.
	guestMu   sync.SpinMutex
	guestVMSA *VmsaRef

	// caaMu guards caaAddr: the calling-area slot. Zero means empty.
	caaMu   sync.SpinMutex
	caaAddr hostarch.VirtAddr

	// resetIP is consulted when preparing a guest save-area.
	resetIP uint64
}

// Alloc creates the state for one CPU: it obtains a fresh zeroed state
// page and registers the CPU in the process-wide directory.
func Alloc(apicID uint32) (*PerCPU, error) {
	page, err := pgalloc.AllocateZeroedPage()
	if err != nil {
		return nil, fmt.Errorf("cpu %d: allocating state page: %w", apicID, err)
	}
	c := &PerCPU{
		apicID:    apicID,
		statePage: page,
		tss:       ring0.NewTss(),
		resetIP:   defaultResetIP,
	}
	if err := registerCPU(apicID, c); err != nil {
		pgalloc.FreePage(page)
		return nil, fmt.Errorf("cpu %d: %w", apicID, err)
	}
	return c, nil
}

// APICID returns the CPU's hardware identifier.
func (c *PerCPU) APICID() uint32 {
	return c.apicID
}

// SetOnline marks the CPU online. The flag never reverts.
func (c *PerCPU) SetOnline() {
	c.online.Store(true)
}

// IsOnline returns true once SetOnline has been called.
func (c *PerCPU) IsOnline() bool {
	return c.online.Load()
}

// SetResetIP sets the instruction pointer installed into guest save-areas
// by PrepareGuestVMSA.
func (c *PerCPU) SetResetIP(resetIP uint64) {
	c.resetIP = resetIP
}

// PageTables returns the CPU's address-space root.
func (c *PerCPU) PageTables() *pagetables.PageTables {
	c.pgtblMu.Lock()
	defer c.pgtblMu.Unlock()
	return c.pgtbl
}

// setPageTables installs the root. It is called once, from Setup.
func (c *PerCPU) setPageTables(pt *pagetables.PageTables) {
	c.pgtblMu.Lock()
	defer c.pgtblMu.Unlock()
	c.pgtbl = pt
}

// allocPageTables derives this CPU's private root from the shared kernel
// root.
func (c *PerCPU) allocPageTables() error {
	pt, err := mm.KernelTables().CloneShared()
	if err != nil {
		return fmt.Errorf("cloning kernel root: %w", err)
	}
	c.setPageTables(pt)
	return nil
}

// mapSelf maps the CPU's state page at the fixed per-CPU window inside its
// own address space, enabling later self-location.
func (c *PerCPU) mapSelf() error {
	return c.PopulatePageTables(c.PageTables())
}

// PopulatePageTables inserts this CPU's self-mapping into pt. A root that
// was last populated by a different CPU holds that CPU's entry; it is
// displaced. Repeating the call for the same CPU is a no-op.
func (c *PerCPU) PopulatePageTables(pt *pagetables.PageTables) error {
	paddr := pgalloc.VirtToPhys(c.statePage)
	err := pt.Map4K(mm.PerCPUBase, paddr, pagetables.DataFlags())
	if errors.Is(err, pagetables.ErrAlreadyMapped) {
		if err := pt.Unmap4K(mm.PerCPUBase); err != nil {
			return err
		}
		err = pt.Map4K(mm.PerCPUBase, paddr, pagetables.DataFlags())
	}
	return err
}

// setupGHCB allocates and initializes the signaling page and maps it at
// its fixed window.
func (c *PerCPU) setupGHCB() error {
	g, err := snp.NewGHCB()
	if err != nil {
		return err
	}
	if err := c.PageTables().Map4K(mm.PerCPUGHCBBase, g.PhysAddr(), pagetables.DataFlags()); err != nil {
		return fmt.Errorf("mapping ghcb window: %w", err)
	}
	c.ghcb = g
	return nil
}

// allocInitStack allocates the CPU's initial task stack.
func (c *PerCPU) allocInitStack() error {
	if _, err := mm.AllocateStack(mm.StackInitBase, c.PageTables()); err != nil {
		return fmt.Errorf("allocating init stack: %w", err)
	}
	c.initStack = mm.StackInitBase
	return nil
}

// allocISTStacks allocates the dedicated fault stacks.
func (c *PerCPU) allocISTStacks() error {
	if _, err := mm.AllocateStack(mm.StackISTDoubleFaultBase, c.PageTables()); err != nil {
		return fmt.Errorf("allocating double-fault stack: %w", err)
	}
	c.ist.doubleFault = mm.StackISTDoubleFaultBase
	return nil
}

// setupTSS patches the fault-stack pointers into the task-state segment.
func (c *PerCPU) setupTSS() {
	c.tss.SetIST(ring0.ISTDoubleFault, mm.StackBasePointer(c.ist.doubleFault))
	c.tss.SetRsp0(c.TopOfStack())
}

// TopOfStack returns the initial stack pointer of this CPU's init stack.
//
// Preconditions: Setup has completed.
func (c *PerCPU) TopOfStack() hostarch.VirtAddr {
	if c.initStack == 0 {
		panic("percpu: init stack not allocated")
	}
	return mm.StackBasePointer(c.initStack)
}

// Setup provisions the CPU's resources, in order: private address-space
// root, self-mapping, signaling page, init stack, fault stacks, TSS patch.
//
// Any failure aborts the sequence and propagates; there is no rollback.
// The caller must treat a failure as fatal to this CPU.
func (c *PerCPU) Setup() error {
	if err := c.allocPageTables(); err != nil {
		return err
	}
	if err := c.mapSelf(); err != nil {
		return err
	}
	if err := c.setupGHCB(); err != nil {
		return err
	}
	if err := c.allocInitStack(); err != nil {
		return err
	}
	if err := c.allocISTStacks(); err != nil {
		return err
	}
	c.setupTSS()
	log.Debugf("cpu %d: setup complete", c.apicID)
	return nil
}

// SetupOnCPU finishes provisioning on the owning CPU: it binds the calling
// thread to this state and registers the signaling page with the host.
//
// Preconditions: Setup has completed; the caller is pinned with
// runtime.LockOSThread.
func (c *PerCPU) SetupOnCPU() error {
	if c.ghcb == nil {
		return fmt.Errorf("cpu %d: setup not complete", c.apicID)
	}
	bindCurrent(c)
	return c.ghcb.Register()
}

// Load installs the CPU's address-space root and task-state segment into
// the live CPU. It is invoked only after a successful Setup, so violated
// preconditions are asserted, not returned.
func (c *PerCPU) Load() {
	pt := c.PageTables()
	if pt == nil {
		panic("percpu: Load before Setup")
	}
	pt.Load()
	ring0.LoadTss(&c.tss)
}

// Shutdown tears down the signaling channel. It is a no-op if the channel
// was never set up.
func (c *PerCPU) Shutdown() error {
	if c.ghcb == nil {
		return nil
	}
	return c.ghcb.Shutdown()
}
