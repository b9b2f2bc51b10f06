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
	"errors"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/mm"
	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/pkg/ring0"
	"github.com/sevmon/sevmon/pkg/snp"
)

// newTestCPU allocates and fully sets up a CPU with a unique identifier.
func newTestCPU(t *testing.T, apicID uint32) *PerCPU {
	t.Helper()
	c, err := Alloc(apicID)
	if err != nil {
		t.Fatalf("Alloc(%d): %v", apicID, err)
	}
	if err := c.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return c
}

func TestAllocThenLookup(t *testing.T) {
	const apicID = 100
	c, err := Alloc(apicID)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if got := Lookup(apicID); got != c {
		t.Errorf("Lookup(%d) = %p, want %p", apicID, got, c)
	}
	if got := Lookup(9999); got != nil {
		t.Errorf("Lookup of unregistered id = %p, want nil", got)
	}
}

func TestOnlineMonotonic(t *testing.T) {
	c := newTestCPU(t, 101)
	if c.IsOnline() {
		t.Errorf("fresh CPU reports online")
	}
	c.SetOnline()
	if !c.IsOnline() {
		t.Errorf("CPU not online after SetOnline")
	}
}

func TestSetupMapsFixedWindows(t *testing.T) {
	c := newTestCPU(t, 102)
	pt := c.PageTables()
	for _, vaddr := range []hostarch.VirtAddr{
		mm.PerCPUBase,
		mm.PerCPUGHCBBase,
		mm.StackInitBase,
		mm.StackISTDoubleFaultBase,
	} {
		if _, _, err := pt.Translate(vaddr); err != nil {
			t.Errorf("window %#x not mapped: %v", vaddr, err)
		}
	}
	if !pt.SharesKernelWith(mm.KernelTables()) {
		t.Errorf("CPU root does not share kernel mappings")
	}
}

func TestLoadInstallsState(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestCPU(t, 103)
	c.Load()
	if got, want := ring0.ReadCR3(), c.PageTables().CR3(); got != want {
		t.Errorf("CR3 = %#x, want %#x", got, want)
	}
	if ring0.CurrentTss() == nil {
		t.Errorf("no TSS loaded")
	}
	if got, want := ring0.CurrentTss().IST(ring0.ISTDoubleFault), mm.StackBasePointer(mm.StackISTDoubleFaultBase); got != want {
		t.Errorf("double-fault IST = %#x, want %#x", got, want)
	}
}

func TestLoadBeforeSetupPanics(t *testing.T) {
	c, err := Alloc(104)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Load before Setup did not panic")
		}
	}()
	c.Load()
}

func TestSetupOnCPUBindsCurrent(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestCPU(t, 105)
	if err := c.SetupOnCPU(); err != nil {
		t.Fatalf("SetupOnCPU: %v", err)
	}
	if got := Current(); got != c {
		t.Errorf("Current() = %p, want %p", got, c)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	c, err := Alloc(106)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	// Never set up: shutdown is a no-op.
	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown of fresh CPU = %v, want nil", err)
	}
	if err := c.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
}

func TestAllocSelfVMSATwice(t *testing.T) {
	c := newTestCPU(t, 107)
	if err := c.AllocSelfVMSA(); err != nil {
		t.Fatalf("AllocSelfVMSA: %v", err)
	}
	first := c.SelfVMSA()
	if err := c.AllocSelfVMSA(); !errors.Is(err, ErrSelfVMSAExists) {
		t.Errorf("second AllocSelfVMSA = %v, want ErrSelfVMSAExists", err)
	}
	if got := c.SelfVMSA(); got != first {
		t.Errorf("first save-area disturbed: %p != %p", got, first)
	}
}

func TestPrepareSelfVMSA(t *testing.T) {
	const entry = 0xffffff8000400000
	c := newTestCPU(t, 108)
	if err := c.AllocSelfVMSA(); err != nil {
		t.Fatalf("AllocSelfVMSA: %v", err)
	}
	if err := c.PrepareSelfVMSA(entry); err != nil {
		t.Fatalf("PrepareSelfVMSA: %v", err)
	}
	v := c.SelfVMSA().VMSA()
	if v.Rip != entry {
		t.Errorf("Rip = %#x, want %#x", v.Rip, uint64(entry))
	}
	if v.Rsp != uint64(c.TopOfStack()) {
		t.Errorf("Rsp = %#x, want %#x", v.Rsp, c.TopOfStack())
	}
	if v.Cr3 != c.PageTables().CR3() {
		t.Errorf("Cr3 = %#x, want %#x", v.Cr3, c.PageTables().CR3())
	}
	want := ring0.Segment{
		Selector: ring0.Tr,
		Flags:    ring0.TrFlags,
		Limit:    ring0.TssLimit,
		Base:     v.Tr.Base, // Address of the embedded TSS.
	}
	if diff := cmp.Diff(want, v.Tr); diff != "" {
		t.Errorf("task register segment mismatch (-want +got):\n%s", diff)
	}
	if v.Tr.Base == 0 {
		t.Errorf("task register base is zero")
	}
}

func TestGuestVMSAReplaceSemantics(t *testing.T) {
	c := newTestCPU(t, 109)

	// p1 is owned externally.
	ext, err := pgalloc.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	p1 := pgalloc.VirtToPhys(ext)
	if err := c.MapGuestVMSA(snp.BorrowedVMSA(p1)); err != nil {
		t.Fatalf("MapGuestVMSA(p1): %v", err)
	}

	// p2 is allocated by the monitor.
	vaddr2, err := snp.AllocVMSA(snp.VMPL1)
	if err != nil {
		t.Fatalf("AllocVMSA: %v", err)
	}
	p2 := pgalloc.VirtToPhys(vaddr2)

	before := pgalloc.ReadStats()
	if err := c.MapGuestVMSA(snp.OwnedVMSA(p2)); err != nil {
		t.Fatalf("MapGuestVMSA(p2): %v", err)
	}
	after := pgalloc.ReadStats()

	// Displacing the borrowed p1 must not free its page.
	if after.Freed != before.Freed {
		t.Errorf("displacing a borrowed save-area freed %d pages", after.Freed-before.Freed)
	}
	ref := c.GuestVMSA()
	if ref == nil {
		t.Fatalf("guest slot empty after map")
	}
	if ref.PhysAddr() != p2 {
		t.Errorf("slot holds %#x, want %#x", ref.PhysAddr(), p2)
	}
	if !ref.Backing.ReleaseOnRemoval() {
		t.Errorf("slot backing is not owned")
	}
	if ref.Vaddr != mm.PerCPUVMSABase {
		t.Errorf("slot vaddr = %#x, want %#x", ref.Vaddr, mm.PerCPUVMSABase)
	}

	// Unmapping frees the owned p2 and empties the slot.
	if err := c.UnmapGuestVMSA(); err != nil {
		t.Fatalf("UnmapGuestVMSA: %v", err)
	}
	if snp.IsVMSAPage(p2) {
		t.Errorf("owned save-area %#x not freed on unmap", p2)
	}
	if c.GuestVMSA() != nil {
		t.Errorf("guest slot not empty after unmap")
	}
	// A second unmap is a no-op.
	if err := c.UnmapGuestVMSA(); err != nil {
		t.Errorf("unmap of empty slot = %v, want nil", err)
	}
	pgalloc.FreePage(ext) // p1 is still ours to free.
}

func TestAllocGuestVMSA(t *testing.T) {
	c := newTestCPU(t, 110)
	if err := c.AllocGuestVMSA(); err != nil {
		t.Fatalf("AllocGuestVMSA: %v", err)
	}
	ref := c.GuestVMSA()
	if ref == nil {
		t.Fatalf("guest slot empty after AllocGuestVMSA")
	}
	if !ref.Backing.ReleaseOnRemoval() {
		t.Errorf("allocated guest save-area not owned")
	}
	if !snp.IsVMSAPage(ref.PhysAddr()) {
		t.Errorf("guest save-area %#x not tagged", ref.PhysAddr())
	}
	if err := c.UnmapGuestVMSA(); err != nil {
		t.Fatalf("UnmapGuestVMSA: %v", err)
	}
}

func TestPrepareGuestVMSA(t *testing.T) {
	const resetIP = 0xdeadbff0
	c := newTestCPU(t, 111)
	c.SetResetIP(resetIP)

	if err := c.PrepareGuestVMSA(); err == nil {
		t.Errorf("PrepareGuestVMSA with empty slot succeeded")
	}
	if err := c.AllocGuestVMSA(); err != nil {
		t.Fatalf("AllocGuestVMSA: %v", err)
	}
	if err := c.PrepareGuestVMSA(); err != nil {
		t.Fatalf("PrepareGuestVMSA: %v", err)
	}
	v := c.GuestVMSA().VMSA()
	if want := uint64(resetIP & 0xffff); v.Rip != want {
		t.Errorf("Rip = %#x, want %#x", v.Rip, want)
	}
	if want := uint64(resetIP & 0xffff_0000); v.Cs.Base != want {
		t.Errorf("Cs.Base = %#x, want %#x", v.Cs.Base, want)
	}
	if err := c.UnmapGuestVMSA(); err != nil {
		t.Fatalf("UnmapGuestVMSA: %v", err)
	}
}

func TestCAAOffsetPreserved(t *testing.T) {
	const offset = 0x7b8
	c := newTestCPU(t, 112)

	page, err := pgalloc.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	defer pgalloc.FreePage(page)
	paddr := pgalloc.VirtToPhys(page) + offset

	if err := c.MapCAA(paddr); err != nil {
		t.Fatalf("MapCAA: %v", err)
	}
	got, ok := c.CAAAddr()
	if !ok {
		t.Fatalf("CAAAddr reports empty slot")
	}
	if got.PageOffset() != offset {
		t.Errorf("calling-area offset = %#x, want %#x", got.PageOffset(), offset)
	}
	if got.RoundDown() != mm.PerCPUCAABase {
		t.Errorf("calling-area page = %#x, want %#x", got.RoundDown(), mm.PerCPUCAABase)
	}

	// Remapping displaces the old translation.
	page2, err := pgalloc.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	defer pgalloc.FreePage(page2)
	if err := c.MapCAA(pgalloc.VirtToPhys(page2)); err != nil {
		t.Fatalf("second MapCAA: %v", err)
	}
	got, _ = c.CAAAddr()
	if got.PageOffset() != 0 {
		t.Errorf("offset after remap = %#x, want 0", got.PageOffset())
	}

	if err := c.UnmapCAA(); err != nil {
		t.Fatalf("UnmapCAA: %v", err)
	}
	if _, ok := c.CAAAddr(); ok {
		t.Errorf("calling-area slot not empty after unmap")
	}
	// Unmap of an empty slot is a no-op.
	if err := c.UnmapCAA(); err != nil {
		t.Errorf("unmap of empty slot = %v, want nil", err)
	}
}
