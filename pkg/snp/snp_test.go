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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sevmon/sevmon/pkg/pgalloc"
)

func TestAllocVMSATagged(t *testing.T) {
	vaddr, err := AllocVMSA(VMPL1)
	if err != nil {
		t.Fatalf("AllocVMSA: %v", err)
	}
	paddr := pgalloc.VirtToPhys(vaddr)
	if !IsVMSAPage(paddr) {
		t.Errorf("IsVMSAPage(%#x) = false after AllocVMSA", paddr)
	}
	FreeVMSA(vaddr)
	if IsVMSAPage(paddr) {
		t.Errorf("IsVMSAPage(%#x) = true after FreeVMSA", paddr)
	}
}

func TestFreeNonVMSAPanics(t *testing.T) {
	page, err := pgalloc.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	defer pgalloc.FreePage(page)
	defer func() {
		if recover() == nil {
			t.Errorf("FreeVMSA of untagged page did not panic")
		}
	}()
	FreeVMSA(page)
}

func TestBackingVariants(t *testing.T) {
	owned := OwnedVMSA(0x1_0000_3000)
	if !owned.ReleaseOnRemoval() {
		t.Errorf("owned backing does not release on removal")
	}
	borrowed := BorrowedVMSA(0x1_0000_4000)
	if borrowed.ReleaseOnRemoval() {
		t.Errorf("borrowed backing releases on removal")
	}
	if owned.PhysAddr() == borrowed.PhysAddr() {
		t.Errorf("backings alias: %#x", owned.PhysAddr())
	}
}

func TestGHCBLifecycle(t *testing.T) {
	SetHost(nil) // In-process default.
	g, err := NewGHCB()
	if err != nil {
		t.Fatalf("NewGHCB: %v", err)
	}
	b := pgalloc.PageBytes(pgalloc.PhysToVirt(g.PhysAddr()))
	if got := binary.LittleEndian.Uint16(b[ghcbOffVersion:]); got != ghcbVersion {
		t.Errorf("version field = %d, want %d", got, ghcbVersion)
	}
	if err := g.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// A second registration of the same page is rejected by the host.
	dup := &GHCB{page: pgalloc.PhysToVirt(g.PhysAddr())}
	if err := dup.Register(); !errors.Is(err, ErrRegistrationRejected) {
		t.Errorf("duplicate Register = %v, want ErrRegistrationRejected", err)
	}
	if err := g.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Shutdown is idempotent.
	if err := g.Shutdown(); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
}
