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

package pagetables

import (
	"errors"
	"testing"

	"github.com/sevmon/sevmon/pkg/hostarch"
)

const (
	testVaddr = hostarch.VirtAddr(0xffffff8000100000)
	testPaddr = hostarch.PhysAddr(0x1_0000_2000)
)

func TestMapTranslateUnmap(t *testing.T) {
	pt, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()

	if err := pt.Map4K(testVaddr, testPaddr, DataFlags()); err != nil {
		t.Fatalf("Map4K: %v", err)
	}
	paddr, flags, err := pt.Translate(testVaddr + 0x123)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := testPaddr + 0x123; paddr != want {
		t.Errorf("Translate = %#x, want %#x", paddr, want)
	}
	if flags != DataFlags() {
		t.Errorf("flags = %#x, want %#x", flags, DataFlags())
	}
	if err := pt.Unmap4K(testVaddr); err != nil {
		t.Fatalf("Unmap4K: %v", err)
	}
	if _, _, err := pt.Translate(testVaddr); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate after unmap = %v, want ErrNotMapped", err)
	}
}

func TestMapIdempotentRemap(t *testing.T) {
	pt, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()

	if err := pt.Map4K(testVaddr, testPaddr, DataFlags()); err != nil {
		t.Fatalf("Map4K: %v", err)
	}
	if err := pt.Map4K(testVaddr, testPaddr, DataFlags()); err != nil {
		t.Errorf("identical remap failed: %v", err)
	}
	if err := pt.Map4K(testVaddr, testPaddr+hostarch.PageSize, DataFlags()); !errors.Is(err, ErrAlreadyMapped) {
		t.Errorf("conflicting remap = %v, want ErrAlreadyMapped", err)
	}
}

func TestCloneSharesKernel(t *testing.T) {
	pt, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()

	clone, err := pt.CloneShared()
	if err != nil {
		t.Fatalf("CloneShared: %v", err)
	}
	defer clone.Release()

	if !pt.SharesKernelWith(clone) {
		t.Errorf("clone does not share kernel translations")
	}
	if pt.CR3() == clone.CR3() {
		t.Errorf("clone shares the root: CR3 = %#x", pt.CR3())
	}

	// A kernel mapping becomes visible through the clone; a private one
	// does not.
	if err := pt.MapShared4K(testVaddr, testPaddr, DataFlags()); err != nil {
		t.Fatalf("MapShared4K: %v", err)
	}
	if _, _, err := clone.Translate(testVaddr); err != nil {
		t.Errorf("kernel mapping not visible in clone: %v", err)
	}
	private := testVaddr + hostarch.PageSize
	if err := pt.Map4K(private, testPaddr, DataFlags()); err != nil {
		t.Fatalf("Map4K: %v", err)
	}
	if _, _, err := clone.Translate(private); !errors.Is(err, ErrNotMapped) {
		t.Errorf("private mapping visible in clone: %v", err)
	}
}

func TestDistinctRoots(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Release()
	b, err := a.CloneShared()
	if err != nil {
		t.Fatalf("CloneShared: %v", err)
	}
	defer b.Release()
	c, err := a.CloneShared()
	if err != nil {
		t.Fatalf("CloneShared: %v", err)
	}
	defer c.Release()

	if b.CR3() == c.CR3() {
		t.Errorf("two clones share a root: %#x", b.CR3())
	}
}
