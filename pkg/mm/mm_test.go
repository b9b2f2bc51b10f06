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
	"testing"

	"github.com/sevmon/sevmon/pkg/hostarch"
	"github.com/sevmon/sevmon/pkg/pagetables"
)

func TestAllocateStackMapsAllPages(t *testing.T) {
	pt, err := pagetables.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()

	bounds, err := AllocateStack(StackInitBase, pt)
	if err != nil {
		t.Fatalf("AllocateStack: %v", err)
	}
	if bounds.Bottom != StackInitBase || bounds.Top != StackInitBase+StackSize {
		t.Errorf("bounds = %+v", bounds)
	}
	for va := bounds.Bottom; va < bounds.Top; va += hostarch.PageSize {
		if _, _, err := pt.Translate(va); err != nil {
			t.Errorf("stack page %#x not mapped: %v", va, err)
		}
	}
	// The guard page below the stack is not mapped.
	if _, _, err := pt.Translate(StackInitBase - hostarch.PageSize); !errors.Is(err, pagetables.ErrNotMapped) {
		t.Errorf("guard page mapped: %v", err)
	}
	if got := StackBasePointer(StackInitBase); got != bounds.Top {
		t.Errorf("StackBasePointer = %#x, want %#x", got, bounds.Top)
	}
}

func TestVMRStackAndFaults(t *testing.T) {
	r, err := NewVMR(PerTaskBase, PerTaskEnd)
	if err != nil {
		t.Fatalf("NewVMR: %v", err)
	}
	defer r.Release()

	bounds, err := r.InsertStack(PerTaskStackBase)
	if err != nil {
		t.Fatalf("InsertStack: %v", err)
	}

	pt, err := pagetables.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pt.Release()
	if err := r.Populate(pt); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if _, _, err := pt.Translate(bounds.Bottom); err != nil {
		t.Errorf("stack bottom not populated: %v", err)
	}

	// Fault on the guard page is rejected.
	if err := r.HandlePageFault(bounds.Bottom-1, true); !errors.Is(err, ErrGuardPage) {
		t.Errorf("guard fault = %v, want ErrGuardPage", err)
	}
	// Fault outside the region is rejected.
	if err := r.HandlePageFault(PerTaskEnd, false); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("out-of-range fault = %v, want ErrOutOfRange", err)
	}
	// Fault on an unmaterialized page inside the region demand-populates.
	heap := PerTaskStackBase + 16*hostarch.PageSize
	if err := r.HandlePageFault(heap+42, true); err != nil {
		t.Errorf("demand fault = %v, want nil", err)
	}
	if _, _, err := pt.Translate(heap); err != nil {
		t.Errorf("demand-populated page not mapped: %v", err)
	}
	// A second fault on the now-live page is an access violation.
	if err := r.HandlePageFault(heap, true); !errors.Is(err, ErrAccess) {
		t.Errorf("live-page fault = %v, want ErrAccess", err)
	}
}

func TestKernelTablesSingleton(t *testing.T) {
	if KernelTables() != KernelTables() {
		t.Errorf("KernelTables returned distinct roots")
	}
}
