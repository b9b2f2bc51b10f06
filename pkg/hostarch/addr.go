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

package hostarch

// VirtAddr is a virtual address in the monitor's address spaces.
type VirtAddr uintptr

// PhysAddr is a physical address as seen by the platform.
type PhysAddr uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (v VirtAddr) RoundDown() VirtAddr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v VirtAddr) RoundUp() (addr VirtAddr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into its page.
func (v VirtAddr) PageOffset() uintptr {
	return uintptr(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v VirtAddr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength returns v + length. ok is true iff the sum did not wrap.
func (v VirtAddr) AddLength(length uintptr) (end VirtAddr, ok bool) {
	end = v + VirtAddr(length)
	ok = end >= v
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ PageMask
}

// PageOffset returns the offset of p into its page.
func (p PhysAddr) PageOffset() uintptr {
	return uintptr(p & PageMask)
}

// IsPageAligned returns true if p.PageOffset() == 0.
func (p PhysAddr) IsPageAligned() bool {
	return p.PageOffset() == 0
}
