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
	"unsafe"

	"github.com/sevmon/sevmon/pkg/pgalloc"
	"github.com/sevmon/sevmon/pkg/ring0"
)

// VMSA returns the save-area contents. Access goes through the shared
// physical mapping, so the result is valid regardless of which address
// space is live.
func (r VmsaRef) VMSA() *ring0.VMSA {
	return (*ring0.VMSA)(unsafe.Pointer(uintptr(pgalloc.PhysToVirt(r.PhysAddr()))))
}

// trSegment describes the embedded TSS as a save-area task register image.
func (c *PerCPU) trSegment() ring0.Segment {
	return ring0.Segment{
		Selector: ring0.Tr,
		Flags:    ring0.TrFlags,
		Limit:    ring0.TssLimit,
		Base:     uint64(uintptr(unsafe.Pointer(&c.tss))),
	}
}
