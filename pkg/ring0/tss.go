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

package ring0

import (
	"github.com/sevmon/sevmon/pkg/hostarch"
)

// Interrupt-stack-table slots. The hardware switches to the named stack on
// delivery of the corresponding vector, regardless of the running task.
const (
	// ISTDoubleFault is the IST slot used for double faults.
	ISTDoubleFault = 1

	// istEntries is the number of IST slots in the 64-bit TSS.
	istEntries = 7
)

// Tss is the 64-bit task-state segment.
//
// Only the fields the monitor populates are modeled: the privilege-0 stack
// pointer and the interrupt stack table.
type Tss struct {
	// rsp0 is the stack pointer loaded on a privilege transition to ring 0.
	rsp0 hostarch.VirtAddr

	// ist holds the interrupt-stack-table pointers, indexed by slot - 1.
	ist [istEntries]hostarch.VirtAddr

	// ioPerm is the I/O permission bitmap base. It is set beyond the TSS
	// limit so that the entire port range faults.
	ioPerm uint16
}

// NewTss returns a TSS with all I/O ports blocked.
func NewTss() Tss {
	return Tss{ioPerm: TssLimit + 1}
}

// SetIST installs stack as the IST stack for the given slot.
//
// Preconditions: 1 <= slot <= 7.
func (t *Tss) SetIST(slot int, stack hostarch.VirtAddr) {
	t.ist[slot-1] = stack
}

// IST returns the stack installed in the given slot.
func (t *Tss) IST(slot int) hostarch.VirtAddr {
	return t.ist[slot-1]
}

// SetRsp0 installs the privilege-0 stack pointer.
func (t *Tss) SetRsp0(stack hostarch.VirtAddr) {
	t.rsp0 = stack
}

// Rsp0 returns the privilege-0 stack pointer.
func (t *Tss) Rsp0() hostarch.VirtAddr {
	return t.rsp0
}
