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

// Package mm implements the monitor's virtual memory layout: the fixed
// per-CPU and per-task address windows, guarded stacks, and demand-faulted
// virtual memory regions.
package mm

import (
	"github.com/sevmon/sevmon/pkg/hostarch"
)

// Fixed virtual-address windows. These constants are a system-wide
// contract: every CPU maps its own resources at the same virtual addresses
// inside its own address space, and every task sees its private window at
// the same place.
const (
	// PerCPUBase is where each CPU maps its own state page.
	PerCPUBase = hostarch.VirtAddr(0xffffff8000000000)

	// PerCPUGHCBBase is where each CPU maps its signaling page.
	PerCPUGHCBBase = hostarch.VirtAddr(0xffffff8000001000)

	// PerCPUVMSABase is where each CPU maps the guest save-area it
	// currently manages.
	PerCPUVMSABase = hostarch.VirtAddr(0xffffff8000100000)

	// PerCPUCAABase is where each CPU maps the guest calling area.
	PerCPUCAABase = hostarch.VirtAddr(0xffffff8000200000)

	// StackInitBase is the base of each CPU's initial task stack.
	StackInitBase = hostarch.VirtAddr(0xffffff8010000000)

	// StackISTDoubleFaultBase is the base of each CPU's double-fault
	// stack.
	StackISTDoubleFaultBase = hostarch.VirtAddr(0xffffff8020000000)

	// PerTaskBase and PerTaskEnd bound each task's private window.
	PerTaskBase = hostarch.VirtAddr(0xffffff0000000000)
	PerTaskEnd  = hostarch.VirtAddr(0xffffff0080000000)

	// PerTaskStackBase is the base of each task's stack, inside the
	// per-task window.
	PerTaskStackBase = hostarch.VirtAddr(0xffffff0000010000)
)
