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

// Package ring0 provides the privileged hardware structures owned by the
// monitor: the task-state segment, segment descriptors and the AMD SEV-ES
// save area (VMSA), together with the register interface used to install
// them on a CPU.
//
// The register interface is backed by a per-thread shadow register file;
// each logical CPU of the monitor is pinned to one OS thread, so thread
// identity stands in for CPU identity exactly as it does for the platform's
// vCPU binding.
package ring0

const (
	// Kcode is the kernel code segment selector.
	Kcode = 0x08

	// Kdata is the kernel data segment selector.
	Kdata = 0x10

	// Tr is the task register selector.
	Tr = 0x18

	// TrFlags are the attribute bits of a loaded 64-bit TSS descriptor
	// (present, busy).
	TrFlags = 0x89

	// TssLimit is the offset of the last byte of the TSS.
	TssLimit = 0x67
)

const (
	_RFLAGS_RESERVED = uint64(1) << 1
	_RFLAGS_IF       = uint64(1) << 9
)

// KernelFlagsSet is the RFLAGS value of the monitor's own execution
// contexts: reserved bit plus interrupts enabled.
const KernelFlagsSet = _RFLAGS_RESERVED | _RFLAGS_IF

// ResetFlags is the architectural RFLAGS value after reset.
const ResetFlags = _RFLAGS_RESERVED
